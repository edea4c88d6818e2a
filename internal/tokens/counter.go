// Package tokens estimates token counts for reconciled LLM responses when the
// agent does not report usage itself.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encodings are loaded from the embedded BPE files, never downloaded.
var offline sync.Once

// Counter counts tokens with a tiktoken encoding.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// New creates a counter for model. Models tiktoken does not recognize (local
// Ollama models, for example) fall back to cl100k_base.
func New(model string) (*Counter, error) {
	offline.Do(func() { tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader()) })
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Counter{tokenizer: enc}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}
