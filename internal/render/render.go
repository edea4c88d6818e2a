// Package render formats telemetry and control results for terminals and
// chat messages.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/fatih/color"

	"github.com/user/gophervoice/internal/types"
)

// MaxResultChars caps rendered tool results.
const MaxResultChars = 4000

var htmlTag = regexp.MustCompile(`(?i)<(html|body|div|p|h[1-6]|ul|ol|li|table|a|br|span|pre|code)[\s>/]`)

// ToolResult prepares a tool result for display: HTML is converted to
// markdown and long results are truncated.
func ToolResult(result string) string {
	result = strings.TrimSpace(result)
	if htmlTag.MatchString(result) {
		md, err := htmltomarkdown.ConvertString(result)
		if err == nil {
			result = strings.TrimSpace(md)
		}
	}
	return Truncate(result, MaxResultChars)
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "\n\n[Content truncated]"
}

// Preview returns the first line of s cut to n runes with an ellipsis.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func typeColor(t types.EventType) func(format string, a ...any) string {
	switch t {
	case types.EventError:
		return color.RedString
	case types.EventLLMRequestStart, types.EventLLMChunk, types.EventLLMRequestEnd:
		return color.CyanString
	case types.EventToolCallStart, types.EventToolCallEnd:
		return color.YellowString
	case types.EventAgentState:
		return color.MagentaString
	case types.EventSTTResult, types.EventTTSStart, types.EventTTSEnd:
		return color.BlueString
	}
	return color.WhiteString
}

// Event formats one telemetry event as a single terminal line.
func Event(e types.TelemetryEvent) string {
	ts := e.Time(time.Time{})
	stamp := "--:--:--"
	if !ts.IsZero() {
		stamp = ts.Format("15:04:05")
	}
	var b strings.Builder
	b.WriteString(color.HiBlackString("%s", stamp))
	b.WriteByte(' ')
	b.WriteString(typeColor(e.Type)("%-18s", e.Type))
	if e.RequestID != "" {
		b.WriteString(color.HiBlackString(" [%s]", shortID(string(e.RequestID))))
	}
	if detail := eventDetail(e); detail != "" {
		b.WriteByte(' ')
		b.WriteString(detail)
	}
	return b.String()
}

func eventDetail(e types.TelemetryEvent) string {
	switch e.Type {
	case types.EventLLMRequestStart:
		model, _ := e.String("model")
		return "model=" + model
	case types.EventLLMChunk:
		chunk, _ := e.String("chunk")
		return fmt.Sprintf("%q", Preview(chunk, 60))
	case types.EventLLMRequestEnd:
		if n, ok := e.Int("total_tokens"); ok {
			return fmt.Sprintf("tokens=%d", n)
		}
	case types.EventToolCallStart:
		name, _ := e.String("tool_name")
		return name
	case types.EventToolCallEnd:
		if msg, _ := e.String("error"); msg != "" {
			return color.RedString("error: %s", Preview(msg, 80))
		}
		return "ok"
	case types.EventAgentState:
		state, _ := e.String("state")
		return state
	case types.EventError:
		msg, _ := e.String("message")
		return msg
	case types.EventSTTResult:
		text, _ := e.String("text")
		return fmt.Sprintf("%q", Preview(text, 80))
	}
	return ""
}

func statusColor(status string) func(format string, a ...any) string {
	switch status {
	case string(types.RequestComplete):
		return color.GreenString
	case string(types.RequestError):
		return color.RedString
	case string(types.RequestStreaming), string(types.ToolRunning):
		return color.CyanString
	}
	return color.YellowString
}

// Request formats an LLM request summary line.
func Request(req types.LLMRequest) string {
	line := fmt.Sprintf("%s %s %s chunks=%d", shortID(string(req.ID)), req.Model,
		statusColor(string(req.Status))("%s", req.Status), len(req.Chunks))
	if req.EndedAt != nil {
		line += fmt.Sprintf(" %s", req.EndedAt.Sub(req.StartedAt).Round(time.Millisecond))
	}
	if req.TotalTokens > 0 {
		line += fmt.Sprintf(" tokens=%d", req.TotalTokens)
	}
	if req.Error != "" {
		line += " " + color.RedString("%s", req.Error)
	}
	return line
}

// ToolCall formats a tool call summary line.
func ToolCall(call types.ToolCall) string {
	line := fmt.Sprintf("%s %s %s", shortID(string(call.ID)), call.Tool,
		statusColor(string(call.Status))("%s", call.Status))
	if call.Error != "" {
		line += " " + color.RedString("%s", Preview(call.Error, 80))
	} else if call.Result != "" {
		line += " " + Preview(ToolResult(call.Result), 80)
	}
	return line
}

// Pipeline formats the pipeline state label.
func Pipeline(state types.PipelineState, label string) string {
	switch state {
	case types.PipelineUserSpeaking:
		return color.GreenString("%s", label)
	case types.PipelineThinking, types.PipelineTranscribing, types.PipelineGenerating:
		return color.YellowString("%s", label)
	case types.PipelineSpeaking:
		return color.CyanString("%s", label)
	case types.PipelineUserAway:
		return color.HiBlackString("%s", label)
	}
	return label
}

// Title renders a section heading.
func Title(s string) string {
	return color.New(color.Bold).Sprint(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
