package control

import (
	"context"
	"errors"

	"github.com/user/gophervoice/internal/types"
)

// RPC method names registered by the agent.
const (
	MethodListModels       = "list_models"
	MethodSwitchModel      = "switch_model"
	MethodInterrupt        = "interrupt"
	MethodListTools        = "list_tools"
	MethodGetAgentState    = "get_agent_state"
	MethodGetWakeWordState = "get_wake_word_state"
	MethodSetVADSettings   = "set_vad_settings"
	MethodGetSystemPrompt  = "get_system_prompt"
	MethodSetSystemPrompt  = "set_system_prompt"
)

type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

type ListModelsResult struct {
	Envelope
	Models       []ModelInfo `json:"models"`
	CurrentModel string      `json:"current_model"`
}

type SwitchModelResult struct {
	Envelope
	OldModel string `json:"old_model"`
	NewModel string `json:"new_model"`
}

type MessageResult struct {
	Envelope
	Message string `json:"message"`
}

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Server      string `json:"server"`
}

type ListToolsResult struct {
	Envelope
	Tools []ToolInfo `json:"tools"`
	Count int        `json:"count"`
}

// VADSettings are the agent's voice activity detection parameters. Nil fields
// are left unchanged by SetVADSettings.
type VADSettings struct {
	ActivationThreshold *float64 `json:"activation_threshold,omitempty"`
	MinSpeechDuration   *float64 `json:"min_speech_duration,omitempty"`
	MinSilenceDuration  *float64 `json:"min_silence_duration,omitempty"`
}

// Validate applies the agent's range checks locally.
func (v VADSettings) Validate() error {
	if v.ActivationThreshold == nil && v.MinSpeechDuration == nil && v.MinSilenceDuration == nil {
		return errors.New("no VAD settings provided")
	}
	if t := v.ActivationThreshold; t != nil && (*t < 0 || *t > 1) {
		return errors.New("activation_threshold must be between 0.0 and 1.0")
	}
	if d := v.MinSpeechDuration; d != nil && *d < 0 {
		return errors.New("min_speech_duration must be >= 0")
	}
	if d := v.MinSilenceDuration; d != nil && *d < 0 {
		return errors.New("min_silence_duration must be >= 0")
	}
	return nil
}

type AgentStateResult struct {
	Envelope
	LLMModel        string       `json:"llm_model"`
	STTModel        string       `json:"stt_model"`
	TTSProvider     string       `json:"tts_provider"`
	VADSettings     *VADSettings `json:"vad_settings"`
	MCPServersCount int          `json:"mcp_servers_count"`
	WakeWordEnabled bool         `json:"wake_word_enabled"`
	WakeWordState   string       `json:"wake_word_state"`
	WakeWordModel   string       `json:"wake_word_model"`
}

type WakeWordStateResult struct {
	Envelope
	Enabled bool                `json:"enabled"`
	State   types.WakeWordState `json:"state"`
	Model   string              `json:"model"`
}

type VADSettingsResult struct {
	Envelope
	Settings VADSettings `json:"settings"`
}

type SystemPromptResult struct {
	Envelope
	SystemPrompt string `json:"system_prompt"`
}

// Client exposes the agent control catalog.
type Client struct {
	*Invoker
}

// New creates an agent control client bound to room.
func New(room types.Room, opts ...Option) *Client {
	return &Client{Invoker: NewInvoker(room, opts...)}
}

func (c *Client) ListModels(ctx context.Context) (*ListModelsResult, error) {
	return Invoke[ListModelsResult](ctx, c.Invoker, MethodListModels, nil)
}

func (c *Client) SwitchModel(ctx context.Context, model string) (*SwitchModelResult, error) {
	return Invoke[SwitchModelResult](ctx, c.Invoker, MethodSwitchModel, map[string]string{"model": model})
}

// Interrupt stops the agent's current response.
func (c *Client) Interrupt(ctx context.Context) (*MessageResult, error) {
	return Invoke[MessageResult](ctx, c.Invoker, MethodInterrupt, nil)
}

// ListTools lists the tools of every connected MCP server.
func (c *Client) ListTools(ctx context.Context) (*ListToolsResult, error) {
	return Invoke[ListToolsResult](ctx, c.Invoker, MethodListTools, nil)
}

func (c *Client) GetAgentState(ctx context.Context) (*AgentStateResult, error) {
	return Invoke[AgentStateResult](ctx, c.Invoker, MethodGetAgentState, nil)
}

func (c *Client) GetWakeWordState(ctx context.Context) (*WakeWordStateResult, error) {
	return Invoke[WakeWordStateResult](ctx, c.Invoker, MethodGetWakeWordState, nil)
}

// WakeWordStatus fetches the wake word state and converts it to the tracker
// form. A success=false response is returned as an error.
func (c *Client) WakeWordStatus(ctx context.Context) (*types.WakeWordStatus, error) {
	res, err := c.GetWakeWordState(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errors.New(c.LastError())
	}
	return &types.WakeWordStatus{Enabled: res.Enabled, State: res.State, Model: res.Model}, nil
}

// SetVADSettings updates the agent's VAD parameters. Settings are validated
// locally first; invalid settings never reach the agent but still set the
// error state.
func (c *Client) SetVADSettings(ctx context.Context, settings VADSettings) (*VADSettingsResult, error) {
	if err := settings.Validate(); err != nil {
		c.fail(err.Error())
		return nil, err
	}
	return Invoke[VADSettingsResult](ctx, c.Invoker, MethodSetVADSettings, settings)
}

func (c *Client) GetSystemPrompt(ctx context.Context) (*SystemPromptResult, error) {
	return Invoke[SystemPromptResult](ctx, c.Invoker, MethodGetSystemPrompt, nil)
}

func (c *Client) SetSystemPrompt(ctx context.Context, prompt string) (*SystemPromptResult, error) {
	return Invoke[SystemPromptResult](ctx, c.Invoker, MethodSetSystemPrompt, map[string]string{"system_prompt": prompt})
}
