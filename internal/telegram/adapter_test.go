package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/types"
	"github.com/user/gophervoice/internal/wakeword"
)

// scriptedRoom answers each RPC method with a canned JSON response.
type scriptedRoom struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	methods   []string
	payloads  []string
}

func (r *scriptedRoom) Subscribe(string) types.Subscription           { return nil }
func (r *scriptedRoom) Publish(context.Context, string, []byte) error { return nil }
func (r *scriptedRoom) AgentIdentity() string                         { return "agent-1" }

func (r *scriptedRoom) PerformRPC(_ context.Context, _, method, payload string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	r.payloads = append(r.payloads, payload)
	if r.err != nil {
		return "", r.err
	}
	return r.responses[method], nil
}

type fakeSender struct {
	sent    []tgbotapi.MessageConfig
	failMD  bool
	failAll bool
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if s.failAll || (s.failMD && msg.ParseMode == "Markdown") {
		return tgbotapi.Message{}, errors.New("bad request: can't parse entities")
	}
	s.sent = append(s.sent, msg)
	return tgbotapi.Message{}, nil
}

func newTestAdapter(room *scriptedRoom) (*Adapter, *fakeSender, *telemetry.Reconciler) {
	out := &fakeSender{}
	tracker := pipeline.NewTracker()
	rec := telemetry.New(telemetry.WithObserver(tracker.Observe))
	a := &Adapter{out: out, deps: Deps{
		Agent:        control.New(room),
		MCP:          control.NewMCP(room),
		Telemetry:    rec,
		Pipeline:     tracker,
		WakeWord:     wakeword.NewTracker(),
		AllowedChats: []int64{42},
	}}
	return a, out, rec
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 3000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8", i)
		}
		if len(p) > maxTelegramMessage {
			t.Errorf("part %d is %d bytes", i, len(p))
		}
	}
	if parts[0]+parts[1] != long {
		t.Error("parts do not reassemble the original")
	}
}

func TestParseTarget(t *testing.T) {
	id, err := ParseTarget("telegram:-100123")
	if err != nil || id != -100123 {
		t.Errorf("expected -100123, got %d (%v)", id, err)
	}
	if _, err := ParseTarget("log:x"); err == nil {
		t.Error("expected error for foreign target")
	}
	if _, err := ParseTarget("telegram:abc"); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestModelsCommand(t *testing.T) {
	a, _, _ := newTestAdapter(&scriptedRoom{responses: map[string]string{
		control.MethodListModels: `{"success":true,"models":[{"name":"llama3.2"},{"name":"qwen2.5"}],"current_model":"qwen2.5"}`,
	}})

	got := a.handleCommand(context.Background(), "models", "")
	want := "Models:\n  llama3.2\n* qwen2.5"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestModelCommand(t *testing.T) {
	room := &scriptedRoom{responses: map[string]string{
		control.MethodSwitchModel: `{"success":true,"old_model":"llama3.2","new_model":"qwen2.5"}`,
	}}
	a, _, _ := newTestAdapter(room)

	if got := a.handleCommand(context.Background(), "model", ""); got != "Usage: /model <name>" {
		t.Errorf("unexpected usage reply %q", got)
	}
	got := a.handleCommand(context.Background(), "model", "qwen2.5")
	if got != "Switched model: llama3.2 → qwen2.5" {
		t.Errorf("unexpected reply %q", got)
	}
	if room.payloads[0] != `{"model":"qwen2.5"}` {
		t.Errorf("unexpected payload %s", room.payloads[0])
	}
}

func TestCommandFailures(t *testing.T) {
	a, _, _ := newTestAdapter(&scriptedRoom{responses: map[string]string{
		control.MethodInterrupt: `{"success":false,"error":"nothing to interrupt"}`,
		control.MethodListTools: `{"success":false}`,
	}})
	if got := a.handleCommand(context.Background(), "interrupt", ""); got != "Error: nothing to interrupt" {
		t.Errorf("unexpected reply %q", got)
	}
	if got := a.handleCommand(context.Background(), "tools", ""); got != "Error: request failed" {
		t.Errorf("unexpected reply %q", got)
	}

	b, _, _ := newTestAdapter(&scriptedRoom{err: errors.New("response timeout")})
	if got := b.handleCommand(context.Background(), "mcp", ""); !strings.Contains(got, "response timeout") {
		t.Errorf("expected transport error in reply, got %q", got)
	}
}

func TestToolsAndMCPCommands(t *testing.T) {
	a, _, _ := newTestAdapter(&scriptedRoom{responses: map[string]string{
		control.MethodListTools:      `{"success":true,"tools":[{"name":"get_weather","description":"Weather lookup","server":"weather"}],"count":1}`,
		control.MethodListMCPServers: `{"success":true,"servers":[{"name":"weather","type":"http","status":"connected","tool_count":1}]}`,
	}})

	if got := a.handleCommand(context.Background(), "tools", ""); got != "Tools (1):\n- get_weather [weather]: Weather lookup" {
		t.Errorf("unexpected tools reply %q", got)
	}
	if got := a.handleCommand(context.Background(), "mcp", ""); got != "MCP servers:\n- weather [connected] tools=1" {
		t.Errorf("unexpected mcp reply %q", got)
	}
}

func TestPromptCommand(t *testing.T) {
	room := &scriptedRoom{responses: map[string]string{
		control.MethodGetSystemPrompt: `{"success":true,"system_prompt":"Be brief."}`,
		control.MethodSetSystemPrompt: `{"success":true,"system_prompt":"Be kind."}`,
	}}
	a, _, _ := newTestAdapter(room)

	if got := a.handleCommand(context.Background(), "prompt", ""); got != "System prompt:\nBe brief." {
		t.Errorf("unexpected reply %q", got)
	}
	if got := a.handleCommand(context.Background(), "prompt", "Be kind."); got != "System prompt updated." {
		t.Errorf("unexpected reply %q", got)
	}
	if room.methods[1] != control.MethodSetSystemPrompt {
		t.Errorf("expected set_system_prompt, got %s", room.methods[1])
	}
}

func TestStatusAndClear(t *testing.T) {
	a, _, rec := newTestAdapter(&scriptedRoom{})
	rec.Handle([]byte(`{"type":"agent_state_change","timestamp":"2025-03-01T10:00:00","data":{"state":"thinking"}}`))
	rec.Handle([]byte(`{"type":"llm_request_start","timestamp":"2025-03-01T10:00:01","request_id":"r1","data":{"model":"llama3.2"}}`))

	got := a.handleCommand(context.Background(), "status", "")
	for _, want := range []string{"Pipeline: Thinking...", "Wake word: disabled", "Streaming: true (active requests: 1)", "Last request: llama3.2"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}

	if got := a.handleCommand(context.Background(), "clear", ""); got != "Telemetry cleared." {
		t.Errorf("unexpected reply %q", got)
	}
	if rec.RequestCount() != 0 {
		t.Error("expected telemetry cleared")
	}
}

func TestUnconfiguredAgent(t *testing.T) {
	a := &Adapter{out: &fakeSender{}}
	for _, cmd := range []string{"models", "interrupt", "tools", "mcp", "prompt", "clear"} {
		if got := a.handleCommand(context.Background(), cmd, ""); got != notConfigured {
			t.Errorf("%s: expected not configured, got %q", cmd, got)
		}
	}
	if got := a.handleCommand(context.Background(), "status", ""); got != "No status available." {
		t.Errorf("unexpected status %q", got)
	}
}

func TestHandleMessageAuthorization(t *testing.T) {
	a, out, _ := newTestAdapter(&scriptedRoom{})
	msg := func(chat int64, text string) *tgbotapi.Message {
		return &tgbotapi.Message{
			Chat:     &tgbotapi.Chat{ID: chat},
			Text:     text,
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
		}
	}

	a.handleMessage(context.Background(), msg(7, "/status"))
	if len(out.sent) != 0 {
		t.Fatalf("expected no reply to unauthorized chat, got %d", len(out.sent))
	}
	a.handleMessage(context.Background(), msg(42, "/help"))
	if len(out.sent) != 1 || out.sent[0].ChatID != 42 {
		t.Fatalf("expected one reply to chat 42, got %+v", out.sent)
	}
}

func TestDeliverFallsBackToPlainText(t *testing.T) {
	a, out, _ := newTestAdapter(&scriptedRoom{})
	out.failMD = true

	if err := a.Deliver("telegram:42", "[kitchen] get_weather failed: timeout_"); err != nil {
		t.Fatal(err)
	}
	if len(out.sent) != 1 || out.sent[0].ParseMode != "" {
		t.Fatalf("expected one plain-text message, got %+v", out.sent)
	}
	if err := a.Deliver("slack:x", "hi"); err == nil {
		t.Error("expected error for foreign target")
	}
}

func TestSetDepsSwapsComponents(t *testing.T) {
	a, _, _ := newTestAdapter(&scriptedRoom{})
	a.SetDeps(Deps{AllowedChats: []int64{42}})
	if got := a.handleCommand(context.Background(), "interrupt", ""); got != notConfigured {
		t.Errorf("expected not connected after reset, got %q", got)
	}

	a.SetDeps(Deps{Agent: control.New(&scriptedRoom{responses: map[string]string{
		control.MethodInterrupt: `{"success":true,"message":"Interrupted current response"}`,
	}})})
	if got := a.handleCommand(context.Background(), "interrupt", ""); got != "Interrupted current response" {
		t.Errorf("unexpected reply %q", got)
	}
}
