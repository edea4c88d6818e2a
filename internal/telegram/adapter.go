package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/render"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/types"
)

const maxTelegramMessage = 4096

// TargetPrefix is the delivery target prefix for Telegram chats, as in
// "telegram:123456".
const TargetPrefix = "telegram:"

// Agent is the slice of the agent control client the adapter drives.
type Agent interface {
	ListModels(ctx context.Context) (*control.ListModelsResult, error)
	SwitchModel(ctx context.Context, model string) (*control.SwitchModelResult, error)
	Interrupt(ctx context.Context) (*control.MessageResult, error)
	ListTools(ctx context.Context) (*control.ListToolsResult, error)
	GetSystemPrompt(ctx context.Context) (*control.SystemPromptResult, error)
	SetSystemPrompt(ctx context.Context, prompt string) (*control.SystemPromptResult, error)
}

type MCP interface {
	ListMCPServers(ctx context.Context) (*control.ListMCPServersResult, error)
}

type Telemetry interface {
	Snapshot() telemetry.Snapshot
	Clear()
}

type Pipeline interface {
	View() pipeline.View
}

type WakeWord interface {
	Status() types.WakeWordStatus
}

// Deps are the components the remote control commands act on.
type Deps struct {
	Agent     Agent
	MCP       MCP
	Telemetry Telemetry
	Pipeline  Pipeline
	WakeWord  WakeWord
	// AllowedChats restricts commands to these chat ids. Empty allows none.
	AllowedChats []int64
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter exposes agent control as Telegram bot commands and delivers
// notifications to chats.
type Adapter struct {
	bot *tgbotapi.BotAPI
	out sender

	mu   sync.RWMutex
	deps Deps
}

// New creates a Telegram adapter.
func New(token string, deps Deps) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	slog.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Adapter{bot: bot, out: bot, deps: deps}, nil
}

// SetDeps swaps the components commands act on, for example after the room
// connection is re-established.
func (a *Adapter) SetDeps(deps Deps) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deps = deps
}

func (a *Adapter) current() Deps {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deps
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !slices.Contains(a.current().AllowedChats, chatID) {
		slog.Warn("ignoring message from unauthorized chat", "chat_id", chatID)
		return
	}
	if !msg.IsCommand() {
		a.sendResponse(chatID, "Send a command. Try /help.")
		return
	}
	a.sendResponse(chatID, a.handleCommand(ctx, msg.Command(), strings.TrimSpace(msg.CommandArguments())))
}

func (a *Adapter) handleCommand(ctx context.Context, command, args string) string {
	d := a.current()
	switch command {
	case "start", "help":
		return "Voice agent remote control.\n" + usage

	case "status":
		return status(d)

	case "models":
		return models(ctx, d)

	case "model":
		if args == "" {
			return "Usage: /model <name>"
		}
		if d.Agent == nil {
			return notConfigured
		}
		res, err := d.Agent.SwitchModel(ctx, args)
		if reply, failed := failure(err, res); failed {
			return reply
		}
		return fmt.Sprintf("Switched model: %s → %s", res.OldModel, res.NewModel)

	case "interrupt":
		if d.Agent == nil {
			return notConfigured
		}
		res, err := d.Agent.Interrupt(ctx)
		if reply, failed := failure(err, res); failed {
			return reply
		}
		if res.Message != "" {
			return res.Message
		}
		return "Interrupted."

	case "tools":
		return tools(ctx, d)

	case "mcp":
		return mcp(ctx, d)

	case "prompt":
		return prompt(ctx, d, args)

	case "clear":
		if d.Telemetry == nil {
			return notConfigured
		}
		d.Telemetry.Clear()
		return "Telemetry cleared."

	default:
		return "Unknown command.\n" + usage
	}
}

const usage = "Available: /status, /models, /model <name>, /interrupt, /tools, /mcp, /prompt [text], /clear"

const notConfigured = "Agent is not connected."

type enveloped interface {
	*control.SwitchModelResult | *control.MessageResult | *control.ListModelsResult |
		*control.ListToolsResult | *control.SystemPromptResult | *control.ListMCPServersResult
}

func envelope[T enveloped](res T) control.Envelope {
	switch r := any(res).(type) {
	case *control.SwitchModelResult:
		return r.Envelope
	case *control.MessageResult:
		return r.Envelope
	case *control.ListModelsResult:
		return r.Envelope
	case *control.ListToolsResult:
		return r.Envelope
	case *control.SystemPromptResult:
		return r.Envelope
	case *control.ListMCPServersResult:
		return r.Envelope
	}
	return control.Envelope{}
}

// failure turns a call error or a success=false response into a reply.
func failure[T enveloped](err error, res T) (string, bool) {
	if err != nil {
		return "Error: " + err.Error(), true
	}
	env := envelope(res)
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request failed"
		}
		return "Error: " + msg, true
	}
	return "", false
}

func status(d Deps) string {
	var b strings.Builder
	if d.Pipeline != nil {
		v := d.Pipeline.View()
		fmt.Fprintf(&b, "Pipeline: %s\n", v.Label)
	}
	if d.WakeWord != nil {
		st := d.WakeWord.Status()
		if st.Enabled {
			fmt.Fprintf(&b, "Wake word: %s (%s)\n", st.State, st.Model)
		} else {
			b.WriteString("Wake word: disabled\n")
		}
	}
	if d.Telemetry != nil {
		snap := d.Telemetry.Snapshot()
		fmt.Fprintf(&b, "Streaming: %t (active requests: %d)\n", snap.Streaming, snap.ActiveRequests)
		fmt.Fprintf(&b, "Requests: %d, tool calls: %d, events: %d\n", len(snap.Requests), len(snap.ToolCalls), len(snap.Events))
		if n := len(snap.Requests); n > 0 {
			last := snap.Requests[n-1]
			fmt.Fprintf(&b, "Last request: %s %s", last.Model, last.Status)
			if last.Error != "" {
				fmt.Fprintf(&b, " (%s)", last.Error)
			}
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return "No status available."
	}
	return strings.TrimSpace(b.String())
}

func models(ctx context.Context, d Deps) string {
	if d.Agent == nil {
		return notConfigured
	}
	res, err := d.Agent.ListModels(ctx)
	if reply, failed := failure(err, res); failed {
		return reply
	}
	if len(res.Models) == 0 {
		return "No models available."
	}
	var b strings.Builder
	b.WriteString("Models:\n")
	for _, m := range res.Models {
		marker := "  "
		if m.Name == res.CurrentModel {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%s\n", marker, m.Name)
	}
	return strings.TrimSpace(b.String())
}

func tools(ctx context.Context, d Deps) string {
	if d.Agent == nil {
		return notConfigured
	}
	res, err := d.Agent.ListTools(ctx)
	if reply, failed := failure(err, res); failed {
		return reply
	}
	if len(res.Tools) == 0 {
		return "No tools available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tools (%d):\n", len(res.Tools))
	for _, tool := range res.Tools {
		fmt.Fprintf(&b, "- %s", tool.Name)
		if tool.Server != "" {
			fmt.Fprintf(&b, " [%s]", tool.Server)
		}
		if tool.Description != "" {
			fmt.Fprintf(&b, ": %s", render.Preview(tool.Description, 80))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func mcp(ctx context.Context, d Deps) string {
	if d.MCP == nil {
		return notConfigured
	}
	res, err := d.MCP.ListMCPServers(ctx)
	if reply, failed := failure(err, res); failed {
		return reply
	}
	if len(res.Servers) == 0 {
		return "No MCP servers configured."
	}
	var b strings.Builder
	b.WriteString("MCP servers:\n")
	for _, s := range res.Servers {
		fmt.Fprintf(&b, "- %s [%s] tools=%d", s.Name, s.Status, s.ToolCount)
		if s.Error != "" {
			fmt.Fprintf(&b, " error: %s", render.Preview(s.Error, 80))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func prompt(ctx context.Context, d Deps, text string) string {
	if d.Agent == nil {
		return notConfigured
	}
	if text == "" {
		res, err := d.Agent.GetSystemPrompt(ctx)
		if reply, failed := failure(err, res); failed {
			return reply
		}
		return "System prompt:\n" + res.SystemPrompt
	}
	res, err := d.Agent.SetSystemPrompt(ctx, text)
	if reply, failed := failure(err, res); failed {
		return reply
	}
	return "System prompt updated."
}

// Deliver sends message to the chat named by a "telegram:<chat id>" target.
// It has the delivery.Handler signature.
func (a *Adapter) Deliver(target, message string) error {
	chatID, err := ParseTarget(target)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

// ParseTarget extracts the chat id from a "telegram:<chat id>" target.
func ParseTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, TargetPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return chatID, nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.out.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.out.Send(msg); err != nil {
				slog.Error("send message error", "chat_id", chatID, "error", err)
			}
		}
	}
}

// splitMessage cuts text into chunks of at most maxTelegramMessage bytes,
// never inside a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			parts = append(parts, text)
			break
		}
		for end > 0 && !utf8RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
