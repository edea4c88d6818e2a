package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gophervoice/internal/config"
	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/room"
	"github.com/user/gophervoice/internal/types"
)

var (
	cfgPath     string
	roomFlag    string
	agentWait   time.Duration
	callTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "gophervoice",
	Short:         "Observe and control a voice assistant agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join(os.Getenv("HOME"), ".gophervoice", "config.json"), "config file path")
	rootCmd.PersistentFlags().StringVar(&roomFlag, "room", "", "room name (overrides room.name)")
	rootCmd.PersistentFlags().DurationVar(&agentWait, "agent-wait", 10*time.Second, "how long to wait for the agent to join")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 30*time.Second, "overall timeout for one-shot commands")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if roomFlag != "" {
		cfg.Room.Name = roomFlag
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func roomOptions(cfg *config.Config) room.Options {
	return room.Options{
		URL:        cfg.Room.URL,
		Token:      cfg.Room.Token,
		Room:       types.NewRoomName(cfg.Room.Name),
		Identity:   cfg.Room.Identity,
		RPCTimeout: cfg.Room.RPCTimeout(),
	}
}

func controlOptions(cfg *config.Config) []control.Option {
	if cfg.Room.Agent == "" {
		return nil
	}
	return []control.Option{control.WithDestination(cfg.Room.Agent)}
}

// agentSession is a short-lived room connection for one-shot commands.
type agentSession struct {
	conn  *room.Conn
	agent *control.Client
	mcp   *control.MCPClient
}

// withAgent connects to the room, waits for the agent and runs fn.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, s *agentSession) error) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	conn, err := room.Dial(ctx, roomOptions(cfg))
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.Room.Agent == "" {
		waitCtx, cancelWait := context.WithTimeout(ctx, agentWait)
		_, err := conn.WaitForAgent(waitCtx)
		cancelWait()
		if err != nil {
			return fmt.Errorf("no agent in room %s: %w", conn.Name(), err)
		}
	}

	opts := controlOptions(cfg)
	return fn(ctx, &agentSession{
		conn:  conn,
		agent: control.New(conn, opts...),
		mcp:   control.NewMCP(conn, opts...),
	})
}

// checkEnvelope turns a success=false response into a command error.
func checkEnvelope(method string, env control.Envelope) error {
	if env.Success {
		return nil
	}
	if env.Error != "" {
		return fmt.Errorf("%s: %s", method, env.Error)
	}
	return fmt.Errorf("%s failed", method)
}
