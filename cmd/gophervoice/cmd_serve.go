package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/gophervoice/internal/api"
	"github.com/user/gophervoice/internal/config"
	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/delivery"
	"github.com/user/gophervoice/internal/export"
	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/room"
	"github.com/user/gophervoice/internal/scheduler"
	"github.com/user/gophervoice/internal/state"
	"github.com/user/gophervoice/internal/telegram"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/tokens"
	"github.com/user/gophervoice/internal/types"
	"github.com/user/gophervoice/internal/wakeword"
)

const (
	reconnectDelay  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	tokenizerModel  = "gpt-4o"
)

var errDisconnected = errors.New("room disconnected")

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gophervoice daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "gophervoice.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// apiHandler serves whichever api.Server the current room session published.
type apiHandler struct {
	current atomic.Pointer[api.Server]
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.current.Load().ServeHTTP(w, r)
}

// daemon holds what outlives a single room connection.
type daemon struct {
	cfg      *config.Config
	room     types.RoomName
	events   *state.EventStore
	sink     *export.KafkaSink
	counter  *tokens.Counter
	registry *delivery.Registry
	api      *apiHandler
	tg       *telegram.Adapter
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	d := &daemon{
		cfg:      cfg,
		room:     types.NewRoomName(cfg.Room.Name),
		registry: delivery.NewRegistry(),
		api:      &apiHandler{},
	}
	if cfg.Record {
		d.events = state.NewEventStore(cfg.DataDir)
	}
	d.sink = export.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, d.room)
	if counter, err := tokens.New(tokenizerModel); err != nil {
		slog.Warn("token estimates disabled", "error", err)
	} else {
		d.counter = counter
	}
	d.registry.Register("log:", delivery.LogHandler)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		d.tg, err = telegram.New(cfg.Telegram.Token, telegram.Deps{AllowedChats: cfg.Telegram.ChatIDs})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		d.registry.Register(telegram.TargetPrefix, d.tg.Deliver)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}
	d.idle()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.sink.Run(gctx) })
	if d.tg != nil {
		g.Go(func() error {
			d.tg.Start(gctx)
			return nil
		})
		slog.Info("telegram adapter started")
	}
	if cfg.HTTP.Listen != "" {
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP.Listen, d.api) })
	}
	g.Go(func() error { return d.superviseRoom(gctx) })

	slog.Info("gophervoice started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"room", string(d.room),
		"room_url", cfg.Room.URL,
		"record", cfg.Record,
		"kafka", d.sink != nil,
		"http", cfg.HTTP.Listen,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			cancel()
			return g.Wait()
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					// Re-write PID file since we failed to re-exec
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
				}
				continue
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			cancel()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("status API started", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}

// superviseRoom keeps a room session running, reconnecting after drops until
// ctx is done.
func (d *daemon) superviseRoom(ctx context.Context) error {
	for {
		conn, err := room.Dial(ctx, roomOptions(d.cfg))
		if err == nil {
			err = d.runSession(ctx, conn)
			conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("room session ended, reconnecting", "room", string(d.room), "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// runSession wires one connection's reconciler, control clients and mappers
// and runs them until the connection drops or ctx is done.
func (d *daemon) runSession(ctx context.Context, conn *room.Conn) error {
	cfg := d.cfg
	opts := controlOptions(cfg)
	agent := control.New(conn, opts...)
	mcp := control.NewMCP(conn, opts...)

	tracker := pipeline.NewTracker()
	tracker.OnChange(func(s types.PipelineState) {
		slog.Debug("pipeline state", "state", string(s), "label", pipeline.Label(s))
	})
	wake := wakeword.NewTracker()

	var rec *telemetry.Reconciler
	notifier := delivery.NewNotifier(d.registry, conn.Name(), cfg.Notify.Targets).
		WithToolNames(func(id types.RequestID) string {
			if call, ok := rec.ToolCall(id); ok {
				return call.Tool
			}
			return ""
		})

	recOpts := []telemetry.Option{
		telemetry.WithObserver(tracker.Observe),
		telemetry.WithObserver(d.sink.Enqueue),
		telemetry.WithObserver(notifier.Observe),
	}
	if d.counter != nil {
		recOpts = append(recOpts, telemetry.WithTokenCounter(d.counter))
	}
	if d.events != nil {
		recOpts = append(recOpts, telemetry.WithObserver(func(event types.TelemetryEvent) {
			if _, err := d.events.Record(ctx, conn.Name(), event); err != nil {
				slog.Warn("record event failed", "type", string(event.Type), "error", err)
			}
		}))
	}
	rec = telemetry.New(recOpts...)

	polls := scheduler.New(cfg.Polls, agent, func(r scheduler.Result) {
		if r.Error != "" {
			slog.Warn("poll failed", "poll", r.Poll, "method", r.Method, "error", r.Error)
			return
		}
		slog.Debug("poll result", "poll", r.Poll, "method", r.Method, "bytes", len(r.Response))
	})

	identity := func() string {
		if cfg.Room.Agent != "" {
			return cfg.Room.Agent
		}
		return conn.AgentIdentity()
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	telemetrySub := conn.Subscribe(telemetry.Topic)
	defer telemetrySub.Close()
	wakeSub := conn.Subscribe(wakeword.Topic)
	defer wakeSub.Close()

	g.Go(func() error { return rec.Run(gctx, telemetrySub) })
	g.Go(func() error { return wake.Run(gctx, wakeSub, identity) })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		if cfg.Room.Agent == "" {
			if _, err := conn.WaitForAgent(gctx); err != nil {
				return nil
			}
		}
		if err := wake.Sync(gctx, agent); err != nil {
			slog.Warn("wake word sync failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return fmt.Errorf("%w: %w", errDisconnected, err)
			}
			return errDisconnected
		case <-gctx.Done():
			return nil
		}
	})

	polls.Start()
	defer polls.Stop()

	d.publish(&session{
		conn:      conn,
		agent:     agent,
		mcp:       mcp,
		telemetry: rec,
		pipeline:  tracker,
		wake:      wake,
		polls:     polls,
	})
	defer d.idle()

	slog.Info("room session started", "room", string(conn.Name()))
	return g.Wait()
}

type session struct {
	conn      *room.Conn
	agent     *control.Client
	mcp       *control.MCPClient
	telemetry *telemetry.Reconciler
	pipeline  *pipeline.Tracker
	wake      *wakeword.Tracker
	polls     *scheduler.Scheduler
}

// publish points the status API and Telegram commands at s.
func (d *daemon) publish(s *session) {
	deps := d.apiDeps()
	deps.Room = s.conn.Name()
	deps.Telemetry = s.telemetry
	deps.Pipeline = s.pipeline
	deps.WakeWord = s.wake
	deps.Control = s.agent
	deps.Polls = s.polls
	d.api.current.Store(api.NewServer(deps))

	if d.tg != nil {
		d.tg.SetDeps(telegram.Deps{
			Agent:        s.agent,
			MCP:          s.mcp,
			Telemetry:    s.telemetry,
			Pipeline:     s.pipeline,
			WakeWord:     s.wake,
			AllowedChats: d.cfg.Telegram.ChatIDs,
		})
	}
}

// idle detaches the status API and Telegram commands from any session.
func (d *daemon) idle() {
	d.api.current.Store(api.NewServer(d.apiDeps()))
	if d.tg != nil {
		d.tg.SetDeps(telegram.Deps{AllowedChats: d.cfg.Telegram.ChatIDs})
	}
}

func (d *daemon) apiDeps() api.Deps {
	deps := api.Deps{Room: d.room, Methods: control.Catalog}
	if d.events != nil {
		deps.Events = d.events
	}
	return deps
}
