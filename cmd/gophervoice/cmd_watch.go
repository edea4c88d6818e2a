package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/gophervoice/internal/pipeline"
	"github.com/user/gophervoice/internal/render"
	"github.com/user/gophervoice/internal/room"
	"github.com/user/gophervoice/internal/state"
	"github.com/user/gophervoice/internal/telemetry"
	"github.com/user/gophervoice/internal/types"
)

var (
	watchRecord  bool
	eventsLimit  int
	eventsAll    bool
	eventsStates bool
)

func init() {
	watchCmd.Flags().BoolVar(&watchRecord, "record", false, "append received events to the event log")
	eventsTailCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "number of events to show (0 = all)")
	eventsTailCmd.Flags().BoolVar(&eventsAll, "all-rooms", false, "show the event count of every recorded room")
	eventsTailCmd.Flags().BoolVar(&eventsStates, "states", true, "include agent_state_change events")

	rootCmd.AddCommand(watchCmd, eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream agent telemetry from the room until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := room.Dial(ctx, roomOptions(cfg))
		if err != nil {
			return err
		}
		defer conn.Close()

		tracker := pipeline.NewTracker()
		tracker.OnChange(func(s types.PipelineState) {
			fmt.Println(render.Title("pipeline:"), render.Pipeline(s, pipeline.Label(s)))
		})

		opts := []telemetry.Option{
			telemetry.WithObserver(func(e types.TelemetryEvent) { fmt.Println(render.Event(e)) }),
			telemetry.WithObserver(tracker.Observe),
		}
		if watchRecord {
			store := state.NewEventStore(cfg.DataDir)
			opts = append(opts, telemetry.WithObserver(func(e types.TelemetryEvent) {
				if _, err := store.Record(ctx, conn.Name(), e); err != nil {
					slog.Warn("record event failed", "type", string(e.Type), "error", err)
				}
			}))
		}
		rec := telemetry.New(opts...)

		sub := conn.Subscribe(telemetry.Topic)
		defer sub.Close()

		fmt.Fprintf(os.Stderr, "Watching room %s (Ctrl-C to stop)\n", conn.Name())
		go func() {
			select {
			case <-conn.Done():
				stop()
			case <-ctx.Done():
			}
		}()

		err = rec.Run(ctx, sub)
		printSummary(rec.Snapshot())
		if connErr := conn.Err(); connErr != nil {
			return fmt.Errorf("room connection lost: %w", connErr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func printSummary(snap telemetry.Snapshot) {
	fmt.Println()
	fmt.Println(render.Title(fmt.Sprintf("%d requests, %d tool calls, %d events", len(snap.Requests), len(snap.ToolCalls), len(snap.Events))))
	for _, req := range snap.Requests {
		fmt.Println("  " + render.Request(req))
	}
	for _, call := range snap.ToolCalls {
		fmt.Println("  " + render.ToolCall(call))
	}
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect recorded telemetry events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent recorded events of a room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := state.NewEventStore(cfg.DataDir)
		ctx := cmd.Context()

		if eventsAll {
			rooms, err := store.Rooms()
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				fmt.Println("No recorded events.")
				return nil
			}
			for _, r := range rooms {
				n, err := store.Count(ctx, r)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d\n", r, n)
			}
			return nil
		}

		name := types.NewRoomName(cfg.Room.Name)
		var keep func(*types.RecordedEvent) bool
		if !eventsStates {
			keep = func(rec *types.RecordedEvent) bool { return rec.Event.Type != types.EventAgentState }
		}
		events, err := store.TailMatching(ctx, name, eventsLimit, keep)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Printf("No recorded events for room %s.\n", name)
			return nil
		}
		for _, rec := range events {
			fmt.Printf("%6d %s\n", rec.Seq, render.Event(rec.Event))
		}
		return nil
	},
}
