// Package export mirrors accepted telemetry events to external sinks.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/user/gophervoice/internal/types"
)

const (
	defaultBuffer = 1024
	writeTimeout  = 5 * time.Second
	maxBatch      = 100
)

// Record is the JSON value written for each event.
type Record struct {
	Room       types.RoomName       `json:"room"`
	ReceivedAt time.Time            `json:"received_at"`
	Event      types.TelemetryEvent `json:"event"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes telemetry events to a Kafka topic, keyed by request id
// so a request's events land on one partition in order. Enqueue never
// blocks; events are dropped when the buffer is full.
type KafkaSink struct {
	writer  messageWriter
	room    types.RoomName
	queue   chan kafka.Message
	dropped atomic.Int64
	now     func() time.Time
}

// NewKafkaSink creates a sink writing to topic on brokers. It returns nil when
// either is unset, and a nil sink ignores every call.
func NewKafkaSink(brokers []string, topic string, room types.RoomName) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newSink(writer, room, defaultBuffer)
}

func newSink(w messageWriter, room types.RoomName, buffer int) *KafkaSink {
	return &KafkaSink{
		writer: w,
		room:   room,
		queue:  make(chan kafka.Message, buffer),
		now:    time.Now,
	}
}

// Enqueue schedules event for export. It is safe to use as a reconciler
// observer.
func (s *KafkaSink) Enqueue(event types.TelemetryEvent) {
	if s == nil {
		return
	}
	value, err := json.Marshal(Record{Room: s.room, ReceivedAt: s.now().UTC(), Event: event})
	if err != nil {
		slog.Warn("kafka export: marshal event", "type", string(event.Type), "error", err)
		return
	}
	msg := kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	// Keyless events are spread by the balancer instead of hashing to one
	// partition.
	if event.RequestID != "" {
		msg.Key = []byte(event.RequestID)
	}
	select {
	case s.queue <- msg:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("kafka export buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (s *KafkaSink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Run writes queued events until ctx is done, then flushes what is queued and
// closes the writer.
func (s *KafkaSink) Run(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}
	defer func() {
		if err := s.writer.Close(); err != nil {
			slog.Warn("kafka export: close writer", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return nil
		case msg := <-s.queue:
			batch := []kafka.Message{msg}
		drain:
			for len(batch) < maxBatch {
				select {
				case m := <-s.queue:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			s.write(ctx, batch)
		}
	}
}

func (s *KafkaSink) flush(ctx context.Context) {
	var batch []kafka.Message
	for {
		select {
		case m := <-s.queue:
			batch = append(batch, m)
			if len(batch) == maxBatch {
				s.write(ctx, batch)
				batch = nil
			}
		default:
			if len(batch) > 0 {
				s.write(ctx, batch)
			}
			return
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, batch []kafka.Message) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, batch...); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Warn("kafka export failed", "events", len(batch), "error", err)
		return
	}
	slog.Debug("kafka export", "events", len(batch))
}
