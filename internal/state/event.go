// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gophervoice/internal/types"
)

// maxLineSize bounds one recorded event. Tool results can be large.
const maxLineSize = 4 << 20

// EventStore is a JSONL-backed append-only store of received telemetry.
// Events are stored per room in sessions/<room>/events.jsonl.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.RoomName]*sync.Mutex
	seqs  map[types.RoomName]int64
	now   func() time.Time
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.RoomName]*sync.Mutex),
		seqs:  make(map[types.RoomName]int64),
		now:   time.Now,
	}
}

// getLock returns the per-room mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(room types.RoomName) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[room]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[room] = lock
	return lock
}

func (e *EventStore) eventsPath(room types.RoomName) string {
	return filepath.Join(e.root, "sessions", string(room), "events.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

// count reads the event file and counts lines. Caller must hold the room lock.
func (e *EventStore) count(room types.RoomName) (int64, error) {
	f, err := os.Open(e.eventsPath(room))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := newScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// nextSeq returns the sequence number for the next event of room. The file is
// counted once per store; later calls use the cached value. Caller must hold
// the room lock.
func (e *EventStore) nextSeq(room types.RoomName) (int64, error) {
	e.mu.Lock()
	last, ok := e.seqs[room]
	e.mu.Unlock()
	if !ok {
		n, err := e.count(room)
		if err != nil {
			return 0, err
		}
		last = n
	}
	return last + 1, nil
}

// Append adds an event to the room's log with an auto-incremented sequence number.
func (e *EventStore) Append(_ context.Context, event *types.RecordedEvent) error {
	room := types.NewRoomName(string(event.Room))
	event.Room = room

	lock := e.getLock(room)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(room))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	seq, err := e.nextSeq(room)
	if err != nil {
		return err
	}
	event.Seq = seq

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(room), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	e.mu.Lock()
	e.seqs[room] = seq
	e.mu.Unlock()
	return nil
}

// Record wraps a telemetry event with an id and receive time and appends it.
func (e *EventStore) Record(ctx context.Context, room types.RoomName, event types.TelemetryEvent) (*types.RecordedEvent, error) {
	rec := &types.RecordedEvent{
		ID:         types.NewEventID(),
		Room:       room,
		ReceivedAt: e.now().UTC(),
		Event:      event,
	}
	if err := e.Append(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Tail returns the last N events for the given room. A limit <= 0 returns
// every event.
func (e *EventStore) Tail(ctx context.Context, room types.RoomName, limit int) ([]*types.RecordedEvent, error) {
	return e.TailMatching(ctx, room, limit, nil)
}

// TailMatching returns the last N events for which keep reports true. The
// filter runs before the limit, so up to limit matching events are returned.
// A nil keep matches everything.
func (e *EventStore) TailMatching(_ context.Context, room types.RoomName, limit int, keep func(*types.RecordedEvent) bool) ([]*types.RecordedEvent, error) {
	room = types.NewRoomName(string(room))
	lock := e.getLock(room)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.RecordedEvent
	scanner := newScanner(f)
	for scanner.Scan() {
		var event types.RecordedEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if keep != nil && !keep(&event) {
			continue
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// Count returns the number of events for the given room.
func (e *EventStore) Count(_ context.Context, room types.RoomName) (int64, error) {
	room = types.NewRoomName(string(room))
	lock := e.getLock(room)
	lock.Lock()
	defer lock.Unlock()

	return e.count(room)
}

// Rooms lists the rooms that have recorded events.
func (e *EventStore) Rooms() ([]types.RoomName, error) {
	entries, err := os.ReadDir(filepath.Join(e.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var rooms []types.RoomName
	for _, entry := range entries {
		if entry.IsDir() {
			rooms = append(rooms, types.RoomName(entry.Name()))
		}
	}
	return rooms, nil
}
