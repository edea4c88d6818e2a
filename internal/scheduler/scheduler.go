// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const pollTimeout = 15 * time.Second

// Poll is one RPC issued to the agent on a cron schedule.
type Poll struct {
	Name     string          `json:"name"`
	Method   string          `json:"method"`
	Schedule string          `json:"schedule"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Enabled  bool            `json:"enabled"`
}

// Caller issues an RPC and returns the raw response.
type Caller interface {
	Call(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

// Result is the outcome of the latest run of a poll.
type Result struct {
	Poll     string          `json:"poll"`
	Method   string          `json:"method"`
	At       time.Time       `json:"at"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Handler is the callback invoked after a poll has run.
type Handler func(result Result)

// Scheduler evaluates cron expressions for the configured polls and issues
// them through a Caller, keeping the latest result of each.
type Scheduler struct {
	polls   []Poll
	caller  Caller
	handler Handler
	cron    *cron.Cron

	mu      sync.RWMutex
	results map[string]Result
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new Scheduler for polls. handler may be nil.
func New(polls []Poll, caller Caller, handler Handler) *Scheduler {
	return &Scheduler{
		polls:   polls,
		caller:  caller,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
		results: make(map[string]Result),
	}
}

// Start registers enabled polls that have a schedule as cron entries and
// starts the cron ticker. Polls with invalid schedules are logged and
// skipped. It returns the number of registered polls.
func (s *Scheduler) Start() int {
	registered := 0
	for _, poll := range s.polls {
		if poll.Schedule == "" || !poll.Enabled || poll.Method == "" {
			continue
		}

		_, err := s.cron.AddFunc(poll.Schedule, func() {
			s.Run(context.Background(), poll)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "poll", poll.Name, "schedule", poll.Schedule, "error", err)
			continue
		}
		registered++
		slog.Info("scheduled poll", "poll", poll.Name, "method", poll.Method, "schedule", poll.Schedule)
	}

	s.cron.Start()
	return registered
}

// Run issues poll once and records its result.
func (s *Scheduler) Run(ctx context.Context, poll Poll) Result {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	slog.Debug("cron firing poll", "poll", poll.Name, "method", poll.Method)
	var payload any
	if len(poll.Payload) > 0 {
		payload = poll.Payload
	}
	resp, err := s.caller.Call(ctx, poll.Method, payload)
	result := Result{Poll: poll.Name, Method: poll.Method, At: time.Now(), Response: resp}
	if err != nil {
		result.Error = err.Error()
		slog.Warn("poll failed", "poll", poll.Name, "method", poll.Method, "error", err)
	}

	s.mu.Lock()
	s.results[poll.Name] = result
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(result)
	}
	return result
}

// Latest returns the most recent result of the named poll.
func (s *Scheduler) Latest(name string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[name]
	return r, ok
}

// Results returns the most recent result of every poll that has run.
func (s *Scheduler) Results() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Result, 0, len(s.results))
	for _, poll := range s.polls {
		if r, ok := s.results[poll.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Stop stops the cron ticker and waits for running polls to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
