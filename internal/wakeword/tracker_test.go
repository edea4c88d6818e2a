package wakeword

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/gophervoice/internal/types"
)

type chanSub struct{ ch chan types.Message }

func (s *chanSub) C() <-chan types.Message { return s.ch }
func (s *chanSub) Close()                  {}

func TestHandleMergesUpdate(t *testing.T) {
	tr := NewTracker()
	if tr.Status().Enabled {
		t.Fatal("expected disabled by default")
	}

	if !tr.Handle([]byte(`{"type":"wake_word_state","state":"listening","model":"hey_jarvis"}`)) {
		t.Fatal("expected update to apply")
	}
	st := tr.Status()
	if !st.Enabled || st.State != types.WakeWordListening || st.Model != "hey_jarvis" {
		t.Errorf("unexpected status %+v", st)
	}

	tr.Handle([]byte(`{"type":"wake_word_state","state":"detected","confidence":0.91}`))
	st = tr.Status()
	if st.State != types.WakeWordDetected {
		t.Errorf("expected detected, got %s", st.State)
	}
	if st.Model != "hey_jarvis" {
		t.Errorf("expected model preserved, got %q", st.Model)
	}
	if st.LastDetectionConfidence == nil || *st.LastDetectionConfidence != 0.91 {
		t.Errorf("expected confidence 0.91, got %v", st.LastDetectionConfidence)
	}
}

func TestHandleIgnoresOtherMessages(t *testing.T) {
	tr := NewTracker()
	if tr.Handle([]byte(`{"type":"something_else","state":"active"}`)) {
		t.Error("expected other message types to be ignored")
	}
	if tr.Handle([]byte(`not json`)) {
		t.Error("expected malformed payload to be ignored")
	}
	if tr.Status().State != types.WakeWordDisabled {
		t.Errorf("expected disabled, got %s", tr.Status().State)
	}
}

func TestRunFiltersSenderAndResets(t *testing.T) {
	tr := NewTracker()
	sub := &chanSub{ch: make(chan types.Message, 2)}
	sub.ch <- types.Message{Topic: Topic, Sender: "impostor", Payload: []byte(`{"type":"wake_word_state","state":"active"}`)}
	sub.ch <- types.Message{Topic: Topic, Sender: "agent-1", Payload: []byte(`{"type":"wake_word_state","state":"listening"}`)}

	var last types.WakeWordStatus
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		tr.Run(ctx, sub, func() string { return "agent-1" })
	}()

	deadline := time.After(time.Second)
	for {
		last = tr.Status()
		if last.State == types.WakeWordListening {
			break
		}
		if last.State == types.WakeWordActive {
			t.Fatal("message from unexpected sender was applied")
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for update, status %+v", last)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if st := tr.Status(); st.Enabled || st.State != types.WakeWordDisabled {
		t.Errorf("expected reset on disconnect, got %+v", st)
	}
}

type fakeFetcher struct {
	status *types.WakeWordStatus
	err    error
}

func (f *fakeFetcher) WakeWordStatus(context.Context) (*types.WakeWordStatus, error) {
	return f.status, f.err
}

func TestSync(t *testing.T) {
	tr := NewTracker()
	err := tr.Sync(context.Background(), &fakeFetcher{status: &types.WakeWordStatus{
		Enabled: true, State: types.WakeWordListening, Model: "alexa",
	}})
	if err != nil {
		t.Fatal(err)
	}
	st := tr.Status()
	if !st.Enabled || st.State != types.WakeWordListening || st.Model != "alexa" {
		t.Errorf("unexpected status after sync: %+v", st)
	}

	want := errors.New("not available")
	if err := tr.Sync(context.Background(), &fakeFetcher{err: want}); !errors.Is(err, want) {
		t.Errorf("expected fetch error, got %v", err)
	}
}
