// internal/delivery/registry_test.go
package delivery

import (
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	err := reg.Deliver("test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "test:123" {
		t.Errorf("expected target %q, got %q", "test:123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver("unknown:123", "hello")
	if err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryMultiplePrefixes(t *testing.T) {
	reg := NewRegistry()

	var telegramCalls, logCalls int
	reg.Register("telegram:", func(target, message string) error {
		telegramCalls++
		return nil
	})
	reg.Register("log:", func(target, message string) error {
		logCalls++
		return nil
	})

	if err := reg.Deliver("telegram:42", "msg1"); err != nil {
		t.Fatalf("telegram deliver error: %v", err)
	}
	if err := reg.Deliver("log:", "msg2"); err != nil {
		t.Fatalf("log deliver error: %v", err)
	}

	if telegramCalls != 1 {
		t.Errorf("expected 1 telegram call, got %d", telegramCalls)
	}
	if logCalls != 1 {
		t.Errorf("expected 1 log call, got %d", logCalls)
	}
}

func TestRegistryLongestPrefix(t *testing.T) {
	reg := NewRegistry()

	var got string
	reg.Register("telegram:", func(string, string) error { got = "generic"; return nil })
	reg.Register("telegram:ops:", func(string, string) error { got = "ops"; return nil })

	if err := reg.Deliver("telegram:ops:7", "x"); err != nil {
		t.Fatal(err)
	}
	if got != "ops" {
		t.Errorf("expected the longest prefix to win, got %s", got)
	}
}
