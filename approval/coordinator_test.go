package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRequestResolveWait(t *testing.T) {
	c := NewCoordinator()

	p, err := c.Request("wf-a", "run-1", "promote")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !c.IsPending("wf-a", "run-1", "promote") {
		t.Fatal("IsPending() = false after Request")
	}

	go func() {
		c.Resolve("wf-a", "run-1", "promote", json.RawMessage(`{"approved":true}`))
	}()

	decision, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(decision) != `{"approved":true}` {
		t.Errorf("Wait() decision = %s", decision)
	}
	if c.IsPending("wf-a", "run-1", "promote") {
		t.Error("promise still pending after resolve")
	}
}

func TestDuplicateRequestFails(t *testing.T) {
	c := NewCoordinator()

	first, err := c.Request("wf-a", "run-1", "promote")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := c.Request("wf-a", "run-1", "promote"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("second Request() error = %v, want ErrDuplicateRequest", err)
	}

	// The first promise must be undisturbed and still resolvable.
	if !c.Resolve("wf-a", "run-1", "promote", json.RawMessage(`"ok"`)) {
		t.Fatal("Resolve() = false, first promise was disturbed")
	}
	decision, err := first.Wait(context.Background())
	if err != nil || string(decision) != `"ok"` {
		t.Errorf("Wait() = %s, %v", decision, err)
	}
}

func TestResolveTargetsExactKey(t *testing.T) {
	c := NewCoordinator()

	keys := [][3]string{
		{"wf-a", "run-1", "promote"},
		{"wf-a", "run-1", "deploy"},
		{"wf-a", "run-2", "promote"},
		{"wf-b", "run-1", "promote"},
	}
	for _, k := range keys {
		if _, err := c.Request(k[0], k[1], k[2]); err != nil {
			t.Fatalf("Request(%v) error = %v", k, err)
		}
	}

	if !c.Resolve("wf-a", "run-1", "promote", nil) {
		t.Fatal("Resolve() = false for registered key")
	}

	for _, k := range keys[1:] {
		if !c.IsPending(k[0], k[1], k[2]) {
			t.Errorf("key %v no longer pending after resolving a different key", k)
		}
	}
	if got := len(c.ListPending()); got != 3 {
		t.Errorf("ListPending() has %d keys, want 3", got)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	c := NewCoordinator()
	if c.Resolve("wf-a", "run-1", "promote", nil) {
		t.Error("Resolve() = true for unknown key")
	}
	if c.Cancel("wf-a", "run-1", "promote", "timeout") {
		t.Error("Cancel() = true for unknown key")
	}
}

func TestCancelReasons(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   *Error
		other  *Error
	}{
		{"timeout", "timeout", ErrTimeout, ErrCancelled},
		{"operator cancel", "operator shutdown", ErrCancelled, ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator()
			p, err := c.Request("wf-a", "run-1", "promote")
			if err != nil {
				t.Fatalf("Request() error = %v", err)
			}
			if !c.Cancel("wf-a", "run-1", "promote", tt.reason) {
				t.Fatal("Cancel() = false")
			}

			_, err = p.Wait(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Wait() error = %v, want %v", err, tt.want)
			}
			if errors.Is(err, tt.other) {
				t.Errorf("Wait() error %v also matches %v; timeout and cancel must stay distinct", err, tt.other)
			}
		})
	}
}

func TestWaitHonorsContextTimeout(t *testing.T) {
	c := NewCoordinator()
	p, err := c.Request("wf-a", "run-1", "promote")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want DeadlineExceeded", err)
	}

	// The promise itself is still pending; only its own cancellation
	// removes it.
	if !c.IsPending("wf-a", "run-1", "promote") {
		t.Error("context expiry removed the pending promise")
	}
	if !c.Cancel("wf-a", "run-1", "promote", "timeout") {
		t.Error("Cancel() = false after wait timeout")
	}
}

func TestListPendingSorted(t *testing.T) {
	c := NewCoordinator()
	c.Request("wf-b", "run-1", "promote")
	c.Request("wf-a", "run-2", "deploy")
	c.Request("wf-a", "run-1", "promote")

	keys := c.ListPending()
	if len(keys) != 3 {
		t.Fatalf("ListPending() has %d keys, want 3", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1].String() > keys[i].String() {
			t.Errorf("ListPending() not sorted: %v before %v", keys[i-1], keys[i])
		}
	}
}

func TestZeroValueCoordinator(t *testing.T) {
	var c Coordinator
	if _, err := c.Request("wf-a", "run-1", "promote"); err != nil {
		t.Fatalf("Request() on zero value error = %v", err)
	}
	if !c.Resolve("wf-a", "run-1", "promote", nil) {
		t.Error("Resolve() = false on zero-value coordinator")
	}
}
