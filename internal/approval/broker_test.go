package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agentgw/internal/approval"
	"github.com/basket/agentgw/internal/bus"
)

func TestBroker_GrantResolvesWaiter(t *testing.T) {
	b := approval.New(bus.New())
	w, err := b.Open("run-1", "email.send", `{"to":"x"}`, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	go func() {
		if err := b.Grant("run-1", "alice"); err != nil {
			t.Errorf("Grant: %v", err)
		}
	}()

	res, err := w.Done(context.Background())
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if res.Outcome != approval.OutcomeGranted || res.By != "alice" {
		t.Fatalf("got %+v, want granted by alice", res)
	}
}

func TestBroker_DenyResolvesWaiter(t *testing.T) {
	b := approval.New(bus.New())
	w, err := b.Open("run-2", "shell.exec", `{}`, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.Deny("run-2", "too risky"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	res, err := w.Done(context.Background())
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if res.Outcome != approval.OutcomeDenied || res.Reason != "too risky" {
		t.Fatalf("got %+v, want denied(too risky)", res)
	}
}

func TestBroker_TimesOutAtDeadline(t *testing.T) {
	b := approval.New(bus.New())
	deadline := time.Now().Add(30 * time.Millisecond)
	w, err := b.Open("run-3", "shell.exec", `{}`, deadline)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := w.Done(ctx)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if res.Outcome != approval.OutcomeTimeout {
		t.Fatalf("got %+v, want timed_out", res)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("resolved too early: %v", elapsed)
	}
}

func TestBroker_SecondOpenFailsForSameRun(t *testing.T) {
	b := approval.New(bus.New())
	if _, err := b.Open("run-4", "email.send", `{}`, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := b.Open("run-4", "email.send", `{}`, time.Now().Add(time.Minute)); err != approval.ErrAlreadyPending {
		t.Fatalf("got %v, want ErrAlreadyPending", err)
	}
}

func TestBroker_GrantAfterResolveReturnsNotFound(t *testing.T) {
	b := approval.New(bus.New())
	if _, err := b.Open("run-5", "email.send", `{}`, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Grant("run-5", "alice"); err != nil {
		t.Fatalf("first Grant: %v", err)
	}
	if err := b.Grant("run-5", "bob"); err != approval.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound on second resolve", err)
	}
}

func TestBroker_GetAndList(t *testing.T) {
	b := approval.New(bus.New())
	if _, err := b.Open("run-6", "email.send", `{"x":1}`, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, ok := b.Get("run-6")
	if !ok || p.ToolName != "email.send" {
		t.Fatalf("got %+v, %v", p, ok)
	}
	if got := len(b.List()); got != 1 {
		t.Fatalf("List() len = %d, want 1", got)
	}
}

func TestBroker_GrantUnknownRunReturnsNotFound(t *testing.T) {
	b := approval.New(bus.New())
	if err := b.Grant("missing", "alice"); err != approval.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
