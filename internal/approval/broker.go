// Package approval implements the gateway's human-in-the-loop approval
// gate: a run that is about to call a write tool under
// require_approval_for_write opens a waiter here and blocks until an
// operator grants or denies it, or its deadline passes.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentgw/internal/bus"
)

// Outcome is the terminal state of a pending approval.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeTimeout Outcome = "timed_out"
)

// Result is delivered to the waiter returned by Open.
type Result struct {
	Outcome Outcome
	Reason  string // populated for OutcomeDenied
	By      string // principal ID that granted/denied, empty on timeout
}

// Pending describes an open approval request, as exposed to operators.
type Pending struct {
	RunID       string
	ToolName    string
	Args        string // raw JSON
	RequestedAt time.Time
	Deadline    time.Time
}

type waiter struct {
	pending Pending
	done    chan Result
	once    sync.Once
	timer   *time.Timer
}

func (w *waiter) resolve(result Result) bool {
	resolved := false
	w.once.Do(func() {
		resolved = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.done <- result
		close(w.done)
	})
	return resolved
}

// Broker tracks at most one pending approval per run and resolves each
// exactly once: by an explicit Grant/Deny, or by its deadline firing.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]*waiter // run_id -> waiter
	bus     *bus.Bus
}

// New creates an approval Broker. bus may be nil; when non-nil the broker
// publishes approval.requested / approval.resolved events.
func New(b *bus.Bus) *Broker {
	return &Broker{waiters: make(map[string]*waiter), bus: b}
}

// ErrAlreadyPending is returned by Open when a run already has an
// unresolved approval request.
var ErrAlreadyPending = fmt.Errorf("approval: run already has a pending approval")

// ErrNotFound is returned by Grant/Deny when no pending approval exists for
// the given run_id.
var ErrNotFound = fmt.Errorf("approval: no pending approval for run")

// Waiter is returned by Open; callers receive the resolution on Done().
type Waiter struct {
	done <-chan Result
}

// Done blocks until the approval resolves or ctx is canceled. A ctx
// cancellation does not itself resolve the underlying waiter — the
// deadline passed to Open remains authoritative for the timeout outcome.
func (w *Waiter) Done(ctx context.Context) (Result, error) {
	select {
	case res := <-w.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Open registers a new pending approval for runID. deadline fires
// OutcomeTimeout precisely when it elapses unless Grant/Deny resolves the
// waiter first. A second Open for the same run_id fails with
// ErrAlreadyPending.
func (b *Broker) Open(runID, toolName, args string, deadline time.Time) (*Waiter, error) {
	b.mu.Lock()
	if _, exists := b.waiters[runID]; exists {
		b.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	w := &waiter{
		pending: Pending{
			RunID:       runID,
			ToolName:    toolName,
			Args:        args,
			RequestedAt: time.Now(),
			Deadline:    deadline,
		},
		done: make(chan Result, 1),
	}
	b.waiters[runID] = w
	b.mu.Unlock()

	delay := time.Until(deadline)
	if delay <= 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, func() {
		b.resolve(runID, Result{Outcome: OutcomeTimeout})
	})

	if b.bus != nil {
		b.bus.PublishRun(bus.TopicApprovalRequired, runID, "", map[string]any{
			"tool":     toolName,
			"args":     args,
			"deadline": deadline,
		})
	}
	return &Waiter{done: w.done}, nil
}

// Grant resolves runID's pending approval as granted, by the given
// principal.
func (b *Broker) Grant(runID, byPrincipal string) error {
	if !b.resolve(runID, Result{Outcome: OutcomeGranted, By: byPrincipal}) {
		return ErrNotFound
	}
	return nil
}

// Deny resolves runID's pending approval as denied, with a reason.
func (b *Broker) Deny(runID, reason string) error {
	if !b.resolve(runID, Result{Outcome: OutcomeDenied, Reason: reason}) {
		return ErrNotFound
	}
	return nil
}

// resolve removes the waiter and delivers result, returning false if there
// was no pending waiter for runID or it had already resolved.
func (b *Broker) resolve(runID string, result Result) bool {
	b.mu.Lock()
	w, exists := b.waiters[runID]
	if exists {
		delete(b.waiters, runID)
	}
	b.mu.Unlock()
	if !exists {
		return false
	}
	ok := w.resolve(result)
	if ok {
		b.publish(bus.TopicApprovalResolved, runID, string(result.Outcome))
	}
	return ok
}

// Get returns the pending approval for a run, if any.
func (b *Broker) Get(runID string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiters[runID]
	if !ok {
		return Pending{}, false
	}
	return w.pending, true
}

// List returns every currently pending approval.
func (b *Broker) List() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.waiters))
	for _, w := range b.waiters {
		out = append(out, w.pending)
	}
	return out
}

func (b *Broker) publish(topic, runID, detail string) {
	if b.bus == nil {
		return
	}
	b.bus.PublishRun(topic, runID, "", map[string]string{"detail": detail})
}
