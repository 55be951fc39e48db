// ABOUTME: Correlates asynchronous workflow completions back to pending synchronous callers.
// ABOUTME: Claim-once resolution: a completion and a timeout race, exactly one wins.

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRequestTimeout is returned to a waiter whose reply did not arrive before
// the deadline.
var ErrRequestTimeout = errors.New("timed out waiting for workflow reply")

// ErrRequestSuperseded is returned to a waiter whose request id was
// re-registered by a newer caller (an idempotent retry); the retry's waiter
// takes over the slot.
var ErrRequestSuperseded = errors.New("request superseded by a newer registration")

// PendingRequests tracks synchronous callers awaiting a specific
// asynchronous completion, keyed by request id. Entries are removed with
// compare-and-remove semantics so completions and timeouts on unrelated
// requests never serialize on one lock.
type PendingRequests struct {
	waiters  sync.Map // requestID -> *Waiter
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewPendingRequests creates an empty registry.
func NewPendingRequests(logger *slog.Logger) *PendingRequests {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingRequests{
		logger: logger.With("component", "pending-requests"),
	}
}

// Waiter is the completion handle owned by a single registered caller.
type Waiter struct {
	requestID string
	outcome   chan outcome
	timer     *time.Timer
	closeOnce sync.Once
}

type outcome struct {
	msg *Message
	err error
}

// Register creates a waiter for the given request id. The waiter is resolved
// by exactly one of Complete, the deadline reaper, or Cancel. Re-registering
// an in-flight id resolves the prior waiter with ErrRequestSuperseded; the
// new waiter owns the slot.
func (p *PendingRequests) Register(requestID string, deadline time.Duration) *Waiter {
	w := &Waiter{
		requestID: requestID,
		outcome:   make(chan outcome, 1),
	}
	// The timer must be fully assigned before the waiter is published: a
	// completion may claim it the instant Store/Swap returns.
	w.timer = time.AfterFunc(deadline, func() {
		p.expire(requestID, w)
	})

	if prev, replaced := p.waiters.Swap(requestID, w); replaced {
		pw := prev.(*Waiter)
		pw.timer.Stop()
		pw.deliver(outcome{err: ErrRequestSuperseded})
		p.logger.Debug("waiter superseded by retry", "request_id", requestID)
	} else {
		p.inFlight.Add(1)
	}

	p.logger.Debug("waiter registered", "request_id", requestID, "deadline", deadline)
	return w
}

// Complete resolves the waiter for requestID with the given message. Returns
// true iff a waiter existed and this call claimed it; duplicate completions
// and completions racing a timeout are no-ops.
func (p *PendingRequests) Complete(requestID string, msg *Message) bool {
	w, ok := p.claim(requestID)
	if !ok {
		return false
	}
	w.timer.Stop()
	w.deliver(outcome{msg: msg})
	p.logger.Debug("waiter resolved", "request_id", requestID, "message_id", msg.ID)
	return true
}

// Cancel removes a waiter whose caller is no longer listening.
func (p *PendingRequests) Cancel(requestID string) {
	if w, ok := p.claim(requestID); ok {
		w.timer.Stop()
		w.deliver(outcome{err: context.Canceled})
	}
}

// Len reports the number of in-flight waiters.
func (p *PendingRequests) Len() int {
	return int(p.inFlight.Load())
}

// expire times out a still-unresolved waiter. The identity check keeps a
// superseded registration's timer from firing against its successor.
func (p *PendingRequests) expire(requestID string, w *Waiter) {
	if p.waiters.CompareAndDelete(requestID, w) {
		p.inFlight.Add(-1)
		w.deliver(outcome{err: ErrRequestTimeout})
		p.logger.Debug("waiter timed out", "request_id", requestID)
	}
}

// claim atomically removes and returns the waiter for requestID. At most one
// caller per request id ever succeeds.
func (p *PendingRequests) claim(requestID string) (*Waiter, bool) {
	v, ok := p.waiters.LoadAndDelete(requestID)
	if !ok {
		return nil, false
	}
	p.inFlight.Add(-1)
	return v.(*Waiter), true
}

// deliver hands the outcome to the waiting caller. The channel is buffered
// and written at most once.
func (w *Waiter) deliver(o outcome) {
	w.closeOnce.Do(func() {
		w.outcome <- o
	})
}

// Wait blocks until the request resolves, times out, or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (*Message, error) {
	select {
	case o := <-w.outcome:
		return o.msg, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
