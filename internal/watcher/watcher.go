// ABOUTME: Long-lived change-feed watcher over the conversation message collection.
// ABOUTME: Supervisor-driven state machine: Connecting, Watching, BackingOff, Stopped; self-heals on store errors.

package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/metrics"
)

// State is the watcher's supervisor state, exposed for observability.
type State int32

const (
	StateConnecting State = iota
	StateWatching
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWatching:
		return "watching"
	case StateBackingOff:
		return "backing_off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// transientBackoff follows store connectivity blips, step-downs, recovery.
	transientBackoff = 5 * time.Second
	// unexpectedBackoff follows errors the watcher cannot classify.
	unexpectedBackoff = 10 * time.Second
)

// ChangeStream is the slice of the driver's change stream the watcher
// consumes. *mongo.ChangeStream satisfies it.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
	ResumeToken() bson.Raw
}

// OpenFunc opens a change stream, optionally resuming after a token.
type OpenFunc func(ctx context.Context, resume bson.Raw) (ChangeStream, error)

// HandleFunc receives the full post-change document for each event, strictly
// in emission order.
type HandleFunc func(ctx context.Context, doc bson.M)

// Watcher tails the message collection's change feed and hands every full
// document to its handler. It never terminates on store errors; only context
// cancellation stops it.
type Watcher struct {
	open   OpenFunc
	handle HandleFunc
	logger *slog.Logger

	state  atomic.Int32
	resume atomic.Pointer[bson.Raw]

	// backoff overrides, settable in tests
	transientWait  time.Duration
	unexpectedWait time.Duration
}

// New creates a watcher. The handler is invoked from a single goroutine, so
// events from one watcher are never processed concurrently.
func New(open OpenFunc, handle HandleFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		open:           open,
		handle:         handle,
		logger:         logger.With("component", "watcher"),
		transientWait:  transientBackoff,
		unexpectedWait: unexpectedBackoff,
	}
}

// State reports the current supervisor state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// ResumeToken returns the last observed position, or nil before the first
// event. A host may persist it and seed a future watcher via SetResumeToken.
func (w *Watcher) ResumeToken() bson.Raw {
	if p := w.resume.Load(); p != nil {
		return *p
	}
	return nil
}

// SetResumeToken seeds the position to resume from. Must be called before Run.
func (w *Watcher) SetResumeToken(token bson.Raw) {
	if token != nil {
		w.resume.Store(&token)
	}
}

// Run drives the watch loop until ctx is cancelled. It always returns nil on
// cancellation; store errors are absorbed by the restart policy.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StateConnecting)

		stream, err := w.open(ctx, w.ResumeToken())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !w.backoff(ctx, err, "opening change stream") {
				return nil
			}
			continue
		}

		err = w.consume(ctx, stream)
		w.closeStream(stream)

		if ctx.Err() != nil {
			w.logger.Info("watcher stopping", "reason", "context cancelled")
			return nil
		}
		if !w.backoff(ctx, err, "change stream interrupted") {
			return nil
		}
	}
}

// consume drains the stream until it errors or ctx is cancelled. Events are
// handled one at a time, in emission order.
func (w *Watcher) consume(ctx context.Context, stream ChangeStream) error {
	w.setState(StateWatching)
	w.logger.Info("watching message change feed")

	for stream.Next(ctx) {
		var event bson.M
		if err := stream.Decode(&event); err != nil {
			w.logger.Warn("undecodable change event skipped", "error", err)
			continue
		}
		if token := stream.ResumeToken(); token != nil {
			w.resume.Store(&token)
		}

		doc, ok := event["fullDocument"].(bson.M)
		if !ok || len(doc) == 0 {
			continue
		}

		metrics.WatcherEvents.Inc()
		w.handle(ctx, doc)
	}
	return stream.Err()
}

// backoff sleeps for the duration matching the error class. Returns false
// when ctx was cancelled during the wait.
func (w *Watcher) backoff(ctx context.Context, err error, msg string) bool {
	wait := w.unexpectedWait
	cause := "unexpected"
	if isTransient(err) {
		wait = w.transientWait
		cause = "transient"
	}
	metrics.WatcherRestarts.WithLabelValues(cause).Inc()

	w.logger.Warn(msg,
		"error", err,
		"cause", cause,
		"retry_in", wait)

	w.setState(StateBackingOff)
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) closeStream(stream ChangeStream) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Close(closeCtx); err != nil {
		w.logger.Debug("closing change stream", "error", err)
	}
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

// isTransient classifies store connectivity errors: network blips, timeouts,
// replica step-downs flagged resumable by the server.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("ResumableChangeStreamError") {
		return true
	}
	return false
}
