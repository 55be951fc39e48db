// ABOUTME: Narrow contract to the external durable workflow engine.
// ABOUTME: Start-or-update semantics with a timeout-class error taxonomy.

package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpdateTimeout marks timeout-class failures: the update deadline expired
// before the workflow produced a result. Caller cancellation is not folded in
// here; it surfaces as context.Canceled. Remediation differs from generic
// failures, so callers classify with errors.Is.
var ErrUpdateTimeout = errors.New("workflow update timed out")

// ErrNoWorkers is the timeout variant where no worker polled the task queue.
// It wraps ErrUpdateTimeout, so both checks succeed.
var ErrNoWorkers = fmt.Errorf("%w: no workers available on the task queue", ErrUpdateTimeout)

// UpdateWithStartRequest targets one workflow: start it when absent and
// deliver a blocking update in the same call.
type UpdateWithStartRequest struct {
	WorkflowType string
	WorkflowID   string
	UpdateName   string
	StartArgs    []any
	UpdateArgs   []any
}

// Engine is the update-with-start primitive. The call blocks until the
// update's return value is available, the caller's ctx ends, or the engine's
// own deadline expires; result receives the decoded return value.
type Engine interface {
	ExecuteUpdateWithStart(ctx context.Context, req UpdateWithStartRequest, result any) error
}
