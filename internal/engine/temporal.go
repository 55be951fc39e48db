// ABOUTME: Temporal-backed implementation of the workflow engine contract.
// ABOUTME: Dials the cluster and maps SDK failures onto the timeout-class taxonomy.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// TemporalOptions configures the cluster connection.
type TemporalOptions struct {
	HostPort      string
	Namespace     string
	TaskQueue     string
	UpdateTimeout time.Duration
}

// Temporal implements Engine against a Temporal cluster.
type Temporal struct {
	client        client.Client
	taskQueue     string
	updateTimeout time.Duration
	logger        *slog.Logger
}

// Dial connects to the cluster. The returned engine must be closed.
func Dial(ctx context.Context, opts TemporalOptions, logger *slog.Logger) (*Temporal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c, err := client.DialContext(ctx, client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing temporal at %s: %w", opts.HostPort, err)
	}

	updateTimeout := opts.UpdateTimeout
	if updateTimeout <= 0 {
		updateTimeout = 2 * time.Minute
	}

	return &Temporal{
		client:        c,
		taskQueue:     opts.TaskQueue,
		updateTimeout: updateTimeout,
		logger:        logger.With("component", "engine"),
	}, nil
}

// Close releases the cluster connection.
func (t *Temporal) Close() {
	t.client.Close()
}

// ExecuteUpdateWithStart starts the target workflow if it is not already
// running and delivers the update in the same round trip, blocking until the
// update returns. The caller's ctx bounds the wait, capped by the configured
// update timeout.
func (t *Temporal) ExecuteUpdateWithStart(ctx context.Context, req UpdateWithStartRequest, result any) error {
	ctx, cancel := context.WithTimeout(ctx, t.updateTimeout)
	defer cancel()

	startOp := t.client.NewWithStartWorkflowOperation(client.StartWorkflowOptions{
		ID:                       req.WorkflowID,
		TaskQueue:                t.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, req.WorkflowType, req.StartArgs...)

	handle, err := t.client.UpdateWithStartWorkflow(ctx, client.UpdateWithStartWorkflowOptions{
		StartWorkflowOperation: startOp,
		UpdateOptions: client.UpdateWorkflowOptions{
			UpdateName:   req.UpdateName,
			WaitForStage: client.WorkflowUpdateStageCompleted,
			Args:         req.UpdateArgs,
		},
	})
	if err != nil {
		return t.classify(err, req)
	}

	if err := handle.Get(ctx, result); err != nil {
		return t.classify(err, req)
	}
	return nil
}

// classify maps SDK errors into the engine taxonomy. Timeout-class errors
// are distinguishable so callers can tell "add workers" from "fix the
// workflow".
func (t *Temporal) classify(err error, req UpdateWithStartRequest) error {
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) && timeoutErr.TimeoutType() == enumspb.TIMEOUT_TYPE_SCHEDULE_TO_START {
		t.logger.Warn("no workers polling task queue",
			"task_queue", t.taskQueue,
			"workflow_id", req.WorkflowID)
		return fmt.Errorf("%w (queue %s)", ErrNoWorkers, t.taskQueue)
	}

	var deadlineErr *serviceerror.DeadlineExceeded
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &deadlineErr) {
		return fmt.Errorf("%w: %v", ErrUpdateTimeout, err)
	}

	// Caller cancellation is not a timeout; pass it through so the caller
	// can recognize its own ctx.
	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("workflow update %s on %s: %w", req.UpdateName, req.WorkflowID, err)
}
