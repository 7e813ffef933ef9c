package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/genflow/types"
)

// Errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound         = errors.New("resource not found")
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", ErrNotFound)
	ErrRunNotFound      = fmt.Errorf("run %w", ErrNotFound)
	ErrLogNotFound      = fmt.Errorf("execution log %w", ErrNotFound)
)

// Storage defines the interface for persisting workflow definitions, runs
// and per-node execution logs.
type Storage interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.Workflow, error)

	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run types.WorkflowRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error)

	// SaveLogs inserts or replaces execution logs keyed by (RunID, NodeID).
	SaveLogs(ctx context.Context, logs []types.ExecutionLog) error

	// GetLog retrieves the log of one node of a run.
	GetLog(ctx context.Context, runID uint64, nodeID string) (types.ExecutionLog, error)

	// ListLogs returns the logs of a run ordered by execution order.
	ListLogs(ctx context.Context, runID uint64) ([]types.ExecutionLog, error)

	// ClearFinished removes completed or failed runs with their logs and
	// returns how many runs were removed.
	ClearFinished(ctx context.Context) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func sortLogs(logs []types.ExecutionLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].ExecutionOrder < logs[j].ExecutionOrder
	})
}
