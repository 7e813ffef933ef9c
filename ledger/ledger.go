// Package ledger owns the lifecycle records of a run and of every executed
// node. All mutations are keyed by (runID, nodeID) and go through a single
// read-modify-write path so transitions can be observed by hooks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/types"
	"github.com/songzhibin97/gkit/generator"
)

// ErrStaleTransition is returned by Transition when the log is no longer in
// the expected state.
var ErrStaleTransition = errors.New("execution log is not in the expected state")

// WriteError wraps a storage failure while writing ledger rows.
type WriteError struct {
	Op    string
	RunID uint64
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger %s for run %d: %v", e.Op, e.RunID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LogPatch is a partial update of an execution log. Nil fields are left
// untouched.
type LogPatch struct {
	Status       *types.Status
	InputData    map[string]interface{}
	OutputData   map[string]interface{}
	JobID        *string
	JobModel     *string
	ErrorMessage *string
	StartedAt    *int64
	CompletedAt  *int64
}

func (p LogPatch) apply(l *types.ExecutionLog) {
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.InputData != nil {
		l.InputData = p.InputData
	}
	if p.OutputData != nil {
		l.OutputData = p.OutputData
	}
	if p.JobID != nil {
		l.JobID = *p.JobID
	}
	if p.JobModel != nil {
		l.JobModel = *p.JobModel
	}
	if p.ErrorMessage != nil {
		l.ErrorMessage = *p.ErrorMessage
	}
	if p.StartedAt != nil {
		l.StartedAt = *p.StartedAt
	}
	if p.CompletedAt != nil {
		l.CompletedAt = *p.CompletedAt
	}
}

// Running marks a log running.
func Running(startedAt int64) LogPatch {
	s := types.StatusRunning
	return LogPatch{Status: &s, StartedAt: &startedAt}
}

// Submitted records the job handle of a running log.
func Submitted(jobID, jobModel string) LogPatch {
	return LogPatch{JobID: &jobID, JobModel: &jobModel}
}

// Completed marks a log completed with its output.
func Completed(output map[string]interface{}, completedAt int64) LogPatch {
	s := types.StatusCompleted
	if output == nil {
		output = map[string]interface{}{}
	}
	return LogPatch{Status: &s, OutputData: output, CompletedAt: &completedAt}
}

// Failed marks a log failed with an error message.
func Failed(message string, completedAt int64) LogPatch {
	s := types.StatusFailed
	return LogPatch{Status: &s, ErrorMessage: &message, CompletedAt: &completedAt}
}

// TransitionHook observes a log whose status changed. It runs synchronously
// on the writer's goroutine after the ledger lock is released.
type TransitionHook func(ctx context.Context, before, after types.ExecutionLog)

// Ledger reads and writes runs and execution logs.
type Ledger struct {
	store    storage.Storage
	generate generator.Generator
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	hooks []TransitionHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger.
func New(store storage.Storage, generate generator.Generator, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		generate: generate,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock in unix milliseconds.
func (l *Ledger) Now() int64 {
	return l.now().UnixMilli()
}

// OnTransition registers a hook called for every status change.
func (l *Ledger) OnTransition(hook TransitionHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// CreateRun persists a new running run.
func (l *Ledger) CreateRun(ctx context.Context, workflowID, userID string, input map[string]interface{}, totalNodes int) (types.WorkflowRun, error) {
	id, err := l.generate.NextID()
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to generate run ID: %w", err)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	run := types.WorkflowRun{
		ID:         id,
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     types.StatusRunning,
		InputData:  input,
		TotalNodes: totalNodes,
		StartedAt:  l.Now(),
	}
	if err := l.store.SaveRun(ctx, run); err != nil {
		return types.WorkflowRun{}, &WriteError{Op: "create run", RunID: id, Err: err}
	}
	return run, nil
}

// CreateLogs assigns ids to entries and persists them in bulk. Entries
// without a status start pending.
func (l *Ledger) CreateLogs(ctx context.Context, runID uint64, entries []types.ExecutionLog) ([]types.ExecutionLog, error) {
	logs := make([]types.ExecutionLog, len(entries))
	for i, entry := range entries {
		id, err := l.generate.NextID()
		if err != nil {
			return nil, &WriteError{Op: "create logs", RunID: runID, Err: err}
		}
		entry.ID = id
		entry.RunID = runID
		if entry.Status == "" {
			entry.Status = types.StatusPending
		}
		logs[i] = entry
	}

	l.mu.Lock()
	err := l.store.SaveLogs(ctx, logs)
	l.mu.Unlock()
	if err != nil {
		return nil, &WriteError{Op: "create logs", RunID: runID, Err: err}
	}
	return logs, nil
}

// UpdateLog applies patch to the log of nodeID. Applying the same patch
// twice leaves the log unchanged and fires no hook the second time.
func (l *Ledger) UpdateLog(ctx context.Context, runID uint64, nodeID string, patch LogPatch) (types.ExecutionLog, error) {
	return l.write(ctx, runID, nodeID, nil, patch)
}

// Transition applies patch only when the log is currently in status from.
// It returns ErrStaleTransition otherwise, which makes it usable to claim a
// node exactly once.
func (l *Ledger) Transition(ctx context.Context, runID uint64, nodeID string, from types.Status, patch LogPatch) (types.ExecutionLog, error) {
	return l.write(ctx, runID, nodeID, &from, patch)
}

func (l *Ledger) write(ctx context.Context, runID uint64, nodeID string, from *types.Status, patch LogPatch) (types.ExecutionLog, error) {
	l.mu.Lock()
	before, err := l.store.GetLog(ctx, runID, nodeID)
	if err != nil {
		l.mu.Unlock()
		return types.ExecutionLog{}, err
	}
	if from != nil && before.Status != *from {
		l.mu.Unlock()
		return before, fmt.Errorf("%w: node %s is %s, want %s", ErrStaleTransition, nodeID, before.Status, *from)
	}

	after := before
	patch.apply(&after)
	if err := l.store.SaveLogs(ctx, []types.ExecutionLog{after}); err != nil {
		l.mu.Unlock()
		return before, &WriteError{Op: "update log", RunID: runID, Err: err}
	}
	hooks := l.hooks
	l.mu.Unlock()

	if before.Status != after.Status {
		for _, hook := range hooks {
			hook(ctx, before, after)
		}
	}
	return after, nil
}

// GetLog returns the log of one node.
func (l *Ledger) GetLog(ctx context.Context, runID uint64, nodeID string) (types.ExecutionLog, error) {
	return l.store.GetLog(ctx, runID, nodeID)
}

// ListLogs returns the logs of a run ordered by execution order.
func (l *Ledger) ListLogs(ctx context.Context, runID uint64) ([]types.ExecutionLog, error) {
	return l.store.ListLogs(ctx, runID)
}

// GetRun returns a run.
func (l *Ledger) GetRun(ctx context.Context, runID uint64) (types.WorkflowRun, error) {
	return l.store.GetRun(ctx, runID)
}

// RecomputeCompletedCount derives CompletedNodes from the completed logs.
// Once every expected log is terminal the run is finalized: failed if any
// log failed, completed otherwise. The second return value reports whether
// this call finalized the run.
func (l *Ledger) RecomputeCompletedCount(ctx context.Context, runID uint64) (types.WorkflowRun, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return types.WorkflowRun{}, false, err
	}
	logs, err := l.store.ListLogs(ctx, runID)
	if err != nil {
		return run, false, err
	}

	completed, terminal, failed := 0, 0, 0
	for _, log := range logs {
		switch log.Status {
		case types.StatusCompleted:
			completed++
			terminal++
		case types.StatusFailed:
			failed++
			terminal++
		}
	}

	finalized := false
	run.CompletedNodes = completed
	if !run.Status.Terminal() && len(logs) >= run.TotalNodes && terminal == len(logs) {
		run.Status = types.StatusCompleted
		if failed > 0 {
			run.Status = types.StatusFailed
		}
		run.CompletedAt = l.Now()
		finalized = true
	}

	if err := l.store.SaveRun(ctx, run); err != nil {
		return run, false, &WriteError{Op: "recompute run", RunID: runID, Err: err}
	}
	if finalized {
		l.logger.Info("run finished", "run_id", runID, "status", run.Status, "completed_nodes", completed, "failed_nodes", failed)
	}
	return run, finalized, nil
}

// ClearFinished removes terminal runs with their logs.
func (l *Ledger) ClearFinished(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.ClearFinished(ctx)
}
