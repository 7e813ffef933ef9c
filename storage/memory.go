package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/genflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows map[string]types.Workflow
	runs      map[uint64]types.WorkflowRun
	logs      map[uint64]map[string]types.ExecutionLog
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.Workflow),
		runs:      make(map[uint64]types.WorkflowRun),
		logs:      make(map[uint64]map[string]types.ExecutionLog),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// SaveRun saves a run to memory.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run
		return nil
	})
}

// GetRun retrieves a run from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return getItem(ctx, &s.mu, s.runs, id, ErrRunNotFound)
}

// SaveLogs saves execution logs in a single lock.
func (s *MemoryStorage) SaveLogs(ctx context.Context, logs []types.ExecutionLog) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, l := range logs {
			byNode, ok := s.logs[l.RunID]
			if !ok {
				byNode = make(map[string]types.ExecutionLog)
				s.logs[l.RunID] = byNode
			}
			byNode[l.NodeID] = l
		}
		return nil
	})
}

// GetLog retrieves one execution log from memory.
func (s *MemoryStorage) GetLog(ctx context.Context, runID uint64, nodeID string) (types.ExecutionLog, error) {
	return withContext(ctx, func() (types.ExecutionLog, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		l, ok := s.logs[runID][nodeID]
		if !ok {
			return types.ExecutionLog{}, fmt.Errorf("%w: run=%d node=%s", ErrLogNotFound, runID, nodeID)
		}
		return l, nil
	})
}

// ListLogs lists the execution logs of a run.
func (s *MemoryStorage) ListLogs(ctx context.Context, runID uint64) ([]types.ExecutionLog, error) {
	return withContext(ctx, func() ([]types.ExecutionLog, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ExecutionLog, 0, len(s.logs[runID]))
		for _, l := range s.logs[runID] {
			out = append(out, l)
		}
		sortLogs(out)
		return out, nil
	})
}

// ClearFinished removes completed or failed runs and their logs.
func (s *MemoryStorage) ClearFinished(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, run := range s.runs {
			if run.Status.Terminal() {
				delete(s.runs, id)
				delete(s.logs, id)
				removed++
			}
		}
		return removed, nil
	})
}
