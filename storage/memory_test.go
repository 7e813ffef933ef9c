package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/genflow/types"
)

// Helper function to create a sample workflow
func newWorkflow(id string) types.Workflow {
	return types.Workflow{
		ID:     id,
		UserID: "user-1",
		Name:   "Test Workflow",
		Nodes: []types.Node{
			{ID: "a", Type: "text", Data: map[string]interface{}{"content": "hello"}},
			{ID: "b", Type: "flux-pro"},
		},
		Edges: []types.Edge{{Source: "a", Target: "b"}},
	}
}

// Helper function to create a sample run
func newRun(id uint64, status types.Status) types.WorkflowRun {
	return types.WorkflowRun{
		ID:         id,
		WorkflowID: "wf-1",
		UserID:     "user-1",
		Status:     status,
		InputData:  map[string]interface{}{"key": "value"},
		TotalNodes: 2,
		StartedAt:  time.Now().UnixMilli(),
	}
}

// Helper function to create a sample log
func newLog(runID uint64, nodeID string, order int) types.ExecutionLog {
	return types.ExecutionLog{
		ID:             uint64(order + 100),
		RunID:          runID,
		NodeID:         nodeID,
		NodeType:       "text",
		Status:         types.StatusPending,
		ExecutionOrder: order,
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.workflows)
		assert.Empty(t, store.runs)
		assert.Empty(t, store.logs)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		wf := newWorkflow("wf-1")
		assert.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, "wf-1")
		assert.NoError(t, err)
		assert.Equal(t, wf, got)

		_, err = store.GetWorkflow(ctx, "wf-2")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		run := newRun(1, types.StatusRunning)
		assert.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, run, got)

		_, err = store.GetRun(ctx, 2)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("LogsAreKeyedByRunAndNode", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveLogs(ctx, []types.ExecutionLog{newLog(1, "b", 1), newLog(1, "a", 0), newLog(2, "a", 0)}))

		updated := newLog(1, "b", 1)
		updated.Status = types.StatusRunning
		assert.NoError(t, store.SaveLogs(ctx, []types.ExecutionLog{updated}))

		logs, err := store.ListLogs(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, logs, 2)
		assert.Equal(t, "a", logs[0].NodeID)
		assert.Equal(t, "b", logs[1].NodeID)
		assert.Equal(t, types.StatusRunning, logs[1].Status)

		got, err := store.GetLog(ctx, 2, "a")
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), got.RunID)

		_, err = store.GetLog(ctx, 2, "b")
		assert.ErrorIs(t, err, ErrLogNotFound)

		empty, err := store.ListLogs(ctx, 99)
		assert.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ClearFinished", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveRun(ctx, newRun(1, types.StatusRunning)))
		assert.NoError(t, store.SaveRun(ctx, newRun(2, types.StatusCompleted)))
		assert.NoError(t, store.SaveRun(ctx, newRun(3, types.StatusFailed)))
		assert.NoError(t, store.SaveLogs(ctx, []types.ExecutionLog{newLog(2, "a", 0)}))

		removed, err := store.ClearFinished(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = store.GetRun(ctx, 1)
		assert.NoError(t, err)
		_, err = store.GetRun(ctx, 2)
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.GetLog(ctx, 2, "a")
		assert.ErrorIs(t, err, ErrLogNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveWorkflow(ctx, newWorkflow("wf-1")), context.Canceled)
		_, err := store.GetWorkflow(ctx, "wf-1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.SaveRun(ctx, newRun(1, types.StatusRunning)), context.Canceled)
		_, err = store.GetRun(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.SaveLogs(ctx, []types.ExecutionLog{newLog(1, "a", 0)}), context.Canceled)
		_, err = store.ListLogs(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ClearFinished(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				assert.NoError(t, store.SaveWorkflow(ctx, newWorkflow(fmt.Sprintf("wf-%d", id))))
				assert.NoError(t, store.SaveLogs(ctx, []types.ExecutionLog{newLog(7, fmt.Sprintf("n%d", id), id)}))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 100; i++ {
			_, err := store.GetWorkflow(ctx, fmt.Sprintf("wf-%d", i))
			assert.NoError(t, err)
		}
		logs, err := store.ListLogs(ctx, 7)
		assert.NoError(t, err)
		assert.Len(t, logs, 100)
		for i, l := range logs {
			assert.Equal(t, i, l.ExecutionOrder)
		}
	})
}
