package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type failingStorage struct {
	storage.Storage
	failLogs bool
}

func (s *failingStorage) SaveLogs(ctx context.Context, logs []types.ExecutionLog) error {
	if s.failLogs {
		return errors.New("disk full")
	}
	return s.Storage.SaveLogs(ctx, logs)
}

func newLedger(t *testing.T) (*Ledger, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	clock := time.UnixMilli(1_700_000_000_000)
	return New(store, &MockGenerator{}, WithClock(func() time.Time { return clock })), store
}

func seed(t *testing.T, l *Ledger, nodes ...string) types.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	run, err := l.CreateRun(ctx, "wf-1", "user-1", nil, len(nodes))
	require.NoError(t, err)

	entries := make([]types.ExecutionLog, len(nodes))
	for i, id := range nodes {
		entries[i] = types.ExecutionLog{NodeID: id, NodeType: "text", ExecutionOrder: i}
	}
	logs, err := l.CreateLogs(ctx, run.ID, entries)
	require.NoError(t, err)
	require.Len(t, logs, len(nodes))
	return run
}

func TestCreateRunAndLogs(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	run := seed(t, l, "A", "B", "C")
	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Equal(t, 3, run.TotalNodes)
	assert.Equal(t, int64(1_700_000_000_000), run.StartedAt)
	assert.NotNil(t, run.InputData)

	logs, err := l.ListLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	seen := map[uint64]bool{}
	for i, log := range logs {
		assert.Equal(t, i, log.ExecutionOrder)
		assert.Equal(t, run.ID, log.RunID)
		assert.Equal(t, types.StatusPending, log.Status)
		assert.False(t, seen[log.ID], "log ids are unique")
		seen[log.ID] = true
	}
}

func TestCreateLogsWriteError(t *testing.T) {
	store := &failingStorage{Storage: storage.NewMemoryStorage(), failLogs: true}
	l := New(store, &MockGenerator{})

	_, err := l.CreateLogs(context.Background(), 7, []types.ExecutionLog{{NodeID: "A"}})
	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, uint64(7), werr.RunID)
	assert.EqualError(t, werr.Unwrap(), "disk full")
}

func TestUpdateLogIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run := seed(t, l, "A")

	var calls int32
	l.OnTransition(func(ctx context.Context, before, after types.ExecutionLog) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, types.StatusPending, before.Status)
		assert.Equal(t, types.StatusCompleted, after.Status)
	})

	patch := Completed(map[string]interface{}{"result": "hi"}, l.Now())
	first, err := l.UpdateLog(ctx, run.ID, "A", patch)
	require.NoError(t, err)
	second, err := l.UpdateLog(ctx, run.ID, "A", patch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUpdateLogMissing(t *testing.T) {
	l, _ := newLedger(t)
	run := seed(t, l, "A")
	_, err := l.UpdateLog(context.Background(), run.ID, "nope", Running(1))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionClaimsOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run := seed(t, l, "A")

	var wg sync.WaitGroup
	var wins, stale int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Transition(ctx, run.ID, "A", types.StatusPending, Running(l.Now()))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrStaleTransition):
				atomic.AddInt32(&stale, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), stale)
}

func TestRecomputeCompletedCount(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run := seed(t, l, "A", "B")

	_, err := l.UpdateLog(ctx, run.ID, "A", Completed(nil, l.Now()))
	require.NoError(t, err)

	got, finalized, err := l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, 1, got.CompletedNodes)
	assert.Equal(t, types.StatusRunning, got.Status)

	_, err = l.UpdateLog(ctx, run.ID, "B", Failed("boom", l.Now()))
	require.NoError(t, err)

	got, finalized, err = l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, 1, got.CompletedNodes)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.NotZero(t, got.CompletedAt)

	// a finalized run is not finalized again
	_, finalized, err = l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, finalized)
}

func TestRecomputeAllCompleted(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run := seed(t, l, "A", "B")
	for _, id := range []string{"A", "B"} {
		_, err := l.UpdateLog(ctx, run.ID, id, Completed(nil, l.Now()))
		require.NoError(t, err)
	}
	got, finalized, err := l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedNodes)
}

func TestRecomputeEmptyRun(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run, err := l.CreateRun(ctx, "wf-1", "user-1", nil, 0)
	require.NoError(t, err)

	got, finalized, err := l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestRecomputeMissingLogsKeepsRunning(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	run, err := l.CreateRun(ctx, "wf-1", "user-1", nil, 2)
	require.NoError(t, err)

	got, finalized, err := l.RecomputeCompletedCount(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, types.StatusRunning, got.Status)
}
