// Package poller follows submitted jobs until they reach a terminal state.
//
// A Registry owns at most one polling task per key, the node id by default. Each task queries
// the job status once immediately and then on a fixed interval, up to a
// maximum number of queries.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/genflow/extract"
	"github.com/songzhibin97/genflow/provider"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 200
)

var (
	// ErrPollTimeout is reported when MaxAttempts queries saw no terminal state.
	ErrPollTimeout = errors.New("polling timed out")
	// ErrJobFailed is reported when the provider says the job failed.
	ErrJobFailed = errors.New("job failed")
)

// Source is the part of provider.Client the poller needs.
type Source interface {
	Status(ctx context.Context, baseModel, requestID string) (provider.StatusResponse, error)
	Result(ctx context.Context, baseModel, requestID string) (map[string]interface{}, error)
}

// State of a polling task.
type State int32

const (
	StatePending State = iota
	StatePolling
	StateTerminal
	StateCancelled
)

// Update carries the progress fields of a non-terminal status.
type Update struct {
	JobID         string
	NodeID        string
	Status        string
	QueuePosition *int
	Progress      *float64
	Attempt       int
}

// Options describes one job to follow.
type Options struct {
	// Key identifies the task in the registry. It defaults to NodeID.
	Key       string
	JobID     string
	NodeID    string
	NodeType  string
	ModelUsed string // dispatch-time model id; the base is derived from it

	Interval    time.Duration
	MaxAttempts int

	OnUpdate   func(Update)
	OnComplete func(extract.Result)
	OnError    func(error)
}

// Task is a running poll.
type Task struct {
	opts     Options
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	state    State
	attempts int
}

// State returns the current task state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns how many status queries were issued.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Done is closed when the task goroutine exits.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// stop cancels the task. A task that already reached a terminal state
// keeps it.
func (t *Task) stop() {
	t.mu.Lock()
	if t.state == StatePending || t.state == StatePolling {
		t.state = StateCancelled
	}
	t.mu.Unlock()
	t.cancel()
}

// transition moves the task to "to" only if it is still in "from".
func (t *Task) transition(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// Registry tracks active polling tasks by node id.
type Registry struct {
	source Source
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(source Source, opts ...Option) *Registry {
	r := &Registry{
		source: source,
		logger: slog.Default(),
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins polling a job. A task already registered for the same node
// id is cancelled first. The task lives until it reaches a terminal state,
// is stopped, or ctx is done.
func (r *Registry) Start(ctx context.Context, opts Options) *Task {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Key == "" {
		opts.Key = opts.NodeID
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{opts: opts, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.tasks[opts.Key]; ok {
		old.stop()
	}
	r.tasks[opts.Key] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(taskCtx, t)
	return t
}

// Stop cancels the task registered under key. It reports whether one was
// active.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	t, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()

	if ok {
		t.stop()
	}
	return ok
}

// StopAll cancels every task.
func (r *Registry) StopAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
}

// Active reports whether a task is registered under key.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until every task goroutine has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) release(t *Task) {
	r.mu.Lock()
	if cur, ok := r.tasks[t.opts.Key]; ok && cur == t {
		delete(r.tasks, t.opts.Key)
	}
	r.mu.Unlock()
}

func (r *Registry) run(ctx context.Context, t *Task) {
	defer r.wg.Done()
	defer close(t.done)
	defer r.release(t)
	defer t.cancel()
	defer func() {
		if ctx.Err() != nil {
			t.transition(StatePolling, StateCancelled)
		}
	}()

	opts := t.opts
	baseModel := provider.DeriveBaseModel(opts.ModelUsed)
	logger := r.logger.With("node_id", opts.NodeID, "job_id", opts.JobID, "model", baseModel)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	// Stop or a replacing Start may already have cancelled the task.
	if !t.transition(StatePending, StatePolling) {
		return
	}
	for {
		t.mu.Lock()
		t.attempts++
		attempt := t.attempts
		t.mu.Unlock()

		st, err := r.source.Status(ctx, baseModel, opts.JobID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.fail(t, fmt.Errorf("status query for job %s: %w", opts.JobID, err))
			return
		}

		switch st.State() {
		case provider.JobCompleted:
			raw, err := r.source.Result(ctx, baseModel, opts.JobID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.fail(t, fmt.Errorf("result query for job %s: %w", opts.JobID, err))
				return
			}
			if !t.transition(StatePolling, StateTerminal) {
				return
			}
			logger.Debug("job completed", "attempts", attempt)
			if opts.OnComplete != nil {
				opts.OnComplete(extract.Extract(raw))
			}
			return

		case provider.JobFailed:
			r.fail(t, fmt.Errorf("%w: job %s reported status %s", ErrJobFailed, opts.JobID, st.Status))
			return

		default:
			if opts.OnUpdate != nil {
				opts.OnUpdate(Update{
					JobID:         opts.JobID,
					NodeID:        opts.NodeID,
					Status:        st.Status,
					QueuePosition: st.QueuePosition,
					Progress:      st.Progress,
					Attempt:       attempt,
				})
			}
		}

		if attempt >= opts.MaxAttempts {
			if ctx.Err() != nil {
				return
			}
			r.fail(t, fmt.Errorf("%w: job %s not finished after %d attempts", ErrPollTimeout, opts.JobID, attempt))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) fail(t *Task, err error) {
	if !t.transition(StatePolling, StateTerminal) {
		return
	}
	r.logger.Warn("polling stopped", "node_id", t.opts.NodeID, "job_id", t.opts.JobID, "error", err)
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}
