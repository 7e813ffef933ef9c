package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/songzhibin97/genflow/catalog"
	"github.com/songzhibin97/genflow/dispatch"
	"github.com/songzhibin97/genflow/events"
	"github.com/songzhibin97/genflow/extract"
	"github.com/songzhibin97/genflow/graph"
	"github.com/songzhibin97/genflow/ledger"
	"github.com/songzhibin97/genflow/poller"
	"github.com/songzhibin97/genflow/provider"
	"github.com/songzhibin97/genflow/rules"
	"github.com/songzhibin97/genflow/schema"
	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound = storage.ErrWorkflowNotFound
	ErrRunNotFound      = storage.ErrRunNotFound
	ErrForbidden        = errors.New("workflow belongs to another user")
	ErrMissingField     = errors.New("missing required field")
)

// RunRequest asks the engine to execute a stored workflow.
type RunRequest struct {
	WorkflowID string
	UserID     string
	InputData  map[string]interface{}
}

// RunSummary is returned once the roots of a run have been dispatched.
type RunSummary struct {
	RunID          uint64
	Status         types.Status
	TotalNodes     int
	CompletedNodes int
	Order          []string
}

// runState is the immutable plan of a run.
type runState struct {
	run   types.WorkflowRun
	wf    types.Workflow
	graph *graph.Graph
}

// Engine executes workflow graphs. Roots are dispatched when a run starts;
// every other node is dispatched by the ledger transition hook once all of
// its dependencies have completed.
type Engine struct {
	store      storage.Storage
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	pollers    *poller.Registry
	catalog    catalog.Catalog
	evaluator  rules.Evaluator
	eventBus   *events.EventBus
	logger     *slog.Logger

	polling      bool
	pollInterval time.Duration
	maxAttempts  int

	// polls and hook-driven work outlive the request that started a run
	baseCtx context.Context
	cancel  context.CancelFunc

	// runs caches the plan of runs that are still executing here; workflow
	// definitions are always read from storage.
	mu   sync.RWMutex
	runs map[uint64]*runState

	pollCompleted metric.Int64Counter
	pollFailed    metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog replaces the built-in classification and routing tables.
func WithCatalog(c catalog.Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithEvaluator sets the evaluator used by utility node expressions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEventBus sets the event bus lifecycle events are published on.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithPolling enables or disables server-side polling of submitted jobs.
// When disabled, jobs are reconciled through CompleteNode and FailNode.
func WithPolling(enabled bool) Option {
	return func(e *Engine) {
		e.polling = enabled
	}
}

// WithPollInterval sets the delay between status queries.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithMaxAttempts bounds the number of status queries per job.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// NewEngine creates an Engine with the given generator, storage and
// provider client.
func NewEngine(generate generator.Generator, store storage.Storage, client provider.Client, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:        store,
		catalog:      catalog.Default(),
		evaluator:    rules.NewExprEvaluator(),
		logger:       slog.Default(),
		polling:      true,
		pollInterval: poller.DefaultInterval,
		maxAttempts:  poller.DefaultMaxAttempts,
		runs:         make(map[uint64]*runState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.ledger = ledger.New(store, generate, ledger.WithLogger(e.logger))
	e.ledger.OnTransition(e.onTransition)
	e.dispatcher = dispatch.New(client, e.ledger, dispatch.WithCatalog(e.catalog), dispatch.WithLogger(e.logger))
	e.pollers = poller.NewRegistry(client, poller.WithLogger(e.logger))

	meter := otel.Meter("github.com/songzhibin97/genflow/workflow")
	e.pollCompleted, _ = meter.Int64Counter("genflow.poll.completed",
		metric.WithDescription("Jobs reconciled as completed"))
	e.pollFailed, _ = meter.Int64Counter("genflow.poll.failed",
		metric.WithDescription("Jobs reconciled as failed or timed out"))

	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Ledger exposes the run/log ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// RegisterWorkflow validates and persists a workflow definition. A
// workflow without an id gets a fresh one.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf types.Workflow) (types.Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if err := schema.ValidateWorkflow(wf); err != nil {
		return types.Workflow{}, err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to save workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID from storage. Definitions are not
// cached, so writes by other processes are seen by the next call.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (types.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// GetRun retrieves a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID uint64) (types.WorkflowRun, error) {
	return e.ledger.GetRun(ctx, runID)
}

// StartRun resolves the execution order of a workflow, records the run and
// one log per executable node, and dispatches the roots. A cyclic graph is
// rejected before anything is persisted.
func (e *Engine) StartRun(ctx context.Context, req RunRequest) (RunSummary, error) {
	select {
	case <-ctx.Done():
		return RunSummary{}, ctx.Err()
	default:
	}
	if req.WorkflowID == "" {
		return RunSummary{}, fmt.Errorf("%w: workflowId", ErrMissingField)
	}
	if req.UserID == "" {
		return RunSummary{}, fmt.Errorf("%w: userId", ErrMissingField)
	}

	wf, err := e.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return RunSummary{}, err
	}
	if wf.UserID != "" && wf.UserID != req.UserID {
		return RunSummary{}, ErrForbidden
	}

	nodes := make([]types.Node, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if e.catalog.Executable(n.Type) {
			nodes = append(nodes, n)
		}
	}
	g := graph.New(nodes, wf.Edges)
	order, err := g.ResolveOrder()
	if err != nil {
		return RunSummary{}, err
	}

	run, err := e.ledger.CreateRun(ctx, wf.ID, req.UserID, req.InputData, len(nodes))
	if err != nil {
		return RunSummary{}, err
	}
	rs := &runState{run: run, wf: wf, graph: g}
	e.mu.Lock()
	e.runs[run.ID] = rs
	e.mu.Unlock()

	entries := make([]types.ExecutionLog, len(order))
	for i, id := range order {
		n, _ := g.Node(id)
		entries[i] = types.ExecutionLog{NodeID: id, NodeType: n.Type, ExecutionOrder: i}
	}
	_, logsErr := e.ledger.CreateLogs(ctx, run.ID, entries)
	if logsErr != nil {
		e.logger.Error("failed to create execution logs", "run_id", run.ID, "error", logsErr)
	}

	e.publish(events.RunStarted, run.ID, "", map[string]interface{}{
		"workflow_id": wf.ID,
		"total_nodes": run.TotalNodes,
	})
	e.logger.Info("run started", "run_id", run.ID, "workflow_id", wf.ID, "total_nodes", run.TotalNodes)

	for _, id := range order {
		if g.IsRoot(id) {
			e.execute(ctx, rs, id)
		}
	}

	run, finalized, err := e.ledger.RecomputeCompletedCount(ctx, run.ID)
	if err != nil {
		e.logger.Error("failed to recompute run", "run_id", rs.run.ID, "error", err)
		run = rs.run
	}
	if finalized {
		e.finish(run)
	} else if logsErr != nil {
		// Without its logs the run cannot finalize, so its plan would never
		// be released.
		e.forget(run.ID)
	}

	return RunSummary{
		RunID:          run.ID,
		Status:         run.Status,
		TotalNodes:     run.TotalNodes,
		CompletedNodes: run.CompletedNodes,
		Order:          order,
	}, nil
}

// execute claims a pending node and runs it. Input, workflow and utility
// nodes complete inline; generation nodes are submitted to the provider.
func (e *Engine) execute(ctx context.Context, rs *runState, nodeID string) {
	node, ok := rs.graph.Node(nodeID)
	if !ok {
		return
	}
	runID := rs.run.ID

	upstream, err := e.upstreamLogs(ctx, rs, nodeID)
	if err != nil {
		e.logger.Error("failed to read upstream logs", "run_id", runID, "node_id", nodeID, "error", err)
		return
	}
	data := wireInputs(e.catalog, node, upstream)
	now := e.ledger.Now()

	if e.catalog.Classify(node.Type) == types.CategoryGeneration {
		claim := ledger.Running(now)
		claim.InputData = data
		if _, err := e.ledger.Transition(ctx, runID, nodeID, types.StatusPending, claim); err != nil {
			e.logClaimError(runID, nodeID, err)
			return
		}
		node.Data = data
		job, err := e.dispatcher.Dispatch(ctx, node, runID)
		if err != nil {
			return
		}
		if e.polling {
			e.startPoll(rs, node, job)
		}
		return
	}

	output, err := e.synthesize(rs, node, data, upstream)
	var patch ledger.LogPatch
	if err != nil {
		patch = ledger.Failed(err.Error(), now)
	} else {
		patch = ledger.Completed(output, now)
	}
	patch.StartedAt = &now
	patch.InputData = data
	if _, err := e.ledger.Transition(ctx, runID, nodeID, types.StatusPending, patch); err != nil {
		e.logClaimError(runID, nodeID, err)
	}
}

func (e *Engine) logClaimError(runID uint64, nodeID string, err error) {
	if errors.Is(err, ledger.ErrStaleTransition) {
		e.logger.Debug("node already claimed", "run_id", runID, "node_id", nodeID)
		return
	}
	e.logger.Error("failed to claim node", "run_id", runID, "node_id", nodeID, "error", err)
}

// upstreamLogs returns the logs of the dependencies of nodeID in execution
// order.
func (e *Engine) upstreamLogs(ctx context.Context, rs *runState, nodeID string) ([]upstreamOutput, error) {
	deps := rs.graph.Dependencies(nodeID)
	if len(deps) == 0 {
		return nil, nil
	}
	logs, err := e.ledger.ListLogs(ctx, rs.run.ID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(deps))
	for _, d := range deps {
		want[d] = true
	}
	out := make([]upstreamOutput, 0, len(deps))
	for _, l := range logs {
		if want[l.NodeID] {
			n, _ := rs.graph.Node(l.NodeID)
			out = append(out, upstreamOutput{node: n, log: l})
		}
	}
	return out, nil
}

// onTransition advances the run whenever a log changes status.
func (e *Engine) onTransition(ctx context.Context, before, after types.ExecutionLog) {
	if !after.Status.Terminal() {
		return
	}
	// dependents are dispatched on behalf of the run, not the caller
	ctx = context.WithoutCancel(ctx)

	rs, err := e.runState(ctx, after.RunID)
	if err != nil {
		e.logger.Error("failed to load run plan", "run_id", after.RunID, "error", err)
		return
	}

	switch after.Status {
	case types.StatusCompleted:
		e.publish(events.LogCompleted, after.RunID, after.NodeID, after.OutputData)
		e.advance(ctx, rs, after.NodeID)
	case types.StatusFailed:
		e.publish(events.LogFailed, after.RunID, after.NodeID, map[string]interface{}{"error": after.ErrorMessage})
		e.propagateFailure(ctx, rs, after.NodeID)
	}

	run, finalized, err := e.ledger.RecomputeCompletedCount(ctx, after.RunID)
	if err != nil {
		e.logger.Error("failed to recompute run", "run_id", after.RunID, "error", err)
		return
	}
	if finalized {
		e.finish(run)
	}
}

// advance dispatches every dependent of nodeID whose dependencies have all
// completed.
func (e *Engine) advance(ctx context.Context, rs *runState, nodeID string) {
	dependents := rs.graph.Dependents(nodeID)
	if len(dependents) == 0 {
		return
	}
	logs, err := e.ledger.ListLogs(ctx, rs.run.ID)
	if err != nil {
		e.logger.Error("failed to list logs", "run_id", rs.run.ID, "error", err)
		return
	}
	status := make(map[string]types.Status, len(logs))
	for _, l := range logs {
		status[l.NodeID] = l.Status
	}

	for _, dep := range dependents {
		if status[dep] != types.StatusPending {
			continue
		}
		ready := true
		for _, up := range rs.graph.Dependencies(dep) {
			if status[up] != types.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			e.execute(ctx, rs, dep)
		}
	}
}

// propagateFailure fails every pending dependent of nodeID. Each failure
// fires the hook again, which reaches the transitive dependents.
func (e *Engine) propagateFailure(ctx context.Context, rs *runState, nodeID string) {
	now := e.ledger.Now()
	for _, dep := range rs.graph.Dependents(nodeID) {
		patch := ledger.Failed(fmt.Sprintf("upstream node %s failed", nodeID), now)
		if _, err := e.ledger.Transition(ctx, rs.run.ID, dep, types.StatusPending, patch); err != nil && !errors.Is(err, ledger.ErrStaleTransition) {
			e.logger.Error("failed to propagate failure", "run_id", rs.run.ID, "node_id", dep, "error", err)
		}
	}
}

func (e *Engine) forget(runID uint64) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

func (e *Engine) finish(run types.WorkflowRun) {
	e.forget(run.ID)

	e.publish(events.RunFinished, run.ID, "", map[string]interface{}{
		"status":          string(run.Status),
		"completed_nodes": run.CompletedNodes,
		"total_nodes":     run.TotalNodes,
	})
}

// runState returns the cached plan of a run, rebuilding it from storage
// when the run was started by another process.
func (e *Engine) runState(ctx context.Context, runID uint64) (*runState, error) {
	e.mu.RLock()
	rs, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		return rs, nil
	}

	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := e.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	nodes := make([]types.Node, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if e.catalog.Executable(n.Type) {
			nodes = append(nodes, n)
		}
	}
	rs = &runState{run: run, wf: wf, graph: graph.New(nodes, wf.Edges)}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()
	return rs, nil
}

func pollKey(runID uint64, nodeID string) string {
	return fmt.Sprintf("%d/%s", runID, nodeID)
}

func (e *Engine) startPoll(rs *runState, node types.Node, job dispatch.Job) {
	runID := rs.run.ID
	e.pollers.Start(e.baseCtx, poller.Options{
		Key:         pollKey(runID, node.ID),
		JobID:       job.JobID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		ModelUsed:   job.ModelUsed,
		Interval:    e.pollInterval,
		MaxAttempts: e.maxAttempts,
		OnUpdate: func(u poller.Update) {
			e.logger.Debug("job in progress", "run_id", runID, "node_id", u.NodeID, "status", u.Status, "attempt", u.Attempt)
		},
		OnComplete: func(res extract.Result) {
			e.pollCompleted.Add(e.baseCtx, 1, metric.WithAttributes(attribute.String("kind", string(res.Kind))))
			if err := e.completeJob(e.baseCtx, runID, node.ID, res); err != nil {
				e.logger.Error("failed to record job result", "run_id", runID, "node_id", node.ID, "error", err)
			}
		},
		OnError: func(err error) {
			e.pollFailed.Add(e.baseCtx, 1, metric.WithAttributes(attribute.Bool("timeout", errors.Is(err, poller.ErrPollTimeout))))
			if ferr := e.failJob(e.baseCtx, runID, node.ID, err.Error()); ferr != nil {
				e.logger.Error("failed to record job failure", "run_id", runID, "node_id", node.ID, "error", ferr)
			}
		},
	})
}

// CompleteNode reconciles a running generation node with a raw provider
// result. Any active poll for the node is stopped.
func (e *Engine) CompleteNode(ctx context.Context, runID uint64, nodeID string, raw map[string]interface{}) error {
	e.pollers.Stop(pollKey(runID, nodeID))
	return e.completeJob(ctx, runID, nodeID, extract.Extract(raw))
}

// FailNode marks a running generation node failed. Any active poll for the
// node is stopped.
func (e *Engine) FailNode(ctx context.Context, runID uint64, nodeID, message string) error {
	e.pollers.Stop(pollKey(runID, nodeID))
	return e.failJob(ctx, runID, nodeID, message)
}

func (e *Engine) completeJob(ctx context.Context, runID uint64, nodeID string, res extract.Result) error {
	_, err := e.ledger.Transition(ctx, runID, nodeID, types.StatusRunning, ledger.Completed(res.Map(), e.ledger.Now()))
	return err
}

func (e *Engine) failJob(ctx context.Context, runID uint64, nodeID, message string) error {
	_, err := e.ledger.Transition(ctx, runID, nodeID, types.StatusRunning, ledger.Failed(message, e.ledger.Now()))
	return err
}

// publish queues an event on the bus. Events without subscribers are
// dropped silently.
func (e *Engine) publish(eventType string, runID uint64, nodeID string, data map[string]interface{}) {
	err := e.eventBus.Publish(e.baseCtx, events.Event{
		Type:   eventType,
		RunID:  runID,
		NodeID: nodeID,
		Data:   data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event", "event", eventType, "run_id", runID, "error", err)
	}
}

// Stop cancels active polls and drains the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.pollers.StopAll()
		e.cancel()
		e.pollers.Wait()
		e.eventBus.Stop()
		return nil
	}
}
