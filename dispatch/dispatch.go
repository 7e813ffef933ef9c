// Package dispatch turns a ready generation node into a provider job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/songzhibin97/genflow/catalog"
	"github.com/songzhibin97/genflow/ledger"
	"github.com/songzhibin97/genflow/provider"
	"github.com/songzhibin97/genflow/types"
)

// ErrUnknownModel is returned when a node type has no routing entry.
var ErrUnknownModel = errors.New("no model routed for node type")

// DispatchError is a per-node dispatch failure.
type DispatchError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Job is the handle of a submitted job.
type Job struct {
	JobID     string
	ModelUsed string
}

// Recorder persists dispatch outcomes. *ledger.Ledger implements it.
type Recorder interface {
	UpdateLog(ctx context.Context, runID uint64, nodeID string, patch ledger.LogPatch) (types.ExecutionLog, error)
	Now() int64
}

// Dispatcher resolves models, builds payloads and submits jobs.
type Dispatcher struct {
	client   provider.Client
	catalog  catalog.Catalog
	recorder Recorder
	logger   *slog.Logger

	submitted metric.Int64Counter
	failed    metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCatalog replaces the built-in routing tables.
func WithCatalog(c catalog.Catalog) Option {
	return func(d *Dispatcher) {
		d.catalog = c
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a Dispatcher.
func New(client provider.Client, recorder Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		catalog:  catalog.Default(),
		recorder: recorder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := otel.Meter("github.com/songzhibin97/genflow/dispatch")
	// the global no-op meter never fails
	d.submitted, _ = meter.Int64Counter("genflow.dispatch.submitted",
		metric.WithDescription("Generation jobs accepted by the provider"))
	d.failed, _ = meter.Int64Counter("genflow.dispatch.failed",
		metric.WithDescription("Generation dispatches that failed"))
	return d
}

// ResolveModel returns the model a node of nodeType should be submitted to,
// applying the image-to-video reroute when data carries an image input.
func (d *Dispatcher) ResolveModel(nodeType string, data map[string]interface{}) (string, error) {
	model, ok := d.catalog.Models.Lookup(nodeType)
	if !ok {
		return "", fmt.Errorf("%w: %q (available: %v)", ErrUnknownModel, nodeType, d.catalog.Models.Keys())
	}
	if HasImageInput(data) {
		if rerouted, ok := d.catalog.Reroutes.Lookup(model); ok {
			return rerouted, nil
		}
	}
	return model, nil
}

// HasImageInput reports whether data has image_url or a non-empty image_urls.
func HasImageInput(data map[string]interface{}) bool {
	if u, ok := data["image_url"].(string); ok && u != "" {
		return true
	}
	switch urls := data["image_urls"].(type) {
	case []interface{}:
		return len(urls) > 0
	case []string:
		return len(urls) > 0
	}
	return false
}

// BuildPayload builds the provider request body from node data.
func BuildPayload(data map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{})
	if settings, ok := data["settings"].(map[string]interface{}); ok {
		for k, v := range settings {
			payload[k] = v
		}
	}
	if prompt, ok := data["prompt"].(string); ok && prompt != "" {
		payload["prompt"] = prompt
	}
	if u, ok := data["image_url"].(string); ok && u != "" {
		payload["image_url"] = u
	}
	if HasImageInput(data) {
		if urls, ok := data["image_urls"]; ok {
			payload["image_urls"] = urls
		}
	}
	if _, ok := payload["num_images"]; !ok {
		payload["num_images"] = 1
	}
	return payload
}

// Dispatch submits node and records the outcome on its log. Failures are
// recorded as failed and returned as *DispatchError; they never affect
// other nodes.
func (d *Dispatcher) Dispatch(ctx context.Context, node types.Node, runID uint64) (Job, error) {
	job, payload, err := d.submit(ctx, node)
	if err != nil {
		derr := &DispatchError{NodeID: node.ID, NodeType: node.Type, Err: err}
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", node.Type)))
		d.logger.Warn("dispatch failed", "run_id", runID, "node_id", node.ID, "node_type", node.Type, "error", err)

		patch := ledger.Failed(err.Error(), d.recorder.Now())
		patch.InputData = payload
		if _, rerr := d.recorder.UpdateLog(ctx, runID, node.ID, patch); rerr != nil {
			d.logger.Error("failed to record dispatch failure", "run_id", runID, "node_id", node.ID, "error", rerr)
		}
		return Job{}, derr
	}

	d.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("model", job.ModelUsed)))
	d.logger.Info("job submitted", "run_id", runID, "node_id", node.ID, "job_id", job.JobID, "model", job.ModelUsed)

	running := types.StatusRunning
	patch := ledger.Submitted(job.JobID, job.ModelUsed)
	patch.Status = &running
	patch.InputData = payload
	if _, err := d.recorder.UpdateLog(ctx, runID, node.ID, patch); err != nil {
		d.logger.Error("failed to record job handle", "run_id", runID, "node_id", node.ID, "job_id", job.JobID, "error", err)
	}
	return job, nil
}

func (d *Dispatcher) submit(ctx context.Context, node types.Node) (Job, map[string]interface{}, error) {
	model, err := d.ResolveModel(node.Type, node.Data)
	if err != nil {
		return Job{}, nil, err
	}
	payload := BuildPayload(node.Data)
	resp, err := d.client.Submit(ctx, model, payload)
	if err != nil {
		return Job{}, payload, err
	}
	if resp.RequestID == "" {
		return Job{}, payload, fmt.Errorf("provider returned no request id for %s", model)
	}
	return Job{JobID: resp.RequestID, ModelUsed: model}, payload, nil
}
