package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// MemoryQueue is an in-process Client for local runs and tests. Jobs
// report in progress for a fixed number of status queries, then complete
// with the result produced by the configured ResultFunc.
type MemoryQueue struct {
	mu             sync.Mutex
	jobs           map[string]*memoryJob
	submissions    []Submission
	pollsUntilDone int
	resultFunc     ResultFunc
	submitErr      error
}

// ResultFunc produces the payload of a completed job.
type ResultFunc func(model string, payload map[string]interface{}) map[string]interface{}

// Submission records one accepted Submit call.
type Submission struct {
	RequestID string
	Model     string
	Payload   map[string]interface{}
}

type memoryJob struct {
	model   string
	payload map[string]interface{}
	polls   int
	failure string
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithPollsUntilDone sets how many status queries report in progress
// before a job completes.
func WithPollsUntilDone(n int) MemoryOption {
	return func(q *MemoryQueue) {
		q.pollsUntilDone = n
	}
}

// WithResultFunc overrides the completed payload.
func WithResultFunc(fn ResultFunc) MemoryOption {
	return func(q *MemoryQueue) {
		q.resultFunc = fn
	}
}

// WithSubmitError makes every Submit fail with err.
func WithSubmitError(err error) MemoryOption {
	return func(q *MemoryQueue) {
		q.submitErr = err
	}
}

// NewMemoryQueue creates a MemoryQueue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:       make(map[string]*memoryJob),
		resultFunc: DefaultResult,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit implements Client.
func (q *MemoryQueue) Submit(ctx context.Context, model string, payload map[string]interface{}) (SubmitResponse, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResponse{}, err
	}
	if q.submitErr != nil {
		return SubmitResponse{}, q.submitErr
	}

	id := ulid.Make().String()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id] = &memoryJob{model: model, payload: payload}
	q.submissions = append(q.submissions, Submission{RequestID: id, Model: model, Payload: payload})
	return SubmitResponse{RequestID: id}, nil
}

// Status implements Client. Jobs must be addressed by their base model.
func (q *MemoryQueue) Status(ctx context.Context, baseModel, requestID string) (StatusResponse, error) {
	if err := ctx.Err(); err != nil {
		return StatusResponse{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.lookup(baseModel, requestID, "status")
	if err != nil {
		return StatusResponse{}, err
	}
	if job.failure != "" {
		return StatusResponse{Status: "FAILED"}, nil
	}
	job.polls++
	if job.polls > q.pollsUntilDone {
		return StatusResponse{Status: "COMPLETED"}, nil
	}
	pos := q.pollsUntilDone - job.polls
	return StatusResponse{Status: "IN_QUEUE", QueuePosition: &pos}, nil
}

// Result implements Client.
func (q *MemoryQueue) Result(ctx context.Context, baseModel, requestID string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.lookup(baseModel, requestID, "result")
	if err != nil {
		return nil, err
	}
	if job.failure != "" {
		return nil, &ProviderError{Op: "result", StatusCode: http.StatusUnprocessableEntity, Body: job.failure}
	}
	if job.polls <= q.pollsUntilDone {
		return nil, &ProviderError{Op: "result", StatusCode: http.StatusBadRequest, Body: "request is still in progress"}
	}
	return q.resultFunc(job.model, job.payload), nil
}

// Fail marks a submitted job as failed.
func (q *MemoryQueue) Fail(requestID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[requestID]; ok {
		job.failure = reason
	}
}

// Submissions returns the accepted submissions in order.
func (q *MemoryQueue) Submissions() []Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Submission(nil), q.submissions...)
}

func (q *MemoryQueue) lookup(baseModel, requestID, op string) (*memoryJob, error) {
	job, ok := q.jobs[requestID]
	if !ok || DeriveBaseModel(job.model) != baseModel {
		return nil, &ProviderError{Op: op, StatusCode: http.StatusNotFound, Body: fmt.Sprintf(`{"detail":"request %s not found for %s"}`, requestID, baseModel)}
	}
	return job, nil
}

// DefaultResult fabricates a plausible payload shape for model.
func DefaultResult(model string, payload map[string]interface{}) map[string]interface{} {
	base := "https://memory.local/" + strings.ReplaceAll(model, "/", "_")
	switch {
	case strings.Contains(model, "video"):
		return map[string]interface{}{
			"video": map[string]interface{}{"url": base + ".mp4", "thumbnail_url": base + ".jpg"},
		}
	case strings.Contains(model, "audio"):
		return map[string]interface{}{"audio": map[string]interface{}{"url": base + ".wav"}}
	case strings.Contains(model, "trellis"):
		return map[string]interface{}{"model_mesh": map[string]interface{}{"url": base + ".glb"}}
	case strings.Contains(model, "whisper"):
		return map[string]interface{}{"output": map[string]interface{}{"text": "transcript"}}
	default:
		return map[string]interface{}{
			"images": []interface{}{map[string]interface{}{"url": base + ".png"}},
		}
	}
}
