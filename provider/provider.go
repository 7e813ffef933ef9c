// Package provider talks to the generation provider's job queue.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Client submits generation jobs and queries their state.
type Client interface {
	// Submit queues a job for model and returns its handle.
	Submit(ctx context.Context, model string, payload map[string]interface{}) (SubmitResponse, error)
	// Status returns the current state of a job addressed by its base model.
	Status(ctx context.Context, baseModel, requestID string) (StatusResponse, error)
	// Result returns the raw payload of a completed job addressed by its base model.
	Result(ctx context.Context, baseModel, requestID string) (map[string]interface{}, error)
}

// SubmitResponse is the queue's answer to a submission.
type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// StatusResponse is the queue's answer to a status query.
type StatusResponse struct {
	Status        string                   `json:"status"`
	QueuePosition *int                     `json:"queue_position,omitempty"`
	Progress      *float64                 `json:"progress,omitempty"`
	Logs          []map[string]interface{} `json:"logs,omitempty"`
}

// JobState is the canonical view of a provider status string.
type JobState int

const (
	JobInProgress JobState = iota
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// State normalizes the raw status string.
func (r StatusResponse) State() JobState {
	return NormalizeStatus(r.Status)
}

// NormalizeStatus maps a provider status string to a JobState. Only
// COMPLETED and FAILED are terminal; any other value, including ones that
// look terminal such as CANCELLED, is in progress until the poll times out.
func NormalizeStatus(raw string) JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobInProgress
	}
}

// DeriveBaseModel returns the first two path segments of a model id, which
// is how the queue addresses status and result requests.
// "ns/model/variant" becomes "ns/model".
func DeriveBaseModel(model string) string {
	parts := strings.SplitN(strings.Trim(model, "/"), "/", 3)
	if len(parts) < 2 {
		return strings.Trim(model, "/")
	}
	return parts[0] + "/" + parts[1]
}

// ProviderError is a non-2xx answer from the provider. Body is kept verbatim.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}
