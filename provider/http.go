package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the queue endpoint used when none is configured.
const DefaultBaseURL = "https://queue.fal.run"

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithAPIKey sets the key sent in the Authorization header.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts payload to the model's queue.
func (c *HTTPClient) Submit(ctx context.Context, model string, payload map[string]interface{}) (SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to marshal request body: %w", err)
	}
	var out SubmitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/"+strings.Trim(model, "/"), body, &out); err != nil {
		return SubmitResponse{}, err
	}
	if out.RequestID == "" {
		return SubmitResponse{}, fmt.Errorf("provider submit for %s returned no request_id", model)
	}
	return out, nil
}

// Status queries the job state. The base model is re-derived so a full
// dispatch id is also accepted.
func (c *HTTPClient) Status(ctx context.Context, baseModel, requestID string) (StatusResponse, error) {
	var out StatusResponse
	path := fmt.Sprintf("/%s/requests/%s/status", DeriveBaseModel(baseModel), requestID)
	if err := c.do(ctx, "status", http.MethodGet, path, nil, &out); err != nil {
		return StatusResponse{}, err
	}
	return out, nil
}

// Result fetches the completed job payload.
func (c *HTTPClient) Result(ctx context.Context, baseModel, requestID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := fmt.Sprintf("/%s/requests/%s", DeriveBaseModel(baseModel), requestID)
	if err := c.do(ctx, "result", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode provider %s response: %w", op, err)
	}
	return nil
}
