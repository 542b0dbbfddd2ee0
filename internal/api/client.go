package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/engine"
	"github.com/kingrea/trellis/internal/workflow/status"
)

// Client talks to a running control server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for addr (host:port or a full URL).
func NewClient(addr string) *Client {
	return &Client{
		BaseURL: BaseURL(addr),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Status fetches the status summary.
func (c *Client) Status(ctx context.Context) (status.Summary, error) {
	var out status.Summary
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Task fetches one task and its output.
func (c *Client) Task(ctx context.Context, id string) (TaskResponse, error) {
	var out TaskResponse
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Submit sends a batch of descriptors.
func (c *Client) Submit(ctx context.Context, descs []workflow.Descriptor) ([]workflow.Task, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", SubmitRequest{Tasks: descs}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id string) (workflow.Task, error) {
	var out TaskResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out.Task, err
}

// SetConcurrency changes the concurrency limit. Zero means unlimited.
func (c *Client) SetConcurrency(ctx context.Context, limit int) (int, error) {
	var out ConcurrencyResponse
	err := c.do(ctx, http.MethodPut, "/concurrency", ConcurrencyRequest{Limit: &limit}, &out)
	return out.Limit, err
}

// Transitions fetches up to limit recent transitions.
func (c *Client) Transitions(ctx context.Context, limit int) ([]engine.Transition, error) {
	var out []engine.Transition
	err := c.do(ctx, http.MethodGet, "/transitions?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload ErrorResponse
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Kind = payload.Kind
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
