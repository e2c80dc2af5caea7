// Package falclient talks to the fal.ai queue REST API: submit a request,
// poll its status, fetch its result and cancel it.
package falclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"genqueue/config"
	"genqueue/task"
)

// ErrUnexpectedResponse is returned when the backend answers 2xx with a body
// that does not carry what the call needs.
var ErrUnexpectedResponse = errors.New("unexpected response from fal api")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	var detail struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal([]byte(e.Body), &detail) == nil && detail.Detail != nil {
		if s, ok := detail.Detail.(string); ok {
			return fmt.Sprintf("fal api returned %d: %s", e.StatusCode, s)
		}
		b, _ := json.Marshal(detail.Detail)
		return fmt.Sprintf("fal api returned %d: %s", e.StatusCode, b)
	}
	if e.Body == "" {
		return fmt.Sprintf("fal api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("fal api returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	cfg     *config.Config
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ task.JobClient = (*Client)(nil)

func New(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.FalBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid fal base url %q", cfg.FalBaseURL)
	}
	if cfg.MaxResponseSize <= 0 {
		return nil, fmt.Errorf("max response size must be positive, got %d", cfg.MaxResponseSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FalKey == "" {
		logger.Warn("FAL_KEY is empty, requests are sent without credentials")
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.FalBaseURL, "/"),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.With("component", "fal_client"),
	}, nil
}

// endpoint is a parsed model id such as "fal-ai/flux-pro/v1.1-ultra".
// Queue operations on an existing request drop the sub-path.
type endpoint struct {
	owner string
	alias string
	path  string
}

func parseEndpoint(modelID string) (endpoint, error) {
	parts := strings.Split(strings.Trim(modelID, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return endpoint{}, fmt.Errorf("invalid model id %q: expected owner/app[/path]", modelID)
	}
	return endpoint{
		owner: parts[0],
		alias: parts[1],
		path:  strings.Join(parts[2:], "/"),
	}, nil
}

func (c *Client) submitURL(e endpoint) string {
	u := c.baseURL + "/" + url.PathEscape(e.owner) + "/" + url.PathEscape(e.alias)
	if e.path != "" {
		u += "/" + e.path
	}
	return u
}

func (c *Client) requestURL(e endpoint, requestID string) string {
	return c.baseURL + "/" + url.PathEscape(e.owner) + "/" + url.PathEscape(e.alias) +
		"/requests/" + url.PathEscape(requestID)
}

func (c *Client) Submit(ctx context.Context, modelID string, input map[string]any) (string, error) {
	e, err := parseEndpoint(modelID)
	if err != nil {
		return "", err
	}

	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.submitURL(e), input, &resp); err != nil {
		return "", fmt.Errorf("submit to %s: %w", modelID, err)
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("submit to %s: %w: missing request_id", modelID, ErrUnexpectedResponse)
	}
	return resp.RequestID, nil
}

type queueStatus struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	Logs          []struct {
		Message   string `json:"message"`
		Level     string `json:"level"`
		Timestamp string `json:"timestamp"`
	} `json:"logs"`
}

func (c *Client) Status(ctx context.Context, modelID, requestID string) (*task.JobStatus, error) {
	e, err := parseEndpoint(modelID)
	if err != nil {
		return nil, err
	}

	var resp queueStatus
	if err := c.do(ctx, http.MethodGet, c.requestURL(e, requestID)+"/status?logs=1", nil, &resp); err != nil {
		return nil, fmt.Errorf("status of %s: %w", requestID, err)
	}

	status := &task.JobStatus{QueuePosition: resp.QueuePosition}
	switch strings.ToUpper(resp.Status) {
	case "IN_QUEUE":
		status.State = task.StateInQueue
	case "IN_PROGRESS":
		status.State = task.StateInProgress
	case "COMPLETED":
		status.State = task.StateCompleted
	case "FAILED", "ERROR":
		status.State = task.StateFailed
	case "":
		return nil, fmt.Errorf("status of %s: %w: missing status", requestID, ErrUnexpectedResponse)
	default:
		status.State = task.JobState(resp.Status)
	}
	for _, l := range resp.Logs {
		status.Logs = append(status.Logs, l.Message)
	}
	return status, nil
}

// Result fetches the payload of a completed request. Both a bare payload and
// one wrapped as {"data": ...} are accepted.
func (c *Client) Result(ctx context.Context, modelID, requestID string) (map[string]any, error) {
	e, err := parseEndpoint(modelID)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	if err := c.do(ctx, http.MethodGet, c.requestURL(e, requestID), nil, &resp); err != nil {
		return nil, fmt.Errorf("result of %s: %w", requestID, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("result of %s: %w: empty body", requestID, ErrUnexpectedResponse)
	}
	if data, ok := resp["data"].(map[string]any); ok && len(resp) <= 2 {
		return data, nil
	}
	return resp, nil
}

func (c *Client) Cancel(ctx context.Context, modelID, requestID string) error {
	e, err := parseEndpoint(modelID)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, c.requestURL(e, requestID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", requestID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.FalKey != "" {
		req.Header.Set("Authorization", "Key "+c.cfg.FalKey)
	}

	c.logger.Debug("fal request", "method", method, "url", target)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Use a LimitedReader to enforce the max response size
	limited := &io.LimitedReader{R: resp.Body, N: c.cfg.MaxResponseSize + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxResponseSize {
		return fmt.Errorf("response exceeds limit of %d bytes", c.cfg.MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}
