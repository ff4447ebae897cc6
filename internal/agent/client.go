// Package agent provides the HTTP client agents use to reach the
// orchestrator. Agents share no memory with the service; everything below
// goes over its endpoints.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
)

// Client talks to the orchestrator service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the orchestrator at baseURL. The timeout
// must exceed the server's long-poll bound or claims will spuriously fail.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError carries a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is an orchestrator error with the given code.
func IsStatus(err error, code int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == code
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &apiError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// FetchConfig retrieves the orchestration config document.
func (c *Client) FetchConfig(ctx context.Context) (orchconfig.Document, error) {
	var doc orchconfig.Document
	err := c.do(ctx, http.MethodGet, "/config", nil, &doc)
	return doc, err
}

// Claim asks for the next subtask of the role. ok is false when the server's
// long poll timed out with nothing available.
func (c *Client) Claim(ctx context.Context, role subtask.Role, workerID string) (subtask.Subtask, bool, error) {
	var resp struct {
		Subtask *subtask.Subtask `json:"subtask"`
		Message string           `json:"message"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/task/%s?worker=%s", role, workerID), nil, &resp)
	if err != nil {
		return subtask.Subtask{}, false, err
	}
	if resp.Subtask == nil {
		return subtask.Subtask{}, false, nil
	}
	return *resp.Subtask, true, nil
}

// SubmitReport posts a finished subtask's report.
func (c *Client) SubmitReport(ctx context.Context, rep subtask.Report) error {
	body := map[string]any{
		"subtask_id":  rep.SubtaskID,
		"role":        rep.Role,
		"filename":    rep.Filename,
		"payload":     rep.Payload,
		"metrics":     rep.Metrics,
		"duration_ms": rep.Duration.Milliseconds(),
	}
	return c.do(ctx, http.MethodPost, "/report", body, nil)
}

// Enqueue creates a subtask (coordinator only). Returns the assigned id.
func (c *Client) Enqueue(ctx context.Context, req subtask.EnqueueRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/subtask", map[string]any{"subtask": req}, &resp)
	return resp.ID, err
}

// Accept marks a subtask accepted.
func (c *Client) Accept(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/subtask/"+id+"/accept", nil, nil)
}

// Reject sends a subtask back for refinement.
func (c *Client) Reject(ctx context.Context, id, refinedText string) error {
	return c.do(ctx, http.MethodPost, "/subtask/"+id+"/reject", map[string]string{"text": refinedText}, nil)
}

// Fail marks a subtask failed.
func (c *Client) Fail(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/subtask/"+id+"/fail", map[string]string{"reason": reason}, nil)
}

// Structure fetches the current structure snapshot.
func (c *Client) Structure(ctx context.Context) (structure.Tree, error) {
	var resp struct {
		Structure structure.Tree `json:"structure"`
	}
	err := c.do(ctx, http.MethodGet, "/structure", nil, &resp)
	return resp.Structure, err
}

// PostStructure publishes a structure snapshot.
func (c *Client) PostStructure(ctx context.Context, t structure.Tree) error {
	return c.do(ctx, http.MethodPost, "/structure", map[string]any{"structure": t}, nil)
}

// StructurerReports long-polls reports awaiting persistence.
func (c *Client) StructurerReports(ctx context.Context) ([]subtask.Report, error) {
	var resp struct {
		Reports []subtask.Report `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, "/structurer/reports", nil, &resp)
	return resp.Reports, err
}

// Feedback long-polls reports awaiting coordinator planning.
func (c *Client) Feedback(ctx context.Context) ([]subtask.Report, error) {
	var resp struct {
		Reports []subtask.Report `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, "/coordinator/feedback", nil, &resp)
	return resp.Reports, err
}

// Heartbeat renews agent liveness and optionally a claim lease.
func (c *Client) Heartbeat(ctx context.Context, agentName, workerID, subtaskID string) error {
	return c.do(ctx, http.MethodPost, "/heartbeat", map[string]string{
		"agent": agentName, "worker_id": workerID, "subtask_id": subtaskID,
	}, nil)
}

// PostStatus publishes the structurer's status report.
func (c *Client) PostStatus(ctx context.Context, status string, details map[string]any) error {
	body := map[string]any{"status": status}
	for k, v := range details {
		body[k] = v
	}
	return c.do(ctx, http.MethodPost, "/ai3_report", body, nil)
}

// Collaborate logs an inter-agent collaboration request.
func (c *Client) Collaborate(ctx context.Context, req map[string]any) error {
	return c.do(ctx, http.MethodPost, "/ai_collaboration", req, nil)
}

// AllStatuses fetches every subtask status keyed by id.
func (c *Client) AllStatuses(ctx context.Context) (map[string]subtask.Status, error) {
	var out map[string]subtask.Status
	err := c.do(ctx, http.MethodGet, "/all_subtask_statuses", nil, &out)
	return out, err
}
