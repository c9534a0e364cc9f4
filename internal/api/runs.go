package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/avelez/ragconsole/internal/event"
)

// activeRunsResponse wraps the active-jobs list endpoint payload.
type activeRunsResponse struct {
	Runs []event.RunStatus `json:"runs"`
}

// queueStatsResponse wraps the stats endpoint payload.
type queueStatsResponse struct {
	QueueStats event.QueueStats `json:"queue_stats"`
}

// StartRunRequest describes a job to start.
type StartRunRequest struct {
	RunType      string         `json:"run_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// startRunResponse wraps the start endpoint payload.
type startRunResponse struct {
	Run event.RunStatus `json:"run"`
}

// ListActiveRuns fetches all currently active processing runs.
func (c *Client) ListActiveRuns(ctx context.Context) ([]event.RunStatus, error) {
	var resp activeRunsResponse
	if err := c.get(ctx, "/api/jobs/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetQueueStats fetches the current queue statistics snapshot.
func (c *Client) GetQueueStats(ctx context.Context) (*event.QueueStats, error) {
	var resp queueStatsResponse
	if err := c.get(ctx, "/api/jobs/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.QueueStats, nil
}

// StartRun submits a new processing job. An idempotency key guards against
// duplicate submissions when the request is retried.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*event.RunStatus, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", uuid.NewString())

	var resp startRunResponse
	if err := c.post(ctx, "/api/jobs", req, header, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}
