package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// statusSnapshot mirrors GET /api/status.
type statusSnapshot struct {
	Version    string  `json:"version"`
	Uptime     float64 `json:"uptime"`
	Online     bool    `json:"online"`
	QueueDepth int     `json:"queue_depth"`
	Pending    int     `json:"pending"`
	Failed     int     `json:"failed"`
	Tracked    int     `json:"tracked"`
}

// updateRow mirrors one entry of GET /api/updates.
type updateRow struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	Queued    bool      `json:"queued"`
	Timestamp time.Time `json:"timestamp"`
}

type drainSummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// apiClient talks to a running storesync daemon.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) Status(ctx context.Context) (statusSnapshot, error) {
	var s statusSnapshot
	err := c.do(ctx, http.MethodGet, "/api/status", &s)
	return s, err
}

func (c *apiClient) Updates(ctx context.Context) ([]updateRow, error) {
	var rows []updateRow
	err := c.do(ctx, http.MethodGet, "/api/updates", &rows)
	return rows, err
}

// Drain asks the daemon to drain now. An offline daemon answers 503 with
// the summary attached; that is reported as an error.
func (c *apiClient) Drain(ctx context.Context) (drainSummary, error) {
	var s drainSummary
	err := c.do(ctx, http.MethodPost, "/api/queue/drain", &s)
	return s, err
}

func (c *apiClient) RetryFailed(ctx context.Context) (int, error) {
	var out struct {
		Moved int `json:"moved"`
	}
	err := c.do(ctx, http.MethodPost, "/api/updates/retry", &out)
	return out.Moved, err
}

func (c *apiClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
