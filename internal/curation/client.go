// Package curation is the client for the content-curation enrichment service.
// Enrichment is best-effort: callers log failures and move on.
package curation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts enrichment requests to the curation service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a curation client. An empty baseURL disables enrichment.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type enrichRequest struct {
	PlanID     string `json:"plan_id"`
	Topic      string `json:"topic"`
	SkillLevel string `json:"skill_level"`
}

// Enrich asks the curation service to attach learning resources to a plan.
func (c *Client) Enrich(ctx context.Context, planID, topic, skillLevel string) error {
	if c.baseURL == "" {
		return nil
	}

	body, err := json.Marshal(enrichRequest{PlanID: planID, Topic: topic, SkillLevel: skillLevel})
	if err != nil {
		return fmt.Errorf("marshal enrich request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enrich", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create enrich request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send enrich request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("curation service returned status %d", resp.StatusCode)
	}
	return nil
}
