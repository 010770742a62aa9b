// Package engine provides the client side of the per-container Execution
// Engine surface: POST /chat to produce a response and GET /health for
// readiness. The engine itself is an opaque external dependency; this
// package only speaks its HTTP contract.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// Engine produces a response for one message against a running agent
// container. Failures that are worth retrying are wrapped in
// domain.TransientExecutionError.
type Engine interface {
	Invoke(ctx context.Context, conn domain.ConnectionInfo, message string) (string, error)
	Health(ctx context.Context, conn domain.ConnectionInfo) error
}

// ClientConfig holds configuration for the HTTP engine client.
type ClientConfig struct {
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Minute,
		HealthTimeout:  2 * time.Second,
	}
}

// Client is the HTTP implementation of Engine.
type Client struct {
	http *http.Client
	cfg  ClientConfig
}

// NewClient creates a new engine client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultClientConfig().HealthTimeout
	}
	return &Client{
		// Timeouts are applied per call via context so one slow agent
		// cannot pin a shared deadline.
		http: &http.Client{},
		cfg:  cfg,
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	AgentID  string `json:"agent_id"`
	Error    string `json:"error,omitempty"`
}

// Invoke sends one message to the agent's container and returns the
// engine's response once processing completes.
func (c *Client) Invoke(ctx context.Context, conn domain.ConnectionInfo, message string) (string, error) {
	body, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.BaseURL()+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection refused, reset, or timeout: the container may be
		// mid-restart, so let the caller retry.
		return "", &domain.TransientExecutionError{Err: fmt.Errorf("chat request to agent %s: %w", conn.AgentID, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return "", &domain.TransientExecutionError{Err: fmt.Errorf("read chat response from agent %s: %w", conn.AgentID, err)}
	}

	if resp.StatusCode >= 500 {
		return "", &domain.TransientExecutionError{Err: fmt.Errorf("agent %s returned %d: %s", conn.AgentID, resp.StatusCode, truncate(raw, 512))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent %s returned %d: %s", conn.AgentID, resp.StatusCode, truncate(raw, 512))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("decode chat response from agent %s: %w", conn.AgentID, err)
	}
	if cr.Status != "success" {
		return "", fmt.Errorf("agent %s chat failed: %s", conn.AgentID, cr.Error)
	}
	return cr.Response, nil
}

// Health probes the container's health endpoint.
func (c *Client) Health(ctx context.Context, conn domain.ConnectionInfo) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.BaseURL()+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check for agent %s: %w", conn.AgentID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check for agent %s returned %d", conn.AgentID, resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
