// Package domain contains core domain types for the agent host.
package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// AgentConfig holds the per-agent configuration references recorded alongside
// the lifecycle state. Paths are relative to the agent data directory.
type AgentConfig struct {
	SystemPromptPath  string `json:"system_prompt_path,omitempty"`
	ToolsDir          string `json:"tools_dir,omitempty"`
	CredentialProfile string `json:"credential_profile,omitempty"`
}

// AgentRecord is the durable lifecycle record for one agent. Exactly one
// record exists per agent id, and at most one running container backs it.
type AgentRecord struct {
	AgentID       string      `json:"agent_id"`
	ContainerID   string      `json:"container_id,omitempty"`
	ContainerName string      `json:"container_name"`
	HostPort      int         `json:"host_port"`
	Status        Status      `json:"status"`
	LastActivity  time.Time   `json:"last_activity"`
	CreatedAt     time.Time   `json:"created_at"`
	DataDir       string      `json:"data_dir"`
	Config        AgentConfig `json:"config"`
}

// HasContainer returns true if the record references a container.
func (r *AgentRecord) HasContainer() bool {
	return r.ContainerID != ""
}

// IdleFor returns how long the agent has been inactive as of now.
func (r *AgentRecord) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastActivity)
}

// Clone returns a copy of the record so callers can mutate it without
// affecting registry state.
func (r *AgentRecord) Clone() *AgentRecord {
	c := *r
	return &c
}

// ConnectionInfo describes how to reach a running agent's container.
type ConnectionInfo struct {
	AgentID     string `json:"agent_id"`
	ContainerID string `json:"container_id"`
	HostPort    int    `json:"host_port"`
}

// BaseURL returns the host-side base URL of the agent's container API.
func (c ConnectionInfo) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", c.HostPort)
}
