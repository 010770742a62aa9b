package manager

import (
	"context"
	"log/slog"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// DispatchOptions carries the optional knobs a caller may set when sending a
// message. All fields apply on agent creation; on an existing agent only the
// prompt fields are consulted, and only while the conversation is still
// empty.
type DispatchOptions struct {
	// SystemPrompt sets the agent's system prompt inline.
	SystemPrompt string

	// SystemPromptFile points at a host file whose contents become the
	// system prompt. Takes precedence over SystemPrompt.
	SystemPromptFile string

	// Profile selects the AWS credential profile passed into the
	// container.
	Profile string

	// Region overrides the AWS region passed into the container.
	Region string
}

// Ack is returned to the caller the moment a message is accepted. The
// response itself lands in the session log.
type Ack struct {
	RequestID  string `json:"request_id"`
	AgentID    string `json:"agent_id"`
	QueueDepth int    `json:"queue_depth"`
	Processing bool   `json:"processing"`
}

// ReadResult is the conversation snapshot returned by Read.
type ReadResult struct {
	AgentID    string                `json:"agent_id"`
	Status     domain.Status         `json:"status"`
	Entries    []domain.SessionEntry `json:"entries"`
	Processing bool                  `json:"processing"`
	QueueDepth int                   `json:"queue_depth"`
}

// AgentSummary is one row of List: the registry record plus live queue
// state.
type AgentSummary struct {
	*domain.AgentRecord
	Processing bool `json:"processing"`
	QueueDepth int  `json:"queue_depth"`
}

// Dispatch ensures the agent is running, enqueues the message, and returns
// without waiting for the engine. The request is processed in arrival order
// by the agent's single worker.
func (m *Manager) Dispatch(ctx context.Context, agentID, message string, opts DispatchOptions) (Ack, error) {
	if message == "" {
		return Ack{}, &domain.ValidationError{Reason: "message must not be empty"}
	}

	conn, err := m.GetOrCreate(ctx, agentID, opts)
	if err != nil {
		return Ack{}, err
	}

	q, err := m.ensureQueue(conn)
	if err != nil {
		return Ack{}, err
	}
	req, err := q.Enqueue(message)
	if err != nil {
		return Ack{}, err
	}

	slog.Info("Request queued",
		"agent_id", agentID,
		"request_id", req.ID,
		"queue_depth", q.Depth())

	return Ack{
		RequestID:  req.ID,
		AgentID:    agentID,
		QueueDepth: q.Depth(),
		Processing: q.Processing(),
	}, nil
}

// Read returns the last n session entries (all of them when n <= 0) along
// with live queue state. It reads straight from the session log, so it works
// even while the agent's container is stopped.
func (m *Manager) Read(ctx context.Context, agentID string, n int) (ReadResult, error) {
	rec, err := m.reg.Get(agentID)
	if err != nil {
		return ReadResult{}, err
	}

	entries, err := m.sessions.Read(agentID, n)
	if err != nil {
		return ReadResult{}, err
	}

	res := ReadResult{
		AgentID: agentID,
		Status:  rec.Status,
		Entries: entries,
	}
	m.mu.Lock()
	if q, ok := m.queues[agentID]; ok {
		res.Processing = q.Processing()
		res.QueueDepth = q.Depth()
	}
	m.mu.Unlock()
	return res, nil
}

// List returns every known agent. Each record's status is reconciled against
// the live container state first, so a container that died since the last
// write shows up as stopped, not running.
func (m *Manager) List(ctx context.Context) ([]AgentSummary, error) {
	live, err := m.runtime.ListAgentContainers(ctx)
	if err != nil {
		return nil, err
	}

	records := m.reg.All()
	summaries := make([]AgentSummary, 0, len(records))
	for _, rec := range records {
		ctr, found := live[rec.AgentID]
		if rec.Status == domain.StatusRunning && (!found || !ctr.Running) {
			if uerr := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
				r.Status = domain.StatusStopped
				r.ContainerID = ""
				return nil
			}); uerr != nil {
				slog.Error("Failed to reconcile dead container", "agent_id", rec.AgentID, "error", uerr)
			} else {
				rec.Status = domain.StatusStopped
				rec.ContainerID = ""
			}
		}

		s := AgentSummary{AgentRecord: rec}
		m.mu.Lock()
		if q, ok := m.queues[rec.AgentID]; ok {
			s.Processing = q.Processing()
			s.QueueDepth = q.Depth()
		}
		m.mu.Unlock()
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Reconcile aligns the registry with the containers that actually exist.
// Called once at startup, before any request is served. Records pointing at
// vanished containers are marked stopped; labeled containers the registry
// has never heard of are stopped and adopted as stopped records, ready to be
// restarted on the next message.
func (m *Manager) Reconcile(ctx context.Context) error {
	live, err := m.runtime.ListAgentContainers(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, rec := range m.reg.All() {
		known[rec.AgentID] = true
		ctr, found := live[rec.AgentID]
		alive := found && ctr.Running
		switch {
		case !alive && (rec.Status == domain.StatusRunning || rec.Status == domain.StatusStarting):
			slog.Warn("Container died while host was down", "agent_id", rec.AgentID)
			if err := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
				r.Status = domain.StatusStopped
				r.ContainerID = ""
				return nil
			}); err != nil {
				return err
			}
		case alive && ctr.ID != rec.ContainerID:
			if err := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
				r.ContainerID = ctr.ID
				return nil
			}); err != nil {
				return err
			}
		}
	}

	// Orphans carry our label but have no record. Their host port mapping
	// is unknown to the registry, so the safe move is to stop them and
	// register them as stopped; the next message restarts them on a fresh
	// port against the same data directory.
	for agentID, ctr := range live {
		if known[agentID] {
			continue
		}
		slog.Warn("Adopting orphaned agent container", "agent_id", agentID, "container_id", ctr.ID)
		if err := m.runtime.StopContainer(ctx, ctr.ID); err != nil {
			slog.Error("Failed to stop orphaned container", "container_id", ctr.ID, "error", err)
			continue
		}
		rec, err := m.createRecord(agentID)
		if err != nil {
			return err
		}
		if err := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
			r.Status = domain.StatusStopped
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
