// Package manager composes the task registry, container lifecycle, request
// queues, and session store into the agent-host facade exposed to external
// callers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/config"
	"github.com/mkmeral/containerized-strands-agents/internal/container"
	"github.com/mkmeral/containerized-strands-agents/internal/domain"
	"github.com/mkmeral/containerized-strands-agents/internal/engine"
	"github.com/mkmeral/containerized-strands-agents/internal/queue"
	"github.com/mkmeral/containerized-strands-agents/internal/registry"
	"github.com/mkmeral/containerized-strands-agents/internal/session"
	"github.com/mkmeral/containerized-strands-agents/internal/stream"
)

const healthPollInterval = 500 * time.Millisecond

// Manager is the top-level agent host. Lifecycle operations for one agent id
// are mutually exclusive; operations across distinct ids run fully in
// parallel.
type Manager struct {
	cfg      *config.Config
	reg      registry.Store
	runtime  container.Runtime
	eng      engine.Engine
	sessions *session.Store
	hub      *stream.Hub
	ports    *container.PortAllocator

	// lifecycleLocks serializes lifecycle transitions per agent id. These
	// are distinct from the per-agent queue workers on purpose: stop must
	// be able to proceed while a request is mid-flight.
	lifecycleLocks sync.Map

	mu      sync.Mutex
	queues  map[string]*queue.Processor
	closing bool
}

// New creates a Manager over an already-loaded registry.
func New(cfg *config.Config, reg registry.Store, runtime container.Runtime, eng engine.Engine, sessions *session.Store, hub *stream.Hub) *Manager {
	ports := container.NewPortAllocator(cfg.BasePort)
	for _, rec := range reg.All() {
		if rec.HostPort > 0 {
			ports.Reserve(rec.HostPort)
		}
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		runtime:  runtime,
		eng:      eng,
		sessions: sessions,
		hub:      hub,
		ports:    ports,
		queues:   make(map[string]*queue.Processor),
	}
}

func (m *Manager) lockAgent(agentID string) func() {
	lock, _ := m.lifecycleLocks.LoadOrStore(agentID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetOrCreate ensures the agent exists and its container is running, and
// returns how to reach it.
func (m *Manager) GetOrCreate(ctx context.Context, agentID string, opts DispatchOptions) (domain.ConnectionInfo, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	rec, err := m.reg.Get(agentID)
	if domain.IsNotFound(err) {
		rec, err = m.createRecord(agentID)
	}
	if err != nil {
		return domain.ConnectionInfo{}, err
	}

	if err := m.applySystemPrompt(rec, opts); err != nil {
		return domain.ConnectionInfo{}, err
	}

	if rec.HasContainer() {
		running, err := m.runtime.IsRunning(ctx, rec.ContainerID)
		if err != nil {
			return domain.ConnectionInfo{}, err
		}
		if running {
			return connInfo(rec), nil
		}
	}

	return m.startContainer(ctx, rec, opts)
}

// createRecord allocates a port, seeds the data directory, and persists a
// fresh pending record.
func (m *Manager) createRecord(agentID string) (*domain.AgentRecord, error) {
	port, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}

	dataDir, err := m.seedDataDir(agentID)
	if err != nil {
		m.ports.Release(port)
		return nil, err
	}

	now := time.Now().UTC()
	rec := &domain.AgentRecord{
		AgentID:       agentID,
		ContainerName: "agent-" + agentID,
		HostPort:      port,
		Status:        domain.StatusPending,
		LastActivity:  now,
		CreatedAt:     now,
		DataDir:       dataDir,
		Config: domain.AgentConfig{
			SystemPromptPath: domain.SystemPromptFile,
			ToolsDir:         domain.ToolsDir,
		},
	}
	if err := m.reg.Put(rec); err != nil {
		m.ports.Release(port)
		return nil, err
	}

	slog.Info("Agent record created", "agent_id", agentID, "host_port", port, "data_dir", dataDir)
	return rec, nil
}

// startContainer starts (or restarts) the agent's container reusing its data
// directory, then waits for the runner to become healthy.
func (m *Manager) startContainer(ctx context.Context, rec *domain.AgentRecord, opts DispatchOptions) (domain.ConnectionInfo, error) {
	env := m.buildEnv(rec, opts)

	containerID, err := m.runtime.StartAgent(ctx, rec, env)
	if err != nil {
		var infra *domain.InfrastructureError
		if errors.As(err, &infra) {
			// Daemon unreachable: surface without any registry
			// transition.
			return domain.ConnectionInfo{}, err
		}
		if uerr := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
			r.Status = domain.StatusError
			r.ContainerID = ""
			return nil
		}); uerr != nil {
			slog.Error("Failed to record start failure", "agent_id", rec.AgentID, "error", uerr)
		}
		return domain.ConnectionInfo{}, &domain.LifecycleError{AgentID: rec.AgentID, Err: err}
	}

	rec.ContainerID = containerID
	rec.Status = domain.StatusStarting
	if err := m.reg.Put(rec); err != nil {
		return domain.ConnectionInfo{}, err
	}

	if err := m.waitHealthy(ctx, connInfo(rec)); err != nil {
		// Tear down the partially created container so nothing leaks.
		if removeErr := m.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); removeErr != nil {
			slog.Warn("Failed to remove unhealthy container", "container_id", containerID, "error", removeErr)
		}
		if uerr := m.reg.Update(rec.AgentID, func(r *domain.AgentRecord) error {
			r.Status = domain.StatusError
			r.ContainerID = ""
			return nil
		}); uerr != nil {
			slog.Error("Failed to record health failure", "agent_id", rec.AgentID, "error", uerr)
		}
		return domain.ConnectionInfo{}, &domain.LifecycleError{AgentID: rec.AgentID, Err: err}
	}

	rec.Status = domain.StatusRunning
	rec.LastActivity = time.Now().UTC()
	if err := m.reg.Put(rec); err != nil {
		return domain.ConnectionInfo{}, err
	}

	slog.Info("Agent running", "agent_id", rec.AgentID, "container_id", containerID, "host_port", rec.HostPort)
	return connInfo(rec), nil
}

// waitHealthy polls the runner's health endpoint until it answers or the
// startup timeout elapses.
func (m *Manager) waitHealthy(ctx context.Context, conn domain.ConnectionInfo) error {
	deadline := time.Now().Add(m.cfg.StartupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := m.eng.Health(ctx, conn); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("container never became healthy within %s: %w", m.cfg.StartupTimeout, lastErr)
}

// Stop stops the agent's container. Stopping an already-stopped agent
// succeeds; an unknown agent returns ErrAgentNotFound.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	rec, err := m.reg.Get(agentID)
	if err != nil {
		return err
	}

	// Shut the queue down first so queued requests fail fast and the
	// in-flight one gets its grace period before the container goes away.
	m.dropQueue(ctx, agentID)

	if rec.HasContainer() {
		if err := m.runtime.StopContainer(ctx, rec.ContainerID); err != nil {
			return err
		}
	}

	if rec.Status == domain.StatusStopped && !rec.HasContainer() {
		return nil
	}
	return m.reg.Update(agentID, func(r *domain.AgentRecord) error {
		r.Status = domain.StatusStopped
		r.ContainerID = ""
		return nil
	})
}

// Remove stops the agent and deletes its registry record, releasing the
// host port for reuse. The data directory stays on disk so the conversation
// can still be snapshotted; dispatching to the id afterwards starts over
// with a fresh record against the same directory.
func (m *Manager) Remove(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	rec, err := m.reg.Get(agentID)
	if err != nil {
		return err
	}

	m.dropQueue(ctx, agentID)

	if rec.HasContainer() {
		if err := m.runtime.StopContainer(ctx, rec.ContainerID); err != nil {
			return err
		}
	}

	if err := m.reg.Remove(agentID); err != nil {
		return err
	}
	m.ports.Release(rec.HostPort)

	slog.Info("Agent removed", "agent_id", agentID, "data_dir", rec.DataDir)
	return nil
}

// Touch records agent activity. Called by the queue worker when it begins
// and finishes a request, never on mere enqueue.
func (m *Manager) Touch(agentID string) {
	if err := m.reg.Touch(agentID); err != nil {
		slog.Error("Failed to update last activity", "agent_id", agentID, "error", err)
	}
}

// Busy reports whether the agent's queue is processing or has pending work.
func (m *Manager) Busy(agentID string) bool {
	m.mu.Lock()
	q := m.queues[agentID]
	m.mu.Unlock()
	if q == nil {
		return false
	}
	return q.Processing() || q.Depth() > 0
}

// Records returns the current registry records without reconciliation, for
// the idle monitor.
func (m *Manager) Records() []*domain.AgentRecord {
	return m.reg.All()
}

// ensureQueue returns the agent's queue processor, starting one if needed.
func (m *Manager) ensureQueue(conn domain.ConnectionInfo) (*queue.Processor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, &domain.ConcurrencyError{AgentID: conn.AgentID, Err: domain.ErrShutdown}
	}
	if q, ok := m.queues[conn.AgentID]; ok {
		return q, nil
	}

	q := queue.NewProcessor(conn, m.eng, m.sessions, m.cfg.QueueCapacity, queue.Hooks{
		Touch:    m.Touch,
		Appended: m.hub.Publish,
	})
	m.queues[conn.AgentID] = q
	return q, nil
}

// dropQueue shuts down and forgets the agent's queue, if any.
func (m *Manager) dropQueue(ctx context.Context, agentID string) {
	m.mu.Lock()
	q := m.queues[agentID]
	delete(m.queues, agentID)
	m.mu.Unlock()

	if q != nil {
		q.Shutdown(ctx)
	}
}

// Close shuts the manager down in order: stop accepting work, drain or
// abandon every queue, leave containers running so agents survive a host
// restart.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closing = true
	queues := make([]*queue.Processor, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*queue.Processor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *queue.Processor) {
			defer wg.Done()
			q.Shutdown(ctx)
		}(q)
	}
	wg.Wait()
	slog.Info("Agent manager closed", "queues_drained", len(queues))
}

func connInfo(rec *domain.AgentRecord) domain.ConnectionInfo {
	return domain.ConnectionInfo{
		AgentID:     rec.AgentID,
		ContainerID: rec.ContainerID,
		HostPort:    rec.HostPort,
	}
}
