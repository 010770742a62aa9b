// Package queue provides the per-agent FIFO request queue and its single
// worker. The worker is the only goroutine that touches an agent's
// conversation state, which is what makes fine-grained locking of the
// conversation itself unnecessary.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
	"github.com/mkmeral/containerized-strands-agents/internal/engine"
)

const (
	maxAttempts      = 3
	retryBaseDelay   = 500 * time.Millisecond
	shutdownGrace    = 30 * time.Second
	defaultQueueSize = 256
)

var errQueueFull = errors.New("queue is full")

// Sessions is the slice of the session store the processor needs.
type Sessions interface {
	Append(agentID string, entry domain.SessionEntry) error
}

// Hooks let the owner observe processing without blocking the worker.
type Hooks struct {
	// Touch is called when the worker begins and finishes a request, so
	// idle reaping never fires while a request is in flight.
	Touch func(agentID string)

	// Appended is called after each entry is persisted, feeding live
	// followers. May be nil.
	Appended func(agentID string, entry domain.SessionEntry)
}

// Processor owns one agent's FIFO queue and background worker.
type Processor struct {
	agentID  string
	conn     domain.ConnectionInfo
	engine   engine.Engine
	sessions Sessions
	hooks    Hooks

	mu       sync.Mutex
	requests chan *Request
	closed   bool

	processing atomic.Bool

	// cancelInflight aborts the engine call of the in-flight request when
	// the shutdown grace period runs out.
	cancelInflight context.CancelFunc
	workerCtx      context.Context
	workerDone     chan struct{}
}

// NewProcessor creates the queue for one running agent and starts its
// worker.
func NewProcessor(conn domain.ConnectionInfo, eng engine.Engine, sessions Sessions, capacity int, hooks Hooks) *Processor {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		agentID:        conn.AgentID,
		conn:           conn,
		engine:         eng,
		sessions:       sessions,
		hooks:          hooks,
		requests:       make(chan *Request, capacity),
		cancelInflight: cancel,
		workerCtx:      ctx,
		workerDone:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue appends a message to the tail of the queue and returns
// immediately. The caller observes the outcome through the session store or
// by awaiting the returned request's Result.
func (p *Processor) Enqueue(message string) (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &domain.ConcurrencyError{AgentID: p.agentID, Err: domain.ErrShutdown}
	}
	req := newRequest(message)
	select {
	case p.requests <- req:
		return req, nil
	default:
		return nil, &domain.ConcurrencyError{AgentID: p.agentID, Err: errQueueFull}
	}
}

func (p *Processor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Depth returns the number of queued-but-not-started requests.
func (p *Processor) Depth() int {
	return len(p.requests)
}

// Processing reports whether a request is currently in flight.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// Shutdown stops intake, waits up to the grace period for the in-flight
// request, then abandons it and resolves every remaining queued request with
// a shutdown error so no caller waits forever.
func (p *Processor) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.workerDone
		return
	}
	p.closed = true
	close(p.requests)
	p.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	select {
	case <-p.workerDone:
	case <-grace.Done():
		slog.Warn("Abandoning in-flight request on shutdown", "agent_id", p.agentID)
		p.cancelInflight()
		<-p.workerDone
	}
}

// run is the worker loop. A failure processing one request never halts it;
// the next item is always dequeued.
func (p *Processor) run() {
	defer close(p.workerDone)

	for req := range p.requests {
		// Once shutdown begins, queued-but-not-started requests are
		// failed immediately rather than processed.
		if p.isClosed() {
			req.Result.resolve("", &domain.ConcurrencyError{AgentID: p.agentID, Err: domain.ErrShutdown})
			continue
		}
		p.process(req)
	}
}

func (p *Processor) process(req *Request) {
	p.processing.Store(true)
	defer p.processing.Store(false)

	if p.hooks.Touch != nil {
		p.hooks.Touch(p.agentID)
	}
	defer func() {
		if p.hooks.Touch != nil {
			p.hooks.Touch(p.agentID)
		}
	}()

	// If the user turn cannot be persisted the exchange must not happen:
	// invoking the engine anyway would leave a log replaying an assistant
	// answer to a question that was never recorded.
	if err := p.append(domain.NewEntry(domain.RoleUser, req.Message)); err != nil {
		req.Result.resolve("", err)
		return
	}

	response, err := p.invokeWithRetry(req)
	if err != nil {
		slog.Error("Request failed after retries",
			"agent_id", p.agentID,
			"request_id", req.ID,
			"error", err)
		p.append(domain.NewEntry(domain.RoleError, err.Error()))
		req.Result.resolve("", err)
		return
	}

	p.append(domain.NewEntry(domain.RoleAssistant, response))
	req.Result.resolve(response, nil)
}

// invokeWithRetry calls the engine, retrying transient failures with
// exponential backoff up to maxAttempts.
func (p *Processor) invokeWithRetry(req *Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			slog.Debug("Retrying request",
				"agent_id", p.agentID,
				"request_id", req.ID,
				"attempt", attempt+1,
				"delay", delay)
			select {
			case <-p.workerCtx.Done():
				return "", &domain.ConcurrencyError{AgentID: p.agentID, Err: domain.ErrShutdown}
			case <-time.After(delay):
			}
		}

		response, err := p.engine.Invoke(p.workerCtx, p.conn, req.Message)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Processor) append(entry domain.SessionEntry) error {
	if err := p.sessions.Append(p.agentID, entry); err != nil {
		slog.Error("Failed to persist session entry",
			"agent_id", p.agentID,
			"role", entry.Role,
			"error", err)
		return err
	}
	if p.hooks.Appended != nil {
		p.hooks.Appended(p.agentID, entry)
	}
	return nil
}
