package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Result is the single-assignment slot for one queued request. The submitter
// owns it; the processor is the only writer and resolves it exactly once.
type Result struct {
	mu       sync.RWMutex
	response string
	err      error
	done     chan struct{}
	once     sync.Once
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Await blocks until the request has been resolved or ctx is done.
func (r *Result) Await(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.response, r.err
	}
}

// Done reports whether the request has been resolved.
func (r *Result) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// resolve assigns the outcome. Repeated calls are ignored.
func (r *Result) resolve(response string, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.response = response
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// Request is one message waiting on an agent's queue.
type Request struct {
	ID      string
	Message string
	Result  *Result
}

func newRequest(message string) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Message: message,
		Result:  newResult(),
	}
}
