package container

import (
	"fmt"
	"net"
	"sync"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

const portProbeAttempts = 100

// PortAllocator hands out free host ports for agent containers. It probes
// by actually binding, so a port owned by an unrelated process is skipped
// rather than handed out.
type PortAllocator struct {
	mu   sync.Mutex
	base int
	next int

	// reserved holds ports already assigned to registry records, so a
	// restart never reallocates a stopped agent's port to a new one.
	reserved map[int]bool
}

// NewPortAllocator creates an allocator starting at basePort.
func NewPortAllocator(basePort int) *PortAllocator {
	return &PortAllocator{base: basePort, next: basePort, reserved: make(map[int]bool)}
}

// Reserve marks a port as in use by an existing record.
func (a *PortAllocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

// Release frees a reservation when a record is removed.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Allocate returns a free host port, retrying on bind conflicts up to a
// bounded number of attempts.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < portProbeAttempts; i++ {
		if a.next > 65535 {
			// Wrap back to the base so released ports below the
			// high-water mark come back into rotation.
			a.next = a.base
		}
		port := a.next
		a.next++
		if a.reserved[port] {
			continue
		}

		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			// Bind conflict with some other process; try the next
			// port.
			continue
		}
		l.Close()

		a.reserved[port] = true
		return port, nil
	}
	return 0, &domain.InfrastructureError{Op: "allocate port", Err: fmt.Errorf("no free port found in %d attempts", portProbeAttempts)}
}
