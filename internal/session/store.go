// Package session provides the durable, append-only conversation log for
// each agent. The log is NDJSON, one entry per line, written only by the
// agent's queue processor and read concurrently by any number of readers.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// Store reads and appends per-agent session logs rooted under agentsDir
// (one data directory per agent id).
type Store struct {
	agentsDir string

	// appendLocks serializes appends per agent so concurrent writers can
	// never interleave partial lines.
	appendLocks sync.Map
}

// NewStore creates a session store over the given agents directory.
func NewStore(agentsDir string) *Store {
	return &Store{agentsDir: agentsDir}
}

// Path returns the session log path for an agent.
func (s *Store) Path(agentID string) string {
	return domain.SessionFilePath(filepath.Join(s.agentsDir, agentID))
}

// Append writes one entry to the end of the agent's log.
func (s *Store) Append(agentID string, entry domain.SessionEntry) error {
	lock, _ := s.appendLocks.LoadOrStore(agentID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	path := s.Path(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &domain.PersistenceError{Path: path, Err: fmt.Errorf("create session directory: %w", err)}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return &domain.PersistenceError{Path: path, Err: fmt.Errorf("marshal entry: %w", err)}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return &domain.PersistenceError{Path: path, Err: fmt.Errorf("open session log: %w", err)}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &domain.PersistenceError{Path: path, Err: fmt.Errorf("append entry: %w", err)}
	}
	return nil
}

// Load returns the full ordered log for an agent. A missing log is a
// brand-new agent and yields an empty slice. An unparsable trailing portion
// (crash mid-write) is discarded rather than failing the load; everything
// before it is returned.
func (s *Store) Load(agentID string) ([]domain.SessionEntry, error) {
	path := s.Path(agentID)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Path: path, Err: fmt.Errorf("open session log: %w", err)}
	}
	defer f.Close()

	var entries []domain.SessionEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.SessionEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Corrupt tail from an interrupted write. Keep the
			// readable prefix and stop here.
			slog.Warn("Discarding corrupt session log tail",
				"agent_id", agentID,
				"line", lineNo,
				"error", err)
			return entries, nil
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Session log read stopped early, keeping readable prefix",
			"agent_id", agentID,
			"line", lineNo,
			"error", err)
	}
	return entries, nil
}

// Read returns the last n entries of the agent's log in order. n <= 0
// returns the full log.
func (s *Store) Read(agentID string, n int) ([]domain.SessionEntry, error) {
	entries, err := s.Load(agentID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}
