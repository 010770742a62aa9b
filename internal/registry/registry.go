// Package registry provides the durable task registry: the single source of
// truth for agent lifecycle records across process restarts.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// Store is the interface the rest of the system uses to read and mutate
// agent records. Implementations must make every write atomic: a crash
// mid-write leaves either the previous or the new registry content on disk,
// never a mix.
type Store interface {
	// Get returns a copy of the record for agentID, or ErrAgentNotFound.
	Get(agentID string) (*domain.AgentRecord, error)

	// Put inserts or replaces a record and persists the registry.
	Put(record *domain.AgentRecord) error

	// Update applies fn to the record under the registry lock and persists
	// the result. fn sees a copy; returning an error aborts without
	// persisting. Returns ErrAgentNotFound for unknown ids.
	Update(agentID string, fn func(*domain.AgentRecord) error) error

	// Touch sets last_activity to now.
	Touch(agentID string) error

	// All returns copies of every record, ordered by agent id.
	All() []*domain.AgentRecord

	// Remove deletes a record and persists. Removing an unknown id is not
	// an error.
	Remove(agentID string) error
}

type registryFile struct {
	Agents map[string]*domain.AgentRecord `json:"agents"`
}

// FileStore implements Store on a single JSON file, written with
// write-new-then-rename so partial writes are never visible.
type FileStore struct {
	path string

	mu     sync.RWMutex
	agents map[string]*domain.AgentRecord
}

// Open loads the registry file at path, creating an empty registry if the
// file does not exist yet.
func Open(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &domain.PersistenceError{Path: path, Err: fmt.Errorf("create registry directory: %w", err)}
	}

	s := &FileStore{path: path, agents: make(map[string]*domain.AgentRecord)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Path: path, Err: fmt.Errorf("read registry: %w", err)}
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, &domain.PersistenceError{Path: path, Err: fmt.Errorf("parse registry: %w", err)}
	}
	if file.Agents != nil {
		s.agents = file.Agents
	}

	slog.Info("Registry loaded", "path", path, "agents", len(s.agents))
	return s, nil
}

// Get returns a copy of the record for agentID.
func (s *FileStore) Get(agentID string) (*domain.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentID, domain.ErrAgentNotFound)
	}
	return rec.Clone(), nil
}

// Put inserts or replaces a record and persists the registry.
func (s *FileStore) Put(record *domain.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[record.AgentID] = record.Clone()
	return s.persistLocked()
}

// Update applies fn to a copy of the record and persists the result.
func (s *FileStore) Update(agentID string, fn func(*domain.AgentRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, domain.ErrAgentNotFound)
	}

	updated := rec.Clone()
	if err := fn(updated); err != nil {
		return err
	}
	s.agents[agentID] = updated
	return s.persistLocked()
}

// Touch sets last_activity to now.
func (s *FileStore) Touch(agentID string) error {
	return s.Update(agentID, func(rec *domain.AgentRecord) error {
		rec.LastActivity = time.Now().UTC()
		return nil
	})
}

// All returns copies of every record, ordered by agent id.
func (s *FileStore) All() []*domain.AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Remove deletes a record and persists.
func (s *FileStore) Remove(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return nil
	}
	delete(s.agents, agentID)
	return s.persistLocked()
}

// persistLocked writes the registry atomically: marshal to a temp file in
// the same directory, fsync, then rename over the live file.
func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(registryFile{Agents: s.agents}, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("marshal registry: %w", err)}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("open temp registry: %w", err)}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("write temp registry: %w", err)}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("sync temp registry: %w", err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("close temp registry: %w", err)}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &domain.PersistenceError{Path: s.path, Err: fmt.Errorf("replace registry: %w", err)}
	}
	return nil
}
