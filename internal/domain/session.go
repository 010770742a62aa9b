package domain

import (
	"time"
)

// Entry roles. The processor writes an error marker entry when a request
// exhausts its retries, so callers can observe the failure through the
// ordinary read path.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleError     = "error"
)

// SessionEntry is one line of an agent's conversation log. Entries are
// append-only and never mutated after being written.
type SessionEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// NewEntry builds a session entry timestamped now.
func NewEntry(role, content string) SessionEntry {
	return SessionEntry{Role: role, Content: content, Timestamp: time.Now().UTC()}
}
