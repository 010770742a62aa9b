package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

func TestLoadMissingLog(t *testing.T) {
	store := NewStore(t.TempDir())

	entries, err := store.Load("alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty log for new agent, got %d entries", len(entries))
	}
}

func TestAppendLoadRoundtrip(t *testing.T) {
	store := NewStore(t.TempDir())

	inputs := []domain.SessionEntry{
		domain.NewEntry(domain.RoleUser, "hello"),
		domain.NewEntry(domain.RoleAssistant, "hi there"),
		domain.NewEntry(domain.RoleUser, "how are you?"),
	}
	for _, e := range inputs {
		if err := store.Append("alice", e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := store.Load("alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != len(inputs) {
		t.Fatalf("Expected %d entries, got %d", len(inputs), len(entries))
	}
	for i, e := range entries {
		if e.Role != inputs[i].Role || e.Content != inputs[i].Content {
			t.Errorf("Entry %d mismatch: got %+v, want %+v", i, e, inputs[i])
		}
	}
}

func TestCorruptTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.Append("alice", domain.NewEntry(domain.RoleUser, "hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append("alice", domain.NewEntry(domain.RoleAssistant, "hi")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Simulate a crash mid-write: a truncated JSON line at the end.
	f, err := os.OpenFile(store.Path("alice"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := f.WriteString(`{"role":"assistant","content":"trunc`); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	entries, err := store.Load("alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected readable prefix of 2 entries, got %d", len(entries))
	}
	if entries[1].Content != "hi" {
		t.Errorf("Unexpected last entry: %+v", entries[1])
	}
}

func TestReadLastN(t *testing.T) {
	store := NewStore(t.TempDir())

	for _, content := range []string{"one", "two", "three", "four"} {
		if err := store.Append("alice", domain.NewEntry(domain.RoleUser, content)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	last2, err := store.Read("alice", 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(last2) != 2 || last2[0].Content != "three" || last2[1].Content != "four" {
		t.Errorf("Expected [three four], got %+v", last2)
	}

	all, err := store.Read("alice", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected all 4 entries for n=0, got %d", len(all))
	}

	over, err := store.Read("alice", 100)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(over) != 4 {
		t.Errorf("Expected all 4 entries for n>len, got %d", len(over))
	}
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	store := NewStore(t.TempDir())

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := store.Append("alice", domain.NewEntry(domain.RoleUser, "msg")); err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	entries, err := store.Load("alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Errorf("Expected %d entries, got %d", writers*perWriter, len(entries))
	}
}

func TestLogsAreIsolatedPerAgent(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.Append("alice", domain.NewEntry(domain.RoleUser, "for alice")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append("bob", domain.NewEntry(domain.RoleUser, "for bob")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	bob, err := store.Load("bob")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(bob) != 1 || bob[0].Content != "for bob" {
		t.Errorf("Unexpected bob log: %+v", bob)
	}

	want := filepath.Join(dir, "alice", domain.SessionDir, domain.SessionFileName)
	if store.Path("alice") != want {
		t.Errorf("Unexpected path: %s", store.Path("alice"))
	}
}
