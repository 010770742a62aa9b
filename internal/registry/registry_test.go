package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

func newRecord(agentID string) *domain.AgentRecord {
	now := time.Now().UTC()
	return &domain.AgentRecord{
		AgentID:       agentID,
		ContainerName: "agent-" + agentID,
		HostPort:      9001,
		Status:        domain.StatusRunning,
		LastActivity:  now,
		CreatedAt:     now,
		DataDir:       "/data/agents/" + agentID,
	}
}

func TestOpenMissingFile(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := len(store.All()); got != 0 {
		t.Errorf("Expected empty registry, got %d records", got)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AgentID != "alice" || got.HostPort != 9001 {
		t.Errorf("Unexpected record: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = domain.StatusError
	again, err := store.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Status != domain.StatusRunning {
		t.Errorf("Get must return a copy, store was mutated to %s", again.Status)
	}
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if _, err := reopened.Get("alice"); err != nil {
		t.Errorf("Record lost across reopen: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, err = store.Get("ghost")
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Update("alice", func(r *domain.AgentRecord) error {
		r.Status = domain.StatusStopped
		r.ContainerID = ""
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get("alice")
	if got.Status != domain.StatusStopped {
		t.Errorf("Expected stopped, got %s", got.Status)
	}

	if err := store.Update("ghost", func(r *domain.AgentRecord) error { return nil }); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpdateAbortOnError(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	boom := errors.New("boom")
	if err := store.Update("alice", func(r *domain.AgentRecord) error {
		r.Status = domain.StatusError
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, _ := store.Get("alice")
	if got.Status != domain.StatusRunning {
		t.Errorf("Aborted update must not persist, got %s", got.Status)
	}
}

func TestTouch(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec := newRecord("alice")
	rec.LastActivity = time.Now().UTC().Add(-time.Hour)
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Touch("alice"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	got, _ := store.Get("alice")
	if got.IdleFor(time.Now().UTC()) > time.Minute {
		t.Errorf("Touch did not refresh last_activity: %v", got.LastActivity)
	}
}

func TestAllSorted(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, id := range []string{"carol", "alice", "bob"} {
		if err := store.Put(newRecord(id)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	all := store.All()
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if all[i].AgentID != want {
			t.Errorf("Expected %s at index %d, got %s", want, i, all[i].AgentID)
		}
	}
}

func TestRemove(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Remove("alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Get("alice"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound after remove, got %v", err)
	}

	// Removing an unknown id is not an error.
	if err := store.Remove("ghost"); err != nil {
		t.Errorf("Remove of unknown id failed: %v", err)
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file left behind after persist")
	}
}

func TestCrashMidWriteLeavesOldContentReadable(t *testing.T) {
	// A crash between writing registry.json.tmp and the rename leaves a
	// partial temp file beside an intact live file. The pre-crash content
	// must load and subsequent writes must succeed.
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(newRecord("alice")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := os.WriteFile(path+".tmp", []byte(`{"agents":{"bo`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open after simulated crash failed: %v", err)
	}
	if _, err := reopened.Get("alice"); err != nil {
		t.Fatalf("Pre-crash record lost: %v", err)
	}
	if _, err := reopened.Get("bob"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Partial write must not be visible, got %v", err)
	}

	if err := reopened.Put(newRecord("carol")); err != nil {
		t.Fatalf("Put after simulated crash failed: %v", err)
	}
	final, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := final.Get("carol"); err != nil {
		t.Errorf("Post-crash write lost: %v", err)
	}
}

func TestOpenUnknownFieldsPreserved(t *testing.T) {
	// A registry written by a newer build must still load.
	path := filepath.Join(t.TempDir(), "registry.json")
	content := `{"agents":{"alice":{"agent_id":"alice","status":"running","host_port":9001,"future_field":42}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := store.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.HostPort != 9001 {
		t.Errorf("Expected host_port 9001, got %d", got.HostPort)
	}
}
