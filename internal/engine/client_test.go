package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// connFor points a ConnectionInfo at a local httptest server.
func connFor(t *testing.T, srv *httptest.Server) domain.ConnectionInfo {
	t.Helper()
	parts := strings.Split(srv.Listener.Addr().String(), ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		t.Fatalf("Bad listener address: %v", err)
	}
	return domain.ConnectionInfo{AgentID: "alice", ContainerID: "c1", HostPort: port}
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "success",
			"response": "echo: " + req.Message,
			"agent_id": "alice",
		})
	}))
	defer srv.Close()

	client := NewClient(DefaultClientConfig())
	resp, err := client.Invoke(context.Background(), connFor(t, srv), "hello")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp != "echo: hello" {
		t.Errorf("Unexpected response: %q", resp)
	}
}

func TestInvokeServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(DefaultClientConfig())
	_, err := client.Invoke(context.Background(), connFor(t, srv), "hello")
	if !domain.IsTransient(err) {
		t.Errorf("Expected transient error for 500, got %v", err)
	}
}

func TestInvokeConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	conn := connFor(t, srv)
	srv.Close()

	client := NewClient(DefaultClientConfig())
	_, err := client.Invoke(context.Background(), conn, "hello")
	if !domain.IsTransient(err) {
		t.Errorf("Expected transient error for refused connection, got %v", err)
	}
}

func TestInvokeClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(DefaultClientConfig())
	_, err := client.Invoke(context.Background(), connFor(t, srv), "hello")
	if err == nil {
		t.Fatal("Expected error")
	}
	if domain.IsTransient(err) {
		t.Errorf("4xx must not be retried, got transient %v", err)
	}
}

func TestInvokeEngineReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "error",
			"agent_id": "alice",
			"error":    "model refused",
		})
	}))
	defer srv.Close()

	client := NewClient(DefaultClientConfig())
	_, err := client.Invoke(context.Background(), connFor(t, srv), "hello")
	if err == nil || !strings.Contains(err.Error(), "model refused") {
		t.Errorf("Expected engine failure surfaced, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Errorf("Engine-reported failure must be permanent, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	client := NewClient(ClientConfig{RequestTimeout: time.Second, HealthTimeout: time.Second})
	if err := client.Health(context.Background(), connFor(t, healthy)); err != nil {
		t.Errorf("Health on healthy server failed: %v", err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	if err := client.Health(context.Background(), connFor(t, sick)); err == nil {
		t.Error("Health on sick server should fail")
	}
}
