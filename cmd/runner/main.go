// Agent runner: the in-container HTTP shim around the execution engine.
// It is seeded into every agent data directory, which is what makes a
// snapshot of that directory runnable anywhere.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	AgentID  string `json:"agent_id"`
	Error    string `json:"error,omitempty"`
}

// runner shells out to the engine command for each chat. The host-side
// queue already serializes requests per agent; the mutex keeps direct
// callers from interleaving engine runs anyway.
type runner struct {
	agentID   string
	dataDir   string
	engineCmd []string
	timeout   time.Duration

	mu sync.Mutex
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	r := &runner{
		agentID:   getEnv("AGENT_ID", "unknown"),
		dataDir:   getEnv("DATA_DIR", domain.ContainerDataPath),
		engineCmd: strings.Fields(getEnv("ENGINE_CMD", "strands-agent")),
		timeout:   getEnvDuration("ENGINE_TIMEOUT", 10*time.Minute),
	}
	port := getEnv("PORT", fmt.Sprintf("%d", domain.ContainerPort))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", r.handleChat)
	mux.HandleFunc("GET /health", r.handleHealth)

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Agent runner listening", "agent_id", r.agentID, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Runner failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Runner forced to shutdown", "error", err)
	}
}

func (r *runner) handleChat(w http.ResponseWriter, req *http.Request) {
	var cr chatRequest
	if err := json.NewDecoder(req.Body).Decode(&cr); err != nil || cr.Message == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{
			Status:  "error",
			AgentID: r.agentID,
			Error:   "message is required",
		})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	response, err := r.invokeEngine(req.Context(), cr.Message)
	if err != nil {
		slog.Error("Engine invocation failed", "agent_id", r.agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{
			Status:  "error",
			AgentID: r.agentID,
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Status:   "success",
		Response: response,
		AgentID:  r.agentID,
	})
}

func (r *runner) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"agent_id": r.agentID,
	})
}

// invokeEngine runs one engine turn: the message goes in on stdin, the reply
// comes back on stdout. The engine owns its own conversation state under the
// data directory.
func (r *runner) invokeEngine(ctx context.Context, message string) (string, error) {
	if len(r.engineCmd) == 0 {
		return "", errors.New("no engine command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.engineCmd[0], r.engineCmd[1:]...)
	cmd.Dir = filepath.Join(r.dataDir, domain.WorkspaceDir)
	cmd.Stdin = strings.NewReader(message)
	cmd.Env = append(os.Environ(),
		"AGENT_DATA_DIR="+r.dataDir,
		"AGENT_SYSTEM_PROMPT_FILE="+filepath.Join(r.dataDir, domain.SystemPromptFile),
		"AGENT_TOOLS_DIR="+filepath.Join(r.dataDir, domain.ToolsDir),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("engine: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("engine: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("Invalid duration, using fallback", "key", key, "value", v, "fallback", fallback)
	}
	return fallback
}
