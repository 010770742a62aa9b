package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mkmeral/containerized-strands-agents/internal/domain"
	"github.com/mkmeral/containerized-strands-agents/internal/manager"
	"github.com/mkmeral/containerized-strands-agents/internal/stream"
)

// Agent ids become directory and container names, so the accepted alphabet
// is deliberately narrow.
var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// AgentHandler handles agent-related endpoints.
type AgentHandler struct {
	mgr *manager.Manager
	hub *stream.Hub
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(mgr *manager.Manager, hub *stream.Hub) *AgentHandler {
	return &AgentHandler{mgr: mgr, hub: hub}
}

// RegisterRoutes registers agent routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Post("/messages", h.SendMessage)
			r.Get("/messages", h.GetMessages)
			r.Post("/stop", h.Stop)
			r.Delete("/", h.Remove)
			r.Get("/follow", h.Follow)
		})
	})
}

type sendMessageRequest struct {
	Message          string `json:"message"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	SystemPromptFile string `json:"system_prompt_file,omitempty"`
	Profile          string `json:"profile,omitempty"`
	Region           string `json:"region,omitempty"`
}

// SendMessage enqueues a message for the agent, creating it on first
// contact, and acknowledges immediately. The response arrives in the session
// log.
func (h *AgentHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !agentIDPattern.MatchString(agentID) {
		Error(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ack, err := h.mgr.Dispatch(r.Context(), agentID, req.Message, manager.DispatchOptions{
		SystemPrompt:     req.SystemPrompt,
		SystemPromptFile: req.SystemPromptFile,
		Profile:          req.Profile,
		Region:           req.Region,
	})
	if err != nil {
		slog.Error("Failed to dispatch message", "error", err, "agent_id", agentID)
		domainError(w, err)
		return
	}

	JSON(w, http.StatusAccepted, ack)
}

// GetMessages returns the tail of the agent's conversation. ?count=N limits
// the result to the last N entries; ?role=assistant filters by role after
// the count is applied.
func (h *AgentHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
		count = n
	}

	res, err := h.mgr.Read(r.Context(), agentID, count)
	if err != nil {
		domainError(w, err)
		return
	}

	if role := r.URL.Query().Get("role"); role != "" {
		filtered := make([]domain.SessionEntry, 0, len(res.Entries))
		for _, e := range res.Entries {
			if e.Role == role {
				filtered = append(filtered, e)
			}
		}
		res.Entries = filtered
	}

	JSON(w, http.StatusOK, res)
}

// List returns every known agent with its live status.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.mgr.List(r.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		domainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"agents": summaries,
		"count":  len(summaries),
	})
}

// Stop stops the agent's container. Stopping an already-stopped agent is a
// success; an unknown agent is a structured 404.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := h.mgr.Stop(r.Context(), agentID); err != nil {
		slog.Error("Failed to stop agent", "error", err, "agent_id", agentID)
		domainError(w, err)
		return
	}

	slog.Info("Agent stopped", "agent_id", agentID)
	JSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"status":   string(domain.StatusStopped),
	})
}

// Remove stops the agent and forgets it. The data directory is kept on disk.
func (h *AgentHandler) Remove(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := h.mgr.Remove(r.Context(), agentID); err != nil {
		slog.Error("Failed to remove agent", "error", err, "agent_id", agentID)
		domainError(w, err)
		return
	}

	slog.Info("Agent removed", "agent_id", agentID)
	JSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"status":   "removed",
	})
}
