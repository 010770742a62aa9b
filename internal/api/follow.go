package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Follow upgrades to a WebSocket and streams session entries as they are
// appended. The existing tail is sent first so a follower never misses the
// entries written just before it connected.
func (h *AgentHandler) Follow(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	// Verify the agent exists before upgrading.
	res, err := h.mgr.Read(r.Context(), agentID, 0)
	if err != nil {
		domainError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "agent_id", agentID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "follow ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "agent_id", agentID)
		}
	}()

	sub := h.hub.Subscribe(agentID)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain the client's reads so we notice when it goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for _, entry := range res.Entries {
		if err := writeEntry(ctx, ws, entry); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.Entries():
			if !ok {
				return
			}
			if err := writeEntry(ctx, ws, entry); err != nil {
				slog.Debug("Follower write failed", "error", err, "agent_id", agentID)
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
