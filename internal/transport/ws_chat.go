package transport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"kiln/internal/kilnmodel"
	"kiln/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // origin checked against allowed_origins in handleChatWS
}

type chatFrame struct {
	Task      string              `json:"task,omitempty"`
	Text      string              `json:"text,omitempty"`
	Overrides kilnmodel.Overrides `json:"overrides,omitempty"`
}

type chatEvent struct {
	Chunk      string               `json:"chunk,omitempty"`
	Done       bool                 `json:"done,omitempty"`
	StopReason kilnmodel.StopReason `json:"stop_reason,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// handleChatWS opens one websocket connection per chat session. The first
// client frame names the task; every frame after that is one turn's text.
// Frames on the same connection are serialized since the connection pins a
// single ChatSession handle for its lifetime.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 && !s.allowedOrigins[origin] {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("chat websocket upgrade failed")
		return
	}
	defer conn.Close()

	var first chatFrame
	if err := conn.ReadJSON(&first); err != nil {
		return
	}

	cs, err := s.b.Chat(r.Context(), first.Task)
	if err != nil {
		conn.WriteJSON(chatEvent{Error: err.Error()})
		return
	}
	defer cs.Close()

	for {
		var frame chatFrame
		frame.Overrides = first.Overrides
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		normalizeOverrides(&frame.Overrides)
		reason, err := cs.Turn(r.Context(), frame.Text, frame.Overrides, func(chunk string) error {
			return conn.WriteJSON(chatEvent{Chunk: chunk})
		})
		if err != nil {
			conn.WriteJSON(chatEvent{Error: err.Error()})
			return
		}
		if err := conn.WriteJSON(chatEvent{Done: true, StopReason: reason}); err != nil {
			return
		}
	}
}
