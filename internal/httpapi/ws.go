package httpapi

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/tower/internal/wsbridge"
)

// handleWSTerminal serves both `/ws/terminal/:id` and
// `/workspace/<b64url>/ws/terminal/:id` — the workspace segment, when
// present, is decoded only for origin context; terminal ids are a flat
// namespace (spec.md §4.8).
func (s *Server) handleWSTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"tower-terminal"},
	})
	if err != nil {
		s.log.Warn("httpapi: websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()

	resumeSeq := parseResumeSeq(r)
	clientID := uuid.NewString()
	if err := wsbridge.ServeTerminal(r.Context(), ws, sess, clientID, resumeSeq, s.log); err != nil {
		s.log.Debug("httpapi: terminal ws closed", "id", id, "err", err)
	}
}

func parseResumeSeq(r *http.Request) *uint64 {
	raw := r.Header.Get("X-Session-Resume")
	if raw == "" {
		raw = r.URL.Query().Get("resume")
	}
	if raw == "" {
		return nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &seq
}

// handleWSMessages serves `/ws/messages?project=<basename>`.
func (s *Server) handleWSMessages(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"tower-messages"},
	})
	if err != nil {
		s.log.Warn("httpapi: websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()

	project := r.URL.Query().Get("project")
	subscriberID := uuid.NewString()
	if err := wsbridge.ServeMessages(r.Context(), ws, s.deps.Bus, subscriberID, project); err != nil {
		s.log.Debug("httpapi: messages ws closed", "err", err)
	}
}
