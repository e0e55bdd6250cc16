package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ehrlich-b/tower/internal/address"
	"github.com/ehrlich-b/tower/internal/registry"
)

// sendRequest is the body of POST /api/send (spec.md §6).
type sendRequest struct {
	To            string `json:"to"`
	Message       string `json:"message"`
	From          string `json:"from"`
	Workspace     string `json:"workspace"`
	FromWorkspace string `json:"fromWorkspace"`
	Options       struct {
		Raw       bool `json:"raw"`
		NoEnter   bool `json:"noEnter"`
		Interrupt bool `json:"interrupt"`
	} `json:"options"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeInvalidParams, "malformed JSON body: "+err.Error(), nil)
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, codeInvalidParams, "to and message are required", nil)
		return
	}

	fallback := req.FromWorkspace
	if fallback == "" {
		fallback = req.Workspace
	}
	if fallback != "" {
		canon, err := registry.CanonicalPath(fallback)
		if err != nil {
			writeError(w, codeInvalidParams, "invalid workspace: "+err.Error(), nil)
			return
		}
		fallback = canon
	}

	err := s.deps.Dispatcher.Send(req.To, req.Message, address.SendOpts{
		Raw: req.Options.Raw, NoEnter: req.Options.NoEnter, Interrupt: req.Options.Interrupt,
	}, req.From, fallback)
	if err != nil {
		writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}
