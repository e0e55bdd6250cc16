package httpapi

import (
	"encoding/base64"
	"net/http"
	"path/filepath"

	"github.com/ehrlich-b/tower/internal/registry"
)

// decodeWorkspaceParam decodes the `{b64}` path segment used by every
// `/api/workspaces/<b64url>/...` and `/workspace/<b64url>/...` route,
// then canonicalizes it the same way the Terminal Registry does.
func decodeWorkspaceParam(r *http.Request) (string, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(r.PathValue("b64"))
	if err != nil {
		if decoded, altErr := base64.URLEncoding.DecodeString(r.PathValue("b64")); altErr == nil {
			raw = decoded
		} else {
			return "", err
		}
	}
	return registry.CanonicalPath(string(raw))
}

type workspaceView struct {
	Path       string `json:"path"`
	Label      string `json:"label,omitempty"`
	LastSeenAt string `json:"lastSeenAt"`
	Active     bool   `json:"active"`
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	known, err := s.deps.Store.ListKnownWorkspaces()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]workspaceView, 0, len(known))
	for _, k := range known {
		out = append(out, workspaceView{
			Path:       k.Path,
			Label:      k.Label,
			LastSeenAt: k.LastSeenAt.Format("2006-01-02T15:04:05Z07:00"),
			Active:     s.deps.Registry.HasEntry(k.Path),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

func (s *Server) handleActivateWorkspace(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, launchTimeout)
	defer cancel()

	workspace, err := decodeWorkspaceParam(r)
	if err != nil {
		writeError(w, codeInvalidParams, "invalid workspace path: "+err.Error(), nil)
		return
	}

	if _, err := s.deps.Registry.GetOrCreateEntry(workspace); err != nil {
		writeInternalError(w, err)
		return
	}
	if s.deps.Watcher != nil {
		s.deps.Watcher.Watch(workspace)
	}
	label := filepath.Base(workspace)
	if err := s.deps.Store.UpsertKnownWorkspace(workspace, label); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaceView{Path: workspace, Label: label, Active: true})
}

func (s *Server) handleDeactivateWorkspace(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	workspace, err := decodeWorkspaceParam(r)
	if err != nil {
		writeError(w, codeInvalidParams, "invalid workspace path: "+err.Error(), nil)
		return
	}
	s.deps.Registry.Remove(workspace)
	writeJSON(w, http.StatusOK, map[string]any{"path": workspace, "active": false})
}

func (s *Server) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	workspace, err := decodeWorkspaceParam(r)
	if err != nil {
		writeError(w, codeInvalidParams, "invalid workspace path: "+err.Error(), nil)
		return
	}
	counts, active := s.deps.Registry.EntryCounts(workspace)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         workspace,
		"active":       active,
		"hasArchitect": counts.HasArchitect,
		"builders":     counts.Builders,
		"shells":       counts.Shells,
	})
}
