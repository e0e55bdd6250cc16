package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrlich-b/tower/internal/ptysession"
	"github.com/ehrlich-b/tower/internal/registry"
	"github.com/ehrlich-b/tower/internal/sessionmgr"
	"github.com/ehrlich-b/tower/internal/wsbridge"
)

// createTerminalRequest is the body of POST /api/terminals (spec.md §6).
type createTerminalRequest struct {
	Command       string            `json:"command"`
	Args          []string          `json:"args"`
	CWD           string            `json:"cwd"`
	Env           map[string]string `json:"env"`
	Cols          uint16            `json:"cols"`
	Rows          uint16            `json:"rows"`
	Persistent    bool              `json:"persistent"`
	WorkspacePath string            `json:"workspacePath"`
	Type          string            `json:"type"`       // "architect" | "builder" | "shell"; default "shell"
	RoleID        string            `json:"roleId"`     // role key; required for builder, auto-assigned for shell
	RenderMode    string            `json:"renderMode"` // "" (default, plain ring buffer) | "vterm" (SPEC_FULL.md §4.10)
}

type terminalView struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Role      string `json:"role"`
	RoleKey   string `json:"roleKey,omitempty"`
	Status    string `json:"status"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, launchTimeout)
	defer cancel()

	var req createTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeInvalidParams, "malformed JSON body: "+err.Error(), nil)
		return
	}
	if req.Command == "" {
		writeError(w, codeInvalidParams, "command is required", nil)
		return
	}
	if req.WorkspacePath == "" {
		writeError(w, codeInvalidParams, "workspacePath is required", nil)
		return
	}
	if req.Cols == 0 {
		req.Cols = s.deps.DefaultCols
	}
	if req.Rows == 0 {
		req.Rows = s.deps.DefaultRows
	}
	role := req.Type
	if role == "" {
		role = registry.RoleShell
	}
	if role != registry.RoleArchitect && role != registry.RoleBuilder && role != registry.RoleShell {
		writeError(w, codeInvalidParams, "type must be one of architect, builder, shell", nil)
		return
	}

	workspace, err := registry.CanonicalPath(req.WorkspacePath)
	if err != nil {
		writeError(w, codeInvalidParams, "invalid workspacePath: "+err.Error(), nil)
		return
	}
	if _, err := s.deps.Registry.GetOrCreateEntry(workspace); err != nil {
		writeInternalError(w, err)
		return
	}
	if s.deps.Watcher != nil {
		s.deps.Watcher.Watch(workspace)
	}

	roleKey := req.RoleID
	shellID := 0
	if role == registry.RoleShell {
		shellID = s.deps.Registry.NextShellID(workspace)
		if roleKey == "" {
			roleKey = "shell-" + strconv.Itoa(shellID)
		}
	} else if role == registry.RoleBuilder && roleKey == "" {
		writeError(w, codeInvalidParams, "roleId is required for builder terminals", nil)
		return
	}

	env := envSlice(req.Env)
	sessionID := uuid.NewString()

	pty, pid, err := s.spawnPTY(r.Context(), sessionID, req.Persistent, req.Command, req.Args, req.CWD, env, req.Cols, req.Rows)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	agent := roleKey
	if role == registry.RoleArchitect {
		agent = "architect"
	}
	sess := ptysession.New(sessionID, agent, pty, s.deps.RingBufferCapacity, req.Cols, req.Rows, s.deps.Log)
	if req.RenderMode == "vterm" {
		sess.EnableVTerm()
	}
	go sess.Run(context.Background())

	socketPath, holderPID, holderStart, _ := s.deps.SessionMgr.GetSessionInfo(sessionID)
	_ = pid
	if err := s.deps.Registry.RegisterTerminal(registry.RegisterParams{
		Workspace: workspace, Role: role, RoleKey: roleKey, Session: sess, ShellID: shellID,
		Command: req.Command, Args: req.Args, CWD: req.CWD, Env: req.Env,
		Cols: int(req.Cols), Rows: int(req.Rows),
		HolderPID: holderPID, HolderStartNS: holderStart, SocketPath: socketPath,
	}); err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, terminalView{
		ID: sessionID, Workspace: workspace, Role: role, RoleKey: roleKey,
		Status: "running", Cols: req.Cols, Rows: req.Rows,
	})
}

// spawnPTY starts the command either under a shellper holder
// (persistent, survives a daemon restart) or directly under the daemon
// process via ptysession.LocalPTY (ephemeral), per spec.md §6's
// `persistent` flag.
func (s *Server) spawnPTY(ctx context.Context, sessionID string, persistent bool, command string, args []string, cwd string, env []string, cols, rows uint16) (ptysession.PTY, int, error) {
	if !persistent {
		local, err := ptysession.StartLocal(command, args, cwd, env, cols, rows)
		if err != nil {
			return nil, 0, err
		}
		return local, local.Pid(), nil
	}
	client, err := s.deps.SessionMgr.CreateSession(sessionmgr.CreateParams{
		SessionID: sessionID, Command: command, Args: args, CWD: cwd, Env: env, Cols: cols, Rows: rows,
	})
	if err != nil {
		return nil, 0, err
	}
	return client, client.PID(), nil
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Server) lookupTerminal(id string) (string, *ptysession.Session, bool) {
	return s.deps.Registry.FindSession(id)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	workspace, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}
	cols, rows := sess.Size()
	status := "running"
	if sess.Status() == ptysession.StatusExited {
		status = "exited"
	}
	writeJSON(w, http.StatusOK, terminalView{ID: sess.ID, Workspace: workspace, Role: "", Status: status, Cols: cols, Rows: rows})
}

func (s *Server) handleDeleteTerminal(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	workspace, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}
	sess.Kill(r.Context())
	if err := s.deps.Registry.UnregisterTerminal(workspace, id); err != nil {
		writeInternalError(w, err)
		return
	}
	s.deps.SessionMgr.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWriteTerminal(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	_, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, codeInvalidParams, "malformed JSON body: "+err.Error(), nil)
		return
	}
	sess.RecordUserInput([]byte(body.Data))
	sess.Write([]byte(body.Data))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResizeTerminal(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	_, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}
	var body struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cols == 0 || body.Rows == 0 {
		writeError(w, codeInvalidParams, "cols and rows are required", nil)
		return
	}
	sess.Resize(body.Cols, body.Rows)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalOutput(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, smallQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	_, sess, ok := s.lookupTerminal(id)
	if !ok {
		writeError(w, codeNotFound, "no such terminal", nil)
		return
	}

	conn := wsbridge.NewConn("output-snapshot-"+id, s.deps.Log)
	lines, ansiSnapshot := sess.Attach(conn)
	sess.Detach(conn.ID())

	var sb strings.Builder
	if ansiSnapshot != nil {
		sb.Write(ansiSnapshot)
	}
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.Write(l.Data)
	}
	writeJSON(w, http.StatusOK, map[string]any{"seq": sess.CurrentSeq(), "output": sb.String()})
}
