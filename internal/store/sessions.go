package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Session is the durable twin of a running or recently-running terminal
// session. It records everything Reconciliation needs to either
// reconnect to a live shellper holder or mark the session dead on
// daemon restart.
type Session struct {
	ID             string
	WorkspacePath  string
	ShellID        int
	Role           string // "architect", "builder", "shell" (spec.md §3)
	RoleKey        string // stable within workspace, e.g. "builder-bugfix-296"; empty for architect
	Agent          string
	Command        string
	Args           []string
	CWD            string
	Env            map[string]string
	Cols           int
	Rows           int
	HolderPID      int
	HolderStartNS  int64
	SocketPath     string
	Status         string // "running", "exited", "orphaned"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertSession writes the session's durable twin before the in-memory
// registry mutation is considered complete (write-through discipline).
func (s *Store) UpsertSession(sess *Session) error {
	argsJSON, err := json.Marshal(sess.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	envJSON, err := json.Marshal(sess.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO terminal_sessions
			(id, workspace_path, shell_id, role, role_key, agent, command, args_json, cwd, env_json, cols, rows, holder_pid, holder_start_ns, socket_path, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			shell_id = excluded.shell_id,
			role = excluded.role,
			role_key = excluded.role_key,
			agent = excluded.agent,
			command = excluded.command,
			args_json = excluded.args_json,
			cwd = excluded.cwd,
			env_json = excluded.env_json,
			cols = excluded.cols,
			rows = excluded.rows,
			holder_pid = excluded.holder_pid,
			holder_start_ns = excluded.holder_start_ns,
			socket_path = excluded.socket_path,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		sess.ID, sess.WorkspacePath, sess.ShellID, sess.Role, sess.RoleKey, sess.Agent, sess.Command, string(argsJSON),
		sess.CWD, string(envJSON), sess.Cols, sess.Rows, sess.HolderPID, sess.HolderStartNS,
		sess.SocketPath, sess.Status)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(sessionSelectCols+" FROM terminal_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectCols + " FROM terminal_sessions ORDER BY workspace_path, shell_id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsByStatus is used by Reconciliation's stale sweep (Phase B)
// to find every session the registry still believes is "running".
func (s *Store) ListSessionsByStatus(status string) ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectCols+" FROM terminal_sessions WHERE status = ? ORDER BY workspace_path, shell_id", status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) MarkSessionStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE terminal_sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("mark session status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM terminal_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// NextShellID returns the lowest unused shell id for a workspace,
// grounded on the Terminal Registry's nextShellId operation (spec.md §4.5).
func (s *Store) NextShellID(workspacePath string) (int, error) {
	rows, err := s.db.Query(`SELECT shell_id FROM terminal_sessions WHERE workspace_path = ? ORDER BY shell_id`, workspacePath)
	if err != nil {
		return 0, fmt.Errorf("next shell id: %w", err)
	}
	defer rows.Close()
	used := map[int]bool{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan shell id: %w", err)
		}
		used[id] = true
	}
	for id := 1; ; id++ {
		if !used[id] {
			return id, nil
		}
	}
}

const sessionSelectCols = `SELECT id, workspace_path, shell_id, role, role_key, agent, command, args_json, cwd, env_json, cols, rows, holder_pid, holder_start_ns, socket_path, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	sess := &Session{}
	var argsJSON, envJSON string
	if err := r.Scan(&sess.ID, &sess.WorkspacePath, &sess.ShellID, &sess.Role, &sess.RoleKey, &sess.Agent, &sess.Command, &argsJSON,
		&sess.CWD, &envJSON, &sess.Cols, &sess.Rows, &sess.HolderPID, &sess.HolderStartNS,
		&sess.SocketPath, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &sess.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &sess.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return sess, nil
}
