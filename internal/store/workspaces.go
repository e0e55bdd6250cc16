package store

import (
	"database/sql"
	"fmt"
	"time"
)

// KnownWorkspace is a workspace root the daemon has seen before. The
// HTTP API records one on workspace activation and lists them; address
// resolution does not consult this table.
type KnownWorkspace struct {
	Path       string
	Label      string
	LastSeenAt time.Time
	CreatedAt  time.Time
}

func (s *Store) UpsertKnownWorkspace(path, label string) error {
	_, err := s.db.Exec(`INSERT INTO known_workspaces (path, label, last_seen_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			label = CASE WHEN excluded.label != '' THEN excluded.label ELSE known_workspaces.label END,
			last_seen_at = CURRENT_TIMESTAMP`, path, label)
	if err != nil {
		return fmt.Errorf("upsert known workspace: %w", err)
	}
	return nil
}

func (s *Store) ListKnownWorkspaces() ([]*KnownWorkspace, error) {
	rows, err := s.db.Query(`SELECT path, label, last_seen_at, created_at FROM known_workspaces ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list known workspaces: %w", err)
	}
	defer rows.Close()
	var out []*KnownWorkspace
	for rows.Next() {
		w := &KnownWorkspace{}
		if err := rows.Scan(&w.Path, &w.Label, &w.LastSeenAt, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan known workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetKnownWorkspace(path string) (*KnownWorkspace, error) {
	w := &KnownWorkspace{}
	err := s.db.QueryRow(`SELECT path, label, last_seen_at, created_at FROM known_workspaces WHERE path = ?`, path).
		Scan(&w.Path, &w.Label, &w.LastSeenAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get known workspace: %w", err)
	}
	return w, nil
}

func (s *Store) DeleteKnownWorkspace(path string) error {
	_, err := s.db.Exec(`DELETE FROM known_workspaces WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete known workspace: %w", err)
	}
	return nil
}

// FileTab is an open file tab record, part of the UI state persisted
// per workspace so a browser client reattaching after a daemon restart
// can restore its open-tabs bar.
type FileTab struct {
	ID            string
	WorkspacePath string
	FilePath      string
	Position      int
	CreatedAt     time.Time
}

func (s *Store) UpsertFileTab(t *FileTab) error {
	_, err := s.db.Exec(`INSERT INTO file_tabs (id, workspace_path, file_path, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			position = excluded.position`, t.ID, t.WorkspacePath, t.FilePath, t.Position)
	if err != nil {
		return fmt.Errorf("upsert file tab: %w", err)
	}
	return nil
}

func (s *Store) ListFileTabs(workspacePath string) ([]*FileTab, error) {
	rows, err := s.db.Query(`SELECT id, workspace_path, file_path, position, created_at
		FROM file_tabs WHERE workspace_path = ? ORDER BY position`, workspacePath)
	if err != nil {
		return nil, fmt.Errorf("list file tabs: %w", err)
	}
	defer rows.Close()
	var out []*FileTab
	for rows.Next() {
		t := &FileTab{}
		if err := rows.Scan(&t.ID, &t.WorkspacePath, &t.FilePath, &t.Position, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file tab: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFileTab(id string) error {
	_, err := s.db.Exec(`DELETE FROM file_tabs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file tab: %w", err)
	}
	return nil
}
