package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tower.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one migration applied")
	}
}

func TestUpsertGetSession(t *testing.T) {
	s := openTestStore(t)
	sess := &Session{
		ID:            "sess-1",
		WorkspacePath: "/repos/foo",
		ShellID:       1,
		Command:       "bash",
		Args:          []string{"-l"},
		CWD:           "/repos/foo",
		Env:           map[string]string{"FOO": "bar"},
		Cols:          80,
		Rows:          24,
		HolderPID:     1234,
		Status:        "running",
	}
	if err := s.UpsertSession(sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil")
	}
	if got.Command != "bash" || got.Env["FOO"] != "bar" || len(got.Args) != 1 {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	sess.Status = "exited"
	if err := s.UpsertSession(sess); err != nil {
		t.Fatalf("UpsertSession (update): %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.Status != "exited" {
		t.Errorf("Status = %q, want exited", got.Status)
	}
}

func TestGetSessionMissingReturnsNilNoError(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	s := openTestStore(t)
	for i, status := range []string{"running", "running", "exited"} {
		sess := &Session{
			ID:            "sess-" + string(rune('a'+i)),
			WorkspacePath: "/repos/foo",
			ShellID:       i + 1,
			Command:       "bash",
			CWD:           "/repos/foo",
			Status:        status,
		}
		if err := s.UpsertSession(sess); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
	}
	running, err := s.ListSessionsByStatus("running")
	if err != nil {
		t.Fatalf("ListSessionsByStatus: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("len(running) = %d, want 2", len(running))
	}
}

func TestNextShellIDFillsGaps(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []int{1, 2, 4} {
		sess := &Session{ID: "s" + string(rune('0'+id)), WorkspacePath: "/ws", ShellID: id, Command: "bash", CWD: "/ws", Status: "running"}
		if err := s.UpsertSession(sess); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
	}
	next, err := s.NextShellID("/ws")
	if err != nil {
		t.Fatalf("NextShellID: %v", err)
	}
	if next != 3 {
		t.Errorf("NextShellID = %d, want 3 (fill the gap)", next)
	}
}

func TestKnownWorkspaceUpsertPreservesLabel(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertKnownWorkspace("/repos/foo", "Foo"); err != nil {
		t.Fatalf("UpsertKnownWorkspace: %v", err)
	}
	if err := s.UpsertKnownWorkspace("/repos/foo", ""); err != nil {
		t.Fatalf("UpsertKnownWorkspace (no label): %v", err)
	}
	w, err := s.GetKnownWorkspace("/repos/foo")
	if err != nil {
		t.Fatalf("GetKnownWorkspace: %v", err)
	}
	if w.Label != "Foo" {
		t.Errorf("Label = %q, want Foo (should be preserved on empty update)", w.Label)
	}
}

func TestFileTabLifecycle(t *testing.T) {
	s := openTestStore(t)
	tab := &FileTab{ID: "tab-1", WorkspacePath: "/repos/foo", FilePath: "main.go", Position: 0}
	if err := s.UpsertFileTab(tab); err != nil {
		t.Fatalf("UpsertFileTab: %v", err)
	}
	tabs, err := s.ListFileTabs("/repos/foo")
	if err != nil {
		t.Fatalf("ListFileTabs: %v", err)
	}
	if len(tabs) != 1 || tabs[0].FilePath != "main.go" {
		t.Fatalf("tabs = %+v", tabs)
	}
	if err := s.DeleteFileTab("tab-1"); err != nil {
		t.Fatalf("DeleteFileTab: %v", err)
	}
	tabs, _ = s.ListFileTabs("/repos/foo")
	if len(tabs) != 0 {
		t.Errorf("expected 0 tabs after delete, got %d", len(tabs))
	}
}
