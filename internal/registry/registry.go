// Package registry implements the Terminal Registry from SPEC_FULL.md
// §4.5: an in-memory, workspace-keyed mirror of every live PTY session,
// write-through mirrored to the durable store.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/tower/internal/ptysession"
	"github.com/ehrlich-b/tower/internal/store"
)

// Role mirrors store.Session.Role (spec.md §3).
const (
	RoleArchitect = "architect"
	RoleBuilder   = "builder"
	RoleShell     = "shell"
)

// FileTab is the in-memory mirror of a store.FileTab.
type FileTab struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// Entry is a single workspace's live terminal set.
type Entry struct {
	Workspace string
	Architect string            // PtySession id, or "" if none
	Builders  map[string]string // roleKey -> PtySession id
	Shells    map[string]string // roleKey -> PtySession id
	FileTabs  map[string]FileTab

	sessions map[string]*ptysession.Session // PtySession id -> session, for resolution
}

func newEntry(workspace string) *Entry {
	return &Entry{
		Workspace: workspace,
		Builders:  make(map[string]string),
		Shells:    make(map[string]string),
		FileTabs:  make(map[string]FileTab),
		sessions:  make(map[string]*ptysession.Session),
	}
}

// Registry is the authoritative in-memory mirror of durable session
// records, write-through mirrored to store on every mutation.
type Registry struct {
	store *store.Store

	mu      sync.Mutex
	entries map[string]*Entry
}

// New constructs an empty Registry backed by st.
func New(st *store.Store) *Registry {
	return &Registry{store: st, entries: make(map[string]*Entry)}
}

// CanonicalPath resolves p through the OS realpath facility, matching
// spec.md §4.5's path canonicalization rule.
func CanonicalPath(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("registry: canonicalize %q: %w", p, err)
	}
	return filepath.Clean(real), nil
}

// IsTempPath reports whether p falls under the OS temp root (or its
// realpath equivalent), excluding it from persistence entirely.
func IsTempPath(p string) bool {
	tmp := os.TempDir()
	realTmp, err := filepath.EvalSymlinks(tmp)
	if err != nil {
		realTmp = tmp
	}
	for _, root := range []string{tmp, realTmp} {
		root = filepath.Clean(root)
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// GetOrCreateEntry returns the workspace's entry, hydrating fileTabs
// from the durable store on first access in this daemon's lifetime.
func (r *Registry) GetOrCreateEntry(workspace string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workspace]; ok {
		return e, nil
	}
	e := newEntry(workspace)
	if r.store != nil {
		tabs, err := r.store.ListFileTabs(workspace)
		if err != nil {
			return nil, fmt.Errorf("registry: hydrate file tabs: %w", err)
		}
		for _, t := range tabs {
			e.FileTabs[t.ID] = FileTab{ID: t.ID, Path: t.FilePath, CreatedAt: t.CreatedAt}
		}
	}
	r.entries[workspace] = e
	return e, nil
}

// HasEntry reports whether workspace currently has a live in-memory
// entry, without the side effect of creating one.
func (r *Registry) HasEntry(workspace string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[workspace]
	return ok
}

// Counts summarizes one workspace's live terminal set for status reporting.
type Counts struct {
	HasArchitect bool
	Builders     int
	Shells       int
}

// EntryCounts returns workspace's live terminal counts. The second
// return is false if the workspace has no in-memory entry.
func (r *Registry) EntryCounts(workspace string) (Counts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[workspace]
	if !ok {
		return Counts{}, false
	}
	return Counts{HasArchitect: e.Architect != "", Builders: len(e.Builders), Shells: len(e.Shells)}, true
}

// RegisterParams carries everything registerTerminal needs to create
// both the in-memory entry and its durable twin.
type RegisterParams struct {
	Workspace  string
	Role       string
	RoleKey    string // empty for architect
	Session    *ptysession.Session
	ShellID    int
	Command    string
	Args       []string
	CWD        string
	Env        map[string]string
	Cols, Rows int
	HolderPID     int
	HolderStartNS int64
	SocketPath    string
}

// RegisterTerminal adds ptySession to workspace's entry and writes a
// durable session record. It refuses to write the durable record (and
// returns an error) if the workspace has been removed from the
// in-memory map concurrently — a stop racing an in-flight create.
func (r *Registry) RegisterTerminal(p RegisterParams) error {
	r.mu.Lock()
	e, ok := r.entries[p.Workspace]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: workspace %q no longer registered, refusing zombie write", p.Workspace)
	}
	switch p.Role {
	case RoleArchitect:
		e.Architect = p.Session.ID
	case RoleBuilder:
		e.Builders[p.RoleKey] = p.Session.ID
	case RoleShell:
		e.Shells[p.RoleKey] = p.Session.ID
	default:
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown role %q", p.Role)
	}
	e.sessions[p.Session.ID] = p.Session
	r.mu.Unlock()

	if r.store == nil || IsTempPath(p.Workspace) {
		return nil
	}
	return r.store.UpsertSession(&store.Session{
		ID:            p.Session.ID,
		WorkspacePath: p.Workspace,
		ShellID:       p.ShellID,
		Role:          p.Role,
		RoleKey:       p.RoleKey,
		Agent:         p.Session.Agent,
		Command:       p.Command,
		Args:          p.Args,
		CWD:           p.CWD,
		Env:           p.Env,
		Cols:          p.Cols,
		Rows:          p.Rows,
		HolderPID:     p.HolderPID,
		HolderStartNS: p.HolderStartNS,
		SocketPath:    p.SocketPath,
		Status:        "running",
	})
}

// UnregisterTerminal removes sessionID from workspace's entry and
// marks its durable record deleted. Idempotent.
func (r *Registry) UnregisterTerminal(workspace, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[workspace]
	if ok {
		if e.Architect == sessionID {
			e.Architect = ""
		}
		for k, v := range e.Builders {
			if v == sessionID {
				delete(e.Builders, k)
			}
		}
		for k, v := range e.Shells {
			if v == sessionID {
				delete(e.Shells, k)
			}
		}
		delete(e.sessions, sessionID)
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteSession(sessionID); err != nil {
		return fmt.Errorf("registry: delete durable session: %w", err)
	}
	return nil
}

// NextShellID returns one greater than the maximum numeric role-key
// suffix currently registered for workspace among shell roles.
func (r *Registry) NextShellID(workspace string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[workspace]
	if !ok {
		return 1
	}
	max := 0
	for k := range e.Shells {
		if n := numericSuffix(k); n > max {
			max = n
		}
	}
	return max + 1
}

func numericSuffix(roleKey string) int {
	idx := strings.LastIndexByte(roleKey, '-')
	if idx < 0 || idx == len(roleKey)-1 {
		return 0
	}
	n, err := strconv.Atoi(roleKey[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// Session looks up a live PtySession by id within workspace.
func (r *Registry) Session(workspace, sessionID string) (*ptysession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[workspace]
	if !ok {
		return nil, false
	}
	s, ok := e.sessions[sessionID]
	return s, ok
}

// FindSession scans every workspace entry for sessionID, returning its
// workspace path alongside the session. Used by HTTP handlers that
// only have a bare terminal id to work with.
func (r *Registry) FindSession(sessionID string) (workspace string, sess *ptysession.Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w, e := range r.entries {
		if s, found := e.sessions[sessionID]; found {
			return w, s, true
		}
	}
	return "", nil, false
}

// Remove drops workspace's entry entirely (e.g. after the workspace
// has been deactivated or swept by reconciliation).
func (r *Registry) Remove(workspace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, workspace)
}

// Workspaces returns the set of currently registered workspace paths.
func (r *Registry) Workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for w := range r.entries {
		out = append(out, w)
	}
	return out
}
