// Package reconcile implements the startup reconciliation protocol
// from SPEC_FULL.md §4.6: on daemon start, before any HTTP traffic is
// accepted, reattach to every durable session record's shellper
// holder where possible, and sweep anything left over.
package reconcile

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/tower/internal/ptysession"
	"github.com/ehrlich-b/tower/internal/registry"
	"github.com/ehrlich-b/tower/internal/sessionmgr"
	"github.com/ehrlich-b/tower/internal/store"
)

// RestartPolicyFor maps a session role to a restart policy. New stores
// it, but Run does not use it: ReconnectSession takes no policy, so a
// reconnected holder keeps the restart budget it was spawned with,
// whatever the session's role.
type RestartPolicyFor func(role string) sessionmgr.RestartPolicy

// Counters tallies the outcome of a reconciliation pass, logged once
// at the end per spec.md §4.6.
type Counters struct {
	ReconnectedViaHolder int
	Killed               int
	StaleCleaned         int
}

// Reconciler owns the reentrancy guard that disables on-the-fly
// reconnection (registry.GetOrCreateEntry's hydrate path) while a
// sweep is in progress.
type Reconciler struct {
	store    *store.Store
	reg      *registry.Registry
	mgr      *sessionmgr.Manager
	log      *slog.Logger
	policy   RestartPolicyFor
	running  atomic.Bool
	bufCap   int

	// OnSessionReady is called for each PtySession created during Phase
	// A so the caller can start its Run loop and wire exit handling;
	// reconcile itself only constructs the session and registers it.
	OnSessionReady func(workspace string, sess *ptysession.Session, role, roleKey string, shellID int)
}

// New constructs a Reconciler. bufCapacity sizes each reconstructed
// PtySession's ring buffer (only used as a ceiling; the actual replay
// data seeds it directly).
func New(st *store.Store, reg *registry.Registry, mgr *sessionmgr.Manager, bufCapacity int, policy RestartPolicyFor, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if policy == nil {
		policy = func(string) sessionmgr.RestartPolicy { return sessionmgr.RestartPolicy{} }
	}
	return &Reconciler{store: st, reg: reg, mgr: mgr, log: log, policy: policy, bufCap: bufCapacity}
}

// Disabled reports whether on-the-fly reconnection should be refused
// because a sweep is in progress (spec.md §4.6's reentrancy guard).
func (r *Reconciler) Disabled() bool {
	return r.running.Load()
}

// Run executes Phase A (holder reconnection) followed by Phase B
// (stale sweep) exactly once, and logs the resulting Counters.
func (r *Reconciler) Run() (Counters, error) {
	r.running.Store(true)
	defer r.running.Store(false)

	var c Counters
	sessions, err := r.store.ListSessions()
	if err != nil {
		return c, fmt.Errorf("reconcile: list sessions: %w", err)
	}

	reconnected := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.SocketPath == "" || sess.HolderPID == 0 {
			continue // no holder coordinates: nothing to reconnect to
		}
		ok, err := r.reconnectOne(sess, &c)
		if err != nil {
			r.log.Warn("reconcile: phase A error", "session", sess.ID, "err", err)
		}
		if ok {
			reconnected[sess.ID] = true
			c.ReconnectedViaHolder++
		}
	}

	// Phase B: sweep everything Phase A didn't claim.
	sessions, err = r.store.ListSessions()
	if err != nil {
		return c, fmt.Errorf("reconcile: re-list sessions: %w", err)
	}
	for _, sess := range sessions {
		if reconnected[sess.ID] {
			continue
		}
		if sess.HolderPID != 0 && processAlive(sess.HolderPID) {
			sendTerm(sess.HolderPID)
			c.Killed++
		}
		if err := r.store.DeleteSession(sess.ID); err != nil {
			r.log.Warn("reconcile: delete stale record", "session", sess.ID, "err", err)
			continue
		}
		c.StaleCleaned++
	}

	r.log.Info("reconcile: complete",
		"reconnected", c.ReconnectedViaHolder, "killed", c.Killed, "stale_cleaned", c.StaleCleaned)
	return c, nil
}

// reconnectOne implements Phase A steps 2-5 for a single record.
func (r *Reconciler) reconnectOne(sess *store.Session, c *Counters) (bool, error) {
	if _, err := os.Stat(sess.WorkspacePath); err != nil || registry.IsTempPath(sess.WorkspacePath) {
		if sess.HolderPID != 0 && processAlive(sess.HolderPID) {
			sendTerm(sess.HolderPID)
			c.Killed++
		}
		if err := r.store.DeleteSession(sess.ID); err != nil {
			return false, fmt.Errorf("delete record for missing workspace: %w", err)
		}
		c.StaleCleaned++
		return false, nil
	}

	client, err := r.mgr.ReconnectSession(sess.ID, sess.SocketPath, sess.HolderPID, sess.HolderStartNS)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, nil // stale: fall through to Phase B
	}

	newID := sess.ID // the durable record's id is rewritten in place, not duplicated
	newSess := ptysession.New(newID, sess.Agent, client, r.bufCap, uint16(sess.Cols), uint16(sess.Rows), r.log)

	if _, err := r.reg.GetOrCreateEntry(sess.WorkspacePath); err != nil {
		return false, fmt.Errorf("hydrate workspace entry: %w", err)
	}
	if err := r.reg.RegisterTerminal(registry.RegisterParams{
		Workspace:     sess.WorkspacePath,
		Role:          sess.Role,
		RoleKey:       sess.RoleKey,
		Session:       newSess,
		ShellID:       sess.ShellID,
		Command:       sess.Command,
		Args:          sess.Args,
		CWD:           sess.CWD,
		Env:           sess.Env,
		Cols:          sess.Cols,
		Rows:          sess.Rows,
		HolderPID:     client.PID(),
		HolderStartNS: client.StartTime(),
		SocketPath:    sess.SocketPath,
	}); err != nil {
		return false, fmt.Errorf("register reconnected terminal: %w", err)
	}

	if r.OnSessionReady != nil {
		r.OnSessionReady(sess.WorkspacePath, newSess, sess.Role, sess.RoleKey, sess.ShellID)
	}
	return true, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func sendTerm(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Signal(syscall.SIGTERM)
}
