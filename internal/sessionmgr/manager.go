// Package sessionmgr implements the Session Manager from SPEC_FULL.md
// §4.4: the factory and registry of shellper.Client handles backing
// every PtySession, plus startup socket cleanup.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/tower/internal/shellper"
	"github.com/ehrlich-b/tower/internal/store"
)

// HolderSpawnFailed is returned by CreateSession when the holder never
// writes its meta frame within the handshake timeout.
var HolderSpawnFailed = shellper.HolderSpawnFailed

// RestartPolicy carries the holder's own respawn budget (SPEC_FULL.md
// §4.9); it is passed through to the holder unchanged at spawn time.
type RestartPolicy struct {
	MaxRestarts  int
	RestartDelay time.Duration
}

// CreateParams is the argument bundle for CreateSession.
type CreateParams struct {
	SessionID string
	Command   string
	Args      []string
	CWD       string
	Env       []string
	Cols      uint16
	Rows      uint16
	Restart   RestartPolicy
}

type entry struct {
	client       *shellper.Client
	socketPath   string
	pid          int
	startTime    int64
	restartTimer *time.Timer
	killed       bool
}

// Manager is the daemon-side factory and registry of shellper clients.
type Manager struct {
	store     *store.Store
	log       *slog.Logger
	socketDir string

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Manager. socketDir holds one socket file per session.
func New(st *store.Store, socketDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     st,
		log:       log,
		socketDir: socketDir,
		entries:   make(map[string]*entry),
	}
}

func (m *Manager) socketPath(sessionID string) string {
	return filepath.Join(m.socketDir, sessionID+".sock")
}

// CreateSession allocates a socket path, spawns a holder detached,
// connects to it, and returns the resulting client.
func (m *Manager) CreateSession(p CreateParams) (*shellper.Client, error) {
	c, err := shellper.Spawn(shellper.SpawnOptions{
		SessionID:    p.SessionID,
		SocketDir:    m.socketDir,
		Command:      p.Command,
		Args:         p.Args,
		CWD:          p.CWD,
		Env:          p.Env,
		Cols:         p.Cols,
		Rows:         p.Rows,
		RestartMax:   p.Restart.MaxRestarts,
		RestartDelay: p.Restart.RestartDelay,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[p.SessionID] = &entry{client: c, socketPath: m.socketPath(p.SessionID), pid: c.PID(), startTime: c.StartTime()}
	m.mu.Unlock()

	go m.watchForUnexpectedDrop(p.SessionID)
	return c, nil
}

// ReconnectSession connects to an existing socket and verifies the
// holder's (pid, start-time) capability token. Returns (nil, nil) on a
// stale response — the caller is expected to treat that as "the holder
// is gone, start a fresh session" per spec.md §4.4.
func (m *Manager) ReconnectSession(sessionID, socketPath string, expectedPID int, expectedStartTime int64) (*shellper.Client, error) {
	c, err := shellper.Reconnect(socketPath, expectedPID, expectedStartTime, 5*time.Second)
	if err != nil {
		if errors.Is(err, shellper.HolderSpawnFailed) {
			return nil, nil
		}
		return nil, err
	}
	if c.PID() != expectedPID || c.StartTime() != expectedStartTime {
		c.Close() // the holder answers the mismatched token with stale and closes
		return nil, nil
	}

	m.mu.Lock()
	m.entries[sessionID] = &entry{client: c, socketPath: socketPath, pid: c.PID(), startTime: c.StartTime()}
	m.mu.Unlock()

	go m.watchForUnexpectedDrop(sessionID)
	return c, nil
}

// watchForUnexpectedDrop blocks until the client's exit channel closes
// or reports an exit, and when it closes WITHOUT an exit payload (the
// holder process itself vanished rather than the held command exiting)
// and the session was not killed, starts a two-second timer that logs a
// warning. No reconnect is attempted. KillSession stops this timer.
func (m *Manager) watchForUnexpectedDrop(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	_, gotExit := e.client.ExitResult()
	if gotExit {
		return // clean exit frame: the holder itself reported it, nothing to retry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[sessionID]
	if !ok || cur.killed {
		return
	}
	cur.restartTimer = time.AfterFunc(2*time.Second, func() {
		m.log.Warn("sessionmgr: holder connection dropped without exit frame", "session", sessionID)
	})
}

// GetSessionInfo returns the last observed socket path, holder pid, and
// holder start time for sessionID.
func (m *Manager) GetSessionInfo(sessionID string) (socketPath string, pid int, startTime int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return "", 0, 0, false
	}
	return e.socketPath, e.pid, e.startTime, true
}

// KillSession stops any pending drop timer (see watchForUnexpectedDrop)
// and marks the entry killed before sending kill. The holder itself
// never respawns a child it was told to kill.
func (m *Manager) KillSession(sessionID string) error {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sessionmgr: unknown session %q", sessionID)
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.killed = true
	c := e.client
	m.mu.Unlock()

	return c.Kill(context.Background())
}

// Forget drops sessionID from the in-memory registry without killing
// it, used once a PtySession has reported its own exit and the record
// no longer needs tracking.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// CleanupStaleSockets walks the socket directory on daemon startup and
// removes any socket file whose durable session record points at a pid
// that is no longer alive. It returns the number removed.
func (m *Manager) CleanupStaleSockets() (int, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("sessionmgr: list sessions: %w", err)
	}
	byPath := make(map[string]*store.Session, len(sessions))
	for _, s := range sessions {
		byPath[s.SocketPath] = s
	}

	entries, err := os.ReadDir(m.socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("sessionmgr: read socket dir: %w", err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".sock") {
			continue
		}
		path := filepath.Join(m.socketDir, de.Name())
		sess, known := byPath[path]
		if known && shellper.HolderAlive(sess.HolderPID) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			continue
		}
		if known {
			if err := m.store.DeleteSession(sess.ID); err != nil {
				return removed, fmt.Errorf("sessionmgr: delete stale session record: %w", err)
			}
		}
		removed++
	}
	return removed, nil
}

// Shutdown intentionally does NOT disconnect sockets: the OS closes the
// fds on process exit and holders survive for the next reconciliation
// pass to pick back up.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.restartTimer != nil {
			e.restartTimer.Stop()
		}
	}
}
