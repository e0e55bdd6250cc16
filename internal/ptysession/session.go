// Package ptysession implements the PTY Session contract from
// SPEC_FULL.md §4.2: a single-writer-discipline wrapper around a
// pseudoterminal (owned either directly by an *os.File or, for
// durable sessions, via a shellper client), fanning output out to
// attached clients while enforcing per-client backpressure.
package ptysession

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/tower/internal/ringbuf"
	"github.com/ehrlich-b/tower/internal/vterm"
)

// Status is the lifecycle state of a Session. It transitions from
// StatusRunning to StatusExited exactly once.
type Status int32

const (
	StatusRunning Status = iota
	StatusExited
)

// HighWaterMark is the per-client outbound buffer cap (~1 MiB) past
// which data frames are dropped rather than queued (SPEC_FULL.md §4.2).
const HighWaterMark = 1 << 20

// KillGrace is the default delay before a requested kill escalates to
// a forced kill.
const KillGrace = 500 * time.Millisecond

// PTY abstracts the underlying pseudoterminal, whether owned in-process
// or proxied through a shellper client (internal/shellper.Client
// satisfies this interface). Read behaves like io.Reader: it blocks
// until data is available and returns io.EOF (or another error) once
// the underlying process/connection is gone.
type PTY interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill(ctx context.Context) error
	Read(p []byte) (int, error)
}

// Client is a fan-out target. Send must never block the session's read
// loop; implementations enforce their own high-water mark.
type Client interface {
	ID() string
	Send(data []byte) // best-effort; drop under backpressure
	SendExit(code int, signal string)
}

// Session wraps a PTY and fans its output to attached Clients.
type Session struct {
	ID    string
	Agent string

	pty   PTY
	ring  *ringbuf.Buffer
	vt    *vterm.VTerm
	log   *slog.Logger

	mu       sync.Mutex
	clients  map[string]Client
	status   Status
	cols     uint16
	rows     uint16
	exitCode int
	exitSig  string

	lastDataAt atomic.Int64 // unix nanos, updated by recordUserInput
	composing  atomic.Bool

	inbox  chan func()
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a Session around pty. It does not start the read loop:
// the caller is responsible for calling Run in a goroutine.
func New(id, agent string, pty PTY, bufCapacity int, cols, rows uint16, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ID:      id,
		Agent:   agent,
		pty:     pty,
		ring:    ringbuf.New(bufCapacity),
		log:     log,
		clients: make(map[string]Client),
		cols:    cols,
		rows:    rows,
		inbox:   make(chan func(), 64),
		done:    make(chan struct{}),
	}
	s.lastDataAt.Store(time.Now().UnixNano())
	return s
}

// EnableVTerm turns on the optional VT100-emulated attach path
// (SPEC_FULL.md §4.10): a session created with renderMode "vterm" has
// its output additionally fed through a real terminal emulator, so a
// fresh (non-resumed) attach can be served a rendered screen +
// scrollback instead of the raw line ring buffer. Must be called
// before Run starts; it is a no-op if called twice.
func (s *Session) EnableVTerm() {
	if s.vt != nil {
		return
	}
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	s.vt = vterm.New(int(cols), int(rows))
}

type readResult struct {
	data []byte
	err  error
}

// Run is the session's single-writer loop: it owns all state
// transitions and fan-out. A dedicated goroutine performs blocking
// PTY reads and feeds them in over a channel so this loop can also
// service the write/resize inbox without the two contending on a
// single blocking call. Call Run once, in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer close(s.done)
	defer func() {
		if s.vt != nil {
			s.vt.Close()
		}
	}()

	reads := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := s.pty.Read(buf)
			out := readResult{err: err}
			if n > 0 {
				out.data = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- out:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.inbox:
			fn()
			if s.Status() == StatusExited {
				return
			}
		case r := <-reads:
			if len(r.data) > 0 {
				s.ring.Append(r.data)
				if s.vt != nil {
					s.vt.Write(r.data)
				}
				s.broadcast(r.data)
			}
			if r.err != nil {
				s.markExited(-1, "")
				return
			}
		}
	}
}

func (s *Session) broadcast(data []byte) {
	s.mu.Lock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Send(data)
	}
}

func (s *Session) markExited(code int, signal string) {
	s.mu.Lock()
	already := s.status == StatusExited
	if !already {
		s.status = StatusExited
		s.exitCode = code
		s.exitSig = signal
	}
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if already {
		return
	}
	for _, c := range clients {
		c.SendExit(code, signal)
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Write forwards bytes to the PTY. It never blocks for more than a
// bounded time: if the inbox is full the write is dropped with a
// warning log rather than buffered without bound.
func (s *Session) Write(p []byte) {
	cp := append([]byte(nil), p...)
	select {
	case s.inbox <- func() { s.doWrite(cp) }:
	case <-time.After(50 * time.Millisecond):
		s.log.Warn("ptysession: dropping input, inbox full", "session", s.ID)
	}
}

func (s *Session) doWrite(p []byte) {
	if s.Status() == StatusExited {
		return
	}
	if _, err := s.pty.Write(p); err != nil {
		s.log.Warn("ptysession: write failed", "session", s.ID, "err", err)
	}
}

// Resize forwards a resize request and persists the last size.
func (s *Session) Resize(cols, rows uint16) {
	select {
	case s.inbox <- func() {
		s.mu.Lock()
		s.cols, s.rows = cols, rows
		s.mu.Unlock()
		if s.vt != nil {
			s.vt.Resize(int(cols), int(rows))
		}
		if err := s.pty.Resize(cols, rows); err != nil {
			s.log.Warn("ptysession: resize failed", "session", s.ID, "err", err)
		}
	}:
	case <-time.After(50 * time.Millisecond):
	}
}

// Size returns the last known terminal dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Kill requests orderly termination; after KillGrace the underlying
// PTY is asked to force-kill. Kill is idempotent: a second call is a
// no-op once the session has exited.
func (s *Session) Kill(ctx context.Context) {
	if s.Status() == StatusExited {
		return
	}
	killCtx, cancel := context.WithTimeout(ctx, KillGrace)
	defer cancel()
	if err := s.pty.Kill(killCtx); err != nil {
		s.log.Warn("ptysession: kill failed", "session", s.ID, "err", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.markExited(-1, "killed")
}

// Attach adds client to the fan-out set and returns the initial
// payload to replay. If EnableVTerm was called for this session,
// ansiSnapshot carries a rendered-screen-plus-scrollback repaint and
// lines is nil; otherwise lines carries the plain ring-buffer
// snapshot required by SPEC_FULL.md §4.1. If the session has already
// exited, the caller MUST immediately deliver an exit frame (SendExit
// is called synchronously here to satisfy that invariant).
func (s *Session) Attach(c Client) (lines []ringbuf.Line, ansiSnapshot []byte) {
	var snap []ringbuf.Line
	if s.vt == nil {
		snap = s.ring.Snapshot()
	}
	s.mu.Lock()
	s.clients[c.ID()] = c
	exited := s.status == StatusExited
	code, sig := s.exitCode, s.exitSig
	s.mu.Unlock()
	if exited {
		c.SendExit(code, sig)
	}
	if s.vt != nil {
		return nil, s.vt.Snapshot()
	}
	return snap, nil
}

// AttachResume returns since(seq), or on overflow a full ring-buffer
// snapshot (the caller is expected to prefix a resync marker), and
// adds client to the fan-out set. Resume always uses the line ring
// buffer even on a vterm-enabled session, because sequence numbers
// are only defined over it (SPEC_FULL.md §4.10).
func (s *Session) AttachResume(c Client, seq uint64) (lines []ringbuf.Line, overflowed bool) {
	since, err := s.ring.Since(seq)
	s.mu.Lock()
	s.clients[c.ID()] = c
	exited := s.status == StatusExited
	code, sig := s.exitCode, s.exitSig
	s.mu.Unlock()
	if exited {
		c.SendExit(code, sig)
	}
	if err == ringbuf.Overflow {
		return s.ring.Snapshot(), true
	}
	return since, false
}

// Detach removes c from the fan-out set. Idempotent.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// CurrentSeq exposes the ring buffer's sequence counter for heartbeat frames.
func (s *Session) CurrentSeq() uint64 {
	return s.ring.CurrentSeq()
}

// RecordUserInput marks lastDataAt and updates composing state per the
// newline heuristic: input containing a CR or LF stops composing;
// anything else starts it.
func (s *Session) RecordUserInput(p []byte) {
	s.lastDataAt.Store(time.Now().UnixNano())
	if bytes.ContainsAny(p, "\r\n") {
		s.composing.Store(false)
	} else if len(p) > 0 {
		s.composing.Store(true)
	}
}

// IsUserIdle reports whether lastDataAt is at least threshold in the past.
func (s *Session) IsUserIdle(threshold time.Duration) bool {
	last := time.Unix(0, s.lastDataAt.Load())
	return time.Since(last) >= threshold
}

// IsComposing reports the current composing flag.
func (s *Session) IsComposing() bool {
	return s.composing.Load()
}

// String implements fmt.Stringer for log lines.
func (s *Session) String() string {
	return fmt.Sprintf("ptysession(%s,%s)", s.ID, s.Agent)
}
