package shellper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/tower/internal/ringbuf"
)

// HolderConfig describes how to spawn and supervise the child process.
// It is carried over the command line of the re-exec'd holder process
// (see cmd/towerd's hidden "shellper-holder" subcommand), grounded on
// the teacher's cmd/wt "egg run" hidden subcommand.
type HolderConfig struct {
	SocketPath   string
	Command      string
	Args         []string
	CWD          string
	Env          []string
	Cols, Rows   uint16
	RingCapacity int
	MaxRestarts  int
	RestartDelay time.Duration
}

// RunHolder opens SocketPath, spawns Command, and serves the shellper
// protocol until the child exits with no restart budget left (or after
// a kill), then closes the listener and removes the socket. It never
// returns until the holder should exit.
func RunHolder(cfg HolderConfig, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 2000
	}

	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("shellper: listen %s: %w", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)
	defer ln.Close()

	h := &holder{
		cfg:      cfg,
		log:      log,
		ring:     ringbuf.New(cfg.RingCapacity),
		pid:      os.Getpid(),
		start:    time.Now().Unix(),
		shutdown: make(chan struct{}),
	}

	if err := h.spawn(); err != nil {
		return fmt.Errorf("shellper: initial spawn: %w", err)
	}
	go h.pumpOutput()
	go h.watchChild()
	go func() {
		<-h.shutdown
		ln.Close() // unblocks Accept so RunHolder returns
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-h.shutdown:
				return nil
			default:
				return fmt.Errorf("shellper: accept: %w", err)
			}
		}
		go h.serveConn(conn)
	}
}

type holder struct {
	cfg   HolderConfig
	log   *slog.Logger
	ring  *ringbuf.Buffer
	pid   int
	start int64

	mu          sync.Mutex
	ptmx        *pollClosable
	restarts    int
	clientConns []*frameWriter
	shutdown    chan struct{}

	killRequested atomic.Bool
}

func (h *holder) spawn() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	local, err := startChild(h.cfg)
	if err != nil {
		return err
	}
	h.ptmx = local
	return nil
}

func (h *holder) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		h.mu.Lock()
		ptmx := h.ptmx
		h.mu.Unlock()
		if ptmx == nil {
			return
		}
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			h.ring.Append(data)
			h.broadcast(FrameData, data)
		}
		if err != nil {
			return
		}
	}
}

func (h *holder) watchChild() {
	for {
		h.mu.Lock()
		ptmx := h.ptmx
		h.mu.Unlock()
		if ptmx == nil {
			return
		}
		code, sig := ptmx.Wait()
		h.mu.Lock()
		restartsLeft := h.restarts < h.cfg.MaxRestarts
		h.mu.Unlock()
		if h.killRequested.Load() || !restartsLeft {
			payload, _ := json.Marshal(ExitPayload{Code: code, Signal: sig})
			h.broadcast(FrameExit, payload)
			close(h.shutdown)
			return
		}
		time.Sleep(h.cfg.RestartDelay)
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		if err := h.spawn(); err != nil {
			h.log.Error("shellper: restart failed", "err", err)
			payload, _ := json.Marshal(ExitPayload{Code: -1, Signal: "spawn-failed"})
			h.broadcast(FrameExit, payload)
			close(h.shutdown)
			return
		}
		go h.pumpOutput()
	}
}

func (h *holder) broadcast(kind FrameKind, payload []byte) {
	h.mu.Lock()
	conns := append([]*frameWriter(nil), h.clientConns...)
	h.mu.Unlock()
	for _, c := range conns {
		c.writeFrame(kind, payload)
	}
}

func (h *holder) addConn(fw *frameWriter) {
	h.mu.Lock()
	h.clientConns = append(h.clientConns, fw)
	h.mu.Unlock()
}

func (h *holder) removeConn(fw *frameWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.clientConns {
		if c == fw {
			h.clientConns = append(h.clientConns[:i], h.clientConns[i+1:]...)
			return
		}
	}
}

func (h *holder) serveConn(conn net.Conn) {
	defer conn.Close()
	fw := newFrameWriter(conn)
	fr := newFrameReader(conn)

	meta, _ := json.Marshal(MetaPayload{PID: h.pid, StartTime: h.start, SocketPath: h.cfg.SocketPath})
	if err := fw.writeFrame(FrameMeta, meta); err != nil {
		return
	}
	snap := h.ring.Snapshot()
	for _, l := range snap {
		fw.writeFrame(FrameData, append(l.Data, '\n'))
	}
	h.addConn(fw)
	defer h.removeConn(fw)

	for {
		kind, payload, err := fr.readFrame()
		if err != nil {
			return
		}
		switch kind {
		case FrameWrite:
			h.mu.Lock()
			ptmx := h.ptmx
			h.mu.Unlock()
			if ptmx != nil {
				ptmx.Write(payload)
			}
		case FrameResize:
			var rp ResizePayload
			if json.Unmarshal(payload, &rp) == nil {
				h.mu.Lock()
				ptmx := h.ptmx
				h.mu.Unlock()
				if ptmx != nil {
					ptmx.Resize(rp.Cols, rp.Rows)
				}
			}
		case FrameKill:
			// Set before Kill so watchChild, which races this goroutine
			// to observe the exit, never sees a stale false and
			// respawns a deliberately killed child (spec.md §4.4,
			// §4.9's restart-only-on-non-killed rule).
			h.killRequested.Store(true)
			h.mu.Lock()
			ptmx := h.ptmx
			h.mu.Unlock()
			if ptmx != nil {
				ptmx.Kill()
			}
		case FrameReconnect:
			var rc ReconnectPayload
			if json.Unmarshal(payload, &rc) != nil || rc.ExpectedPID != h.pid || rc.ExpectedStartTime != h.start {
				fw.writeFrame(FrameStale, nil)
				return
			}
			// pid/start match: this connection is now the active client;
			// nothing else to do, it already received meta+snapshot above.
		case FramePing:
			fw.writeFrame(FramePong, nil)
		}
	}
}

// pollClosable wraps the local pty with a Wait() that reports exit
// code/signal, used only inside the holder process.
type pollClosable struct {
	ptmx *os.File
	proc *osProcess
}

func startChild(cfg HolderConfig) (*pollClosable, error) {
	c, ptmx, err := spawnPTY(cfg)
	if err != nil {
		return nil, err
	}
	return &pollClosable{ptmx: ptmx, proc: c}, nil
}

func (p *pollClosable) Read(b []byte) (int, error)      { return p.ptmx.Read(b) }
func (p *pollClosable) Write(b []byte) (int, error)     { return p.ptmx.Write(b) }
func (p *pollClosable) Resize(cols, rows uint16) error  { return setWinsize(p.ptmx, cols, rows) }
func (p *pollClosable) Kill()                           { p.proc.Kill() }
func (p *pollClosable) Wait() (code int, signal string) { return p.proc.Wait() }
