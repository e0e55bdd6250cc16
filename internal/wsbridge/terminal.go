package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/tower/internal/ptysession"
	"github.com/ehrlich-b/tower/internal/ringbuf"
)

// seqInterval is how often the server re-announces the ring buffer's
// current sequence number to an attached terminal client.
const seqInterval = 10 * time.Second

// exitInfo is queued by SendExit for the terminal loop to relay.
type exitInfo struct {
	code   int
	signal string
}

// Conn adapts one WebSocket connection to the ptysession.Client
// interface. Outbound writes are buffered and dropped under
// backpressure rather than blocking the session's broadcast loop,
// matching the high-water semantics in SPEC_FULL.md §4.2.
type Conn struct {
	id  string
	log *slog.Logger

	mu       sync.Mutex
	buffered int

	outbox chan []byte
	exitCh chan exitInfo
	closed atomic.Bool
}

// NewConn wraps clientID in a Conn ready to be attached to a Session.
func NewConn(clientID string, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		id:     clientID,
		log:    log,
		outbox: make(chan []byte, 256),
		exitCh: make(chan exitInfo, 1),
	}
}

func (c *Conn) ID() string { return c.id }

// Send enqueues a data frame, dropping it if the connection's
// outstanding buffered bytes would exceed ptysession.HighWaterMark.
func (c *Conn) Send(data []byte) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if c.buffered+len(data) > ptysession.HighWaterMark {
		c.mu.Unlock()
		c.log.Warn("wsbridge: dropping data frame, client over high-water mark", "client", c.id)
		return
	}
	c.buffered += len(data)
	c.mu.Unlock()

	select {
	case c.outbox <- encodeData(data):
	default:
		c.mu.Lock()
		c.buffered -= len(data)
		c.mu.Unlock()
		c.log.Warn("wsbridge: dropping data frame, outbox full", "client", c.id)
	}
}

// SendExit queues a single exit control frame; the terminal loop
// relays it and then closes the WebSocket with a normal-closure code.
func (c *Conn) SendExit(code int, signal string) {
	select {
	case c.exitCh <- exitInfo{code: code, signal: signal}:
	default:
	}
}

func (c *Conn) markSent(n int) {
	c.mu.Lock()
	c.buffered -= n
	if c.buffered < 0 {
		c.buffered = 0
	}
	c.mu.Unlock()
}

// ServeTerminal runs the attach protocol and I/O loop for one
// WebSocket connection against sess, blocking until the connection
// closes or ctx is cancelled. resumeSeq is nil for a fresh attach().
func ServeTerminal(ctx context.Context, ws *websocket.Conn, sess *ptysession.Session, clientID string, resumeSeq *uint64, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	conn := NewConn(clientID, log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lines []ringbuf.Line
	var ansiSnapshot []byte
	if resumeSeq != nil {
		var overflowed bool
		lines, overflowed = sess.AttachResume(conn, *resumeSeq)
		if overflowed {
			log.Info("wsbridge: resume overflowed, sending full snapshot", "client", clientID)
		}
	} else {
		lines, ansiSnapshot = sess.Attach(conn)
	}
	defer sess.Detach(clientID)

	if ansiSnapshot != nil {
		if err := ws.Write(ctx, websocket.MessageBinary, encodeData(ansiSnapshot)); err != nil {
			return err
		}
	} else if err := writeReplay(ctx, ws, lines); err != nil {
		return err
	}
	if err := writeSeq(ctx, ws, sess.CurrentSeq()); err != nil {
		return err
	}

	go pumpOutbox(ctx, ws, conn)

	reads := make(chan wsRead, 8)
	go pumpReads(ctx, ws, reads)

	ticker := time.NewTicker(seqInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ei := <-conn.exitCh:
			conn.closed.Store(true)
			writeControl(ctx, ws, "exit", map[string]any{"code": ei.code, "signal": ei.signal})
			time.Sleep(50 * time.Millisecond) // give the writer pump a chance to flush
			ws.Close(websocket.StatusNormalClosure, "session exited")
			return nil
		case <-ticker.C:
			writeSeq(ctx, ws, sess.CurrentSeq())
		case r, ok := <-reads:
			if !ok {
				return nil
			}
			if r.err != nil {
				return r.err
			}
			if typ, handled := handleInbound(sess, r.data); handled && typ == "ping" {
				writeControl(ctx, ws, "pong", nil)
			}
		}
	}
}

func writeReplay(ctx context.Context, ws *websocket.Conn, lines []ringbuf.Line) error {
	var joined []byte
	for i, l := range lines {
		if i > 0 {
			joined = append(joined, '\n')
		}
		joined = append(joined, l.Data...)
	}
	return ws.Write(ctx, websocket.MessageBinary, encodeData(joined))
}

func writeSeq(ctx context.Context, ws *websocket.Conn, seq uint64) error {
	return writeControl(ctx, ws, "seq", SeqPayload{Seq: seq})
}

func writeControl(ctx context.Context, ws *websocket.Conn, typ string, payload any) error {
	frame, err := encodeControl(typ, payload)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageBinary, frame)
}

func pumpOutbox(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-conn.outbox:
			if err := ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
			if len(frame) > 1 {
				conn.markSent(len(frame) - 1)
			}
		}
	}
}

type wsRead struct {
	data []byte
	err  error
}

func pumpReads(ctx context.Context, ws *websocket.Conn, out chan<- wsRead) {
	defer close(out)
	for {
		_, msg, err := ws.Read(ctx)
		if err != nil {
			select {
			case out <- wsRead{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- wsRead{data: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound feeds a single decoded inbound message into sess: data
// frames are terminal input, control frames are resize/ping. It
// returns the control type and whether the frame was a recognized
// control frame, so the caller can reply to pings.
func handleInbound(sess *ptysession.Session, msg []byte) (controlType string, handled bool) {
	tag, body, ok := decodeFrame(msg)
	if !ok {
		return "", false
	}
	switch tag {
	case TagData:
		sess.RecordUserInput(body)
		sess.Write(body)
	case TagControl:
		var cf ControlFrame
		if json.Unmarshal(body, &cf) != nil {
			return "", false
		}
		switch cf.Type {
		case "resize":
			var rp ResizePayload
			if json.Unmarshal(cf.Payload, &rp) == nil {
				sess.Resize(rp.Cols, rp.Rows)
			}
			return "resize", true
		case "ping":
			return "ping", true
		}
	}
	return "", false
}
