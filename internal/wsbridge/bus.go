package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/tower/internal/address"
)

// MessageBus implements address.Bus: it fans out dispatcher message
// frames to `/ws/messages` subscribers, filtered by project basename.
type MessageBus struct {
	log *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
}

type subscriber struct {
	project string // "" subscribes to everything
	outbox  chan []byte
}

// NewMessageBus constructs an empty MessageBus.
func NewMessageBus(log *slog.Logger) *MessageBus {
	if log == nil {
		log = slog.Default()
	}
	return &MessageBus{log: log, subscribers: make(map[string]*subscriber)}
}

// Publish implements address.Bus: it encodes frame as a JSON control
// frame and delivers it to every subscriber whose project filter
// matches frame.From.Project or frame.To.Project.
func (b *MessageBus) Publish(frame address.MessageFrame) {
	body, err := encodeControl("message", frame)
	if err != nil {
		b.log.Warn("wsbridge: encode message frame", "err", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		if sub.project != "" && sub.project != frame.From.Project && sub.project != frame.To.Project {
			continue
		}
		select {
		case sub.outbox <- body:
		default:
			b.log.Warn("wsbridge: dropping message frame, subscriber outbox full", "subscriber", id)
		}
	}
}

// ServeMessages runs the `/ws/messages` subscription loop for one
// connection, blocking until it closes or ctx is cancelled.
func ServeMessages(ctx context.Context, ws *websocket.Conn, bus *MessageBus, subscriberID, project string) error {
	sub := &subscriber{project: project, outbox: make(chan []byte, 64)}
	bus.mu.Lock()
	bus.subscribers[subscriberID] = sub
	bus.mu.Unlock()
	defer func() {
		bus.mu.Lock()
		delete(bus.subscribers, subscriberID)
		bus.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reads := make(chan wsRead, 1)
	go pumpReads(ctx, ws, reads)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-sub.outbox:
			if err := ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return err
			}
		case r, ok := <-reads:
			if !ok {
				return nil
			}
			if r.err != nil {
				return r.err
			}
			handleSubscriberControl(ctx, ws, r.data)
		}
	}
}

// handleSubscriberControl replies to pings; subscribers never send
// data frames, only liveness control frames.
func handleSubscriberControl(ctx context.Context, ws *websocket.Conn, msg []byte) {
	tag, body, ok := decodeFrame(msg)
	if !ok || tag != TagControl {
		return
	}
	var cf ControlFrame
	if json.Unmarshal(body, &cf) != nil {
		return
	}
	if cf.Type == "ping" {
		writeControl(ctx, ws, "pong", nil)
	}
}
