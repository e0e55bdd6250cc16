package address

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/tower/internal/ptysession"
)

// pendingMessage is one SendBuffer queue entry.
type pendingMessage struct {
	resolved  Resolved
	message   string
	opts      SendOpts
	from      string
	fromWS    string
	enqueued  time.Time
}

// SendBuffer gates delivery on a target session's idle/composing state
// (spec.md §4.7's "Typing-aware buffering"). Messages queue per session
// in FIFO order and are delivered by a periodic flush.
type SendBuffer struct {
	dispatcher *Dispatcher
	sessions   SessionSource

	idleThreshold time.Duration
	maxAge        time.Duration
	flushInterval time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	queues map[string][]pendingMessage // sessionID -> FIFO queue
}

// NewSendBuffer constructs a SendBuffer. Call Run in a goroutine to
// start its periodic flush loop.
func NewSendBuffer(dispatcher *Dispatcher, sessions SessionSource, idleThreshold, maxAge, flushInterval time.Duration, log *slog.Logger) *SendBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &SendBuffer{
		dispatcher:    dispatcher,
		sessions:      sessions,
		idleThreshold: idleThreshold,
		maxAge:        maxAge,
		flushInterval: flushInterval,
		log:           log,
		queues:        make(map[string][]pendingMessage),
	}
}

// Enqueue appends a message to sessionID's FIFO queue with the current
// timestamp.
func (b *SendBuffer) Enqueue(sessionID string, p pendingMessage) {
	p.enqueued = time.Now()
	b.mu.Lock()
	b.queues[sessionID] = append(b.queues[sessionID], p)
	b.mu.Unlock()
}

// Run ticks every flushInterval until ctx is cancelled.
func (b *SendBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush delivers, in FIFO order per session, every message whose
// target has stopped composing (the submission that ended composing
// is itself the release signal — no additional idle wait) or whose
// entry has aged past maxAge. If the target session no longer exists,
// its whole queue is discarded with a warning.
func (b *SendBuffer) flush() {
	b.mu.Lock()
	sessionIDs := make([]string, 0, len(b.queues))
	for id := range b.queues {
		sessionIDs = append(sessionIDs, id)
	}
	b.mu.Unlock()

	for _, sessionID := range sessionIDs {
		b.flushOne(sessionID)
	}
}

func (b *SendBuffer) flushOne(sessionID string) {
	b.mu.Lock()
	queue := b.queues[sessionID]
	b.mu.Unlock()
	if len(queue) == 0 {
		return
	}

	workspace := queue[0].resolved.Workspace
	sess, ok := b.sessions.Session(workspace, sessionID)
	if !ok {
		b.log.Warn("address: discarding send buffer queue for missing target", "session", sessionID, "count", len(queue))
		b.mu.Lock()
		delete(b.queues, sessionID)
		b.mu.Unlock()
		return
	}

	now := time.Now()
	var remaining []pendingMessage
	for _, p := range queue {
		if readyToDeliver(sess, p, now, b.maxAge) {
			if err := b.dispatcher.deliver(sess, p); err != nil {
				b.log.Warn("address: deferred delivery failed", "session", sessionID, "err", err)
			}
			continue
		}
		remaining = append(remaining, p)
	}

	b.mu.Lock()
	if len(remaining) == 0 {
		delete(b.queues, sessionID)
	} else {
		b.queues[sessionID] = remaining
	}
	b.mu.Unlock()
}

// readyToDeliver gates release on the stop-composing transition, not
// on an idle timer: the keystroke that stops composing (a CR/LF) is
// itself the user's submit action, and it also just reset the
// session's lastDataAt, so requiring IsUserIdle here would make a
// deferred message wait out the idle threshold a second time. maxAge
// is the only other release path, for a target that never stops
// composing.
func readyToDeliver(sess *ptysession.Session, p pendingMessage, now time.Time, maxAge time.Duration) bool {
	if now.Sub(p.enqueued) >= maxAge {
		return true
	}
	return !sess.IsComposing()
}
