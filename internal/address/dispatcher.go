package address

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/tower/internal/ptysession"
	"github.com/ehrlich-b/tower/internal/registry"
)

// SendOpts controls how a message is delivered (spec.md §4.7).
type SendOpts struct {
	Raw       bool // bypass formatting entirely
	NoEnter   bool // suppress the trailing carriage return
	Interrupt bool // write \x03 and wait InterruptDelay before the message
}

// MessageFrame is broadcast to message-bus subscribers on every
// successful dispatch.
type MessageFrame struct {
	Type      string    `json:"type"`
	From      PartyRef  `json:"from"`
	To        PartyRef  `json:"to"`
	Content   string    `json:"content"`
	Metadata  any       `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PartyRef names one side of a message for bus subscribers.
type PartyRef struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
}

// Bus publishes structured message frames to subscribers, filtered by
// project basename. Implemented by internal/wsbridge.
type Bus interface {
	Publish(frame MessageFrame)
}

// SessionSource looks up a live PtySession by (workspace, id), used to
// actually perform the write.
type SessionSource interface {
	Session(workspace, sessionID string) (*ptysession.Session, bool)
}

// Dispatcher resolves targets and performs the interrupt/format/write
// sequence, gated by a SendBuffer.
type Dispatcher struct {
	resolver *Resolver
	sessions SessionSource
	bus      Bus
	log      *slog.Logger

	InterruptDelay time.Duration
	buf            *SendBuffer
}

// NewDispatcher constructs a Dispatcher. sessions is typically the
// same *registry.Registry passed to New for the resolver.
func NewDispatcher(resolver *Resolver, sessions SessionSource, bus Bus, interruptDelay time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{resolver: resolver, sessions: sessions, bus: bus, InterruptDelay: interruptDelay, log: log}
	return d
}

// AttachBuffer wires a SendBuffer whose flush calls back into Deliver.
// Call this once after constructing both.
func (d *Dispatcher) AttachBuffer(buf *SendBuffer) {
	d.buf = buf
}

// Send resolves `to`, and either delivers immediately (target idle and
// not composing) or enqueues into the SendBuffer for a later flush.
func (d *Dispatcher) Send(to, message string, opts SendOpts, from, fromWorkspace string) error {
	res, err := d.resolver.ResolveTarget(to, fromWorkspace)
	if err != nil {
		return err
	}
	sess, ok := d.sessions.Session(res.Workspace, res.SessionID)
	if !ok {
		return &ResolveError{Code: NotFound, Detail: "resolved terminal is not currently live"}
	}

	pending := pendingMessage{
		resolved: *res,
		message:  message,
		opts:     opts,
		from:     from,
		fromWS:   fromWorkspace,
	}

	if d.buf == nil || (!sess.IsComposing() && sess.IsUserIdle(d.buf.idleThreshold)) {
		return d.deliver(sess, pending)
	}
	d.buf.Enqueue(res.SessionID, pending)
	return nil
}

// deliver performs the actual interrupt/format/write/broadcast
// sequence for one message against an already-resolved live session.
func (d *Dispatcher) deliver(sess *ptysession.Session, p pendingMessage) error {
	if p.opts.Interrupt {
		sess.Write([]byte{0x03})
		time.Sleep(d.InterruptDelay)
	}

	payload := p.message
	if !p.opts.Raw {
		payload = formatMessage(p.resolved.Role, p.from, payload)
	}
	sess.Write([]byte(payload))
	if !p.opts.NoEnter {
		sess.Write([]byte("\r"))
	}

	if d.bus != nil {
		project := basenameOrEmpty(p.resolved.Workspace)
		fromProject := basenameOrEmpty(p.fromWS)
		d.bus.Publish(MessageFrame{
			Type:      "message",
			From:      PartyRef{Project: fromProject, Agent: p.from},
			To:        PartyRef{Project: project, Agent: addressAgentFor(p.resolved)},
			Content:   p.message,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// formatMessage chooses the formatter by the resolved terminal's role:
// architect targets get the builder->architect formatter (names the
// sender); builder/shell targets get the architect->builder formatter.
func formatMessage(role, from, content string) string {
	if role == registry.RoleArchitect {
		if from == "" {
			return content
		}
		return fmt.Sprintf("[message from %s]: %s", from, content)
	}
	return fmt.Sprintf("[message from architect]: %s", content)
}

func addressAgentFor(r Resolved) string {
	if r.Role == registry.RoleArchitect {
		return "architect"
	}
	return r.RoleKey
}

func basenameOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
