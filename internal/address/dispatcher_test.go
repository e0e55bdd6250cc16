package address

import (
	"testing"
	"time"

	"github.com/ehrlich-b/tower/internal/registry"
)

type fakeBus struct {
	frames []MessageFrame
}

func (b *fakeBus) Publish(f MessageFrame) { b.frames = append(b.frames, f) }

func TestSendDeliversImmediatelyWhenIdle(t *testing.T) {
	reg := registry.New(openTestStore(t))
	seedWorkspace(t, reg, "/ws/W", map[string][2]string{
		"architect": {"", "sess-arch"},
	})
	bus := &fakeBus{}
	resolver := New(reg)
	d := NewDispatcher(resolver, reg, bus, 100*time.Millisecond, nil)
	buf := NewSendBuffer(d, reg, 10*time.Millisecond, 60*time.Second, 500*time.Millisecond, nil)
	d.AttachBuffer(buf)

	// Sessions start not-composing; wait past the (short, test-only)
	// idle threshold before sending so the fast path is actually taken.
	time.Sleep(15 * time.Millisecond)

	if err := d.Send("architect", "done", SendOpts{}, "builder-bugfix-296", "/ws/W"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bus.frames) != 1 {
		t.Fatalf("frames published = %d, want 1", len(bus.frames))
	}
	if bus.frames[0].Content != "done" {
		t.Errorf("content = %q, want done", bus.frames[0].Content)
	}
}

func TestSendBufferFIFOOrderWithinSession(t *testing.T) {
	reg := registry.New(openTestStore(t))
	seedWorkspace(t, reg, "/ws/W", map[string][2]string{
		"architect": {"", "sess-arch"},
	})

	bus := &fakeBus{}
	resolver := New(reg)
	d := NewDispatcher(resolver, reg, bus, 10*time.Millisecond, nil)
	buf := NewSendBuffer(d, reg, 3*time.Second, 60*time.Second, 500*time.Millisecond, nil)
	d.AttachBuffer(buf)

	sess, _ := reg.Session("/ws/W", "sess-arch")
	sess.RecordUserInput([]byte("x")) // composing=true: forces enqueue

	for _, msg := range []string{"first", "second", "third"} {
		if err := d.Send("architect", msg, SendOpts{}, "builder", "/ws/W"); err != nil {
			t.Fatalf("Send(%s): %v", msg, err)
		}
	}
	if len(bus.frames) != 0 {
		t.Fatalf("expected no immediate delivery while composing, got %d frames", len(bus.frames))
	}

	sess.RecordUserInput([]byte("\r")) // stops composing
	buf.flush()

	if len(bus.frames) != 3 {
		t.Fatalf("frames after flush = %d, want 3", len(bus.frames))
	}
	for i, want := range []string{"first", "second", "third"} {
		if bus.frames[i].Content != want {
			t.Errorf("frame %d content = %q, want %q (FIFO order)", i, bus.frames[i].Content, want)
		}
	}
}

func TestSendBufferDiscardsQueueForMissingTarget(t *testing.T) {
	reg := registry.New(openTestStore(t))
	seedWorkspace(t, reg, "/ws/W", map[string][2]string{
		"architect": {"", "sess-arch"},
	})
	bus := &fakeBus{}
	resolver := New(reg)
	d := NewDispatcher(resolver, reg, bus, 10*time.Millisecond, nil)
	buf := NewSendBuffer(d, reg, 3*time.Second, 60*time.Second, 500*time.Millisecond, nil)
	d.AttachBuffer(buf)

	sess, _ := reg.Session("/ws/W", "sess-arch")
	sess.RecordUserInput([]byte("x"))
	if err := d.Send("architect", "queued", SendOpts{}, "builder", "/ws/W"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := reg.UnregisterTerminal("/ws/W", "sess-arch"); err != nil {
		t.Fatalf("UnregisterTerminal: %v", err)
	}

	buf.flush()
	if len(bus.frames) != 0 {
		t.Error("expected the discarded queue to deliver nothing")
	}
}

func TestSendBufferAgesOutPastMaxAge(t *testing.T) {
	reg := registry.New(openTestStore(t))
	seedWorkspace(t, reg, "/ws/W", map[string][2]string{
		"architect": {"", "sess-arch"},
	})
	bus := &fakeBus{}
	resolver := New(reg)
	d := NewDispatcher(resolver, reg, bus, 10*time.Millisecond, nil)
	buf := NewSendBuffer(d, reg, 3*time.Second, 20*time.Millisecond, 500*time.Millisecond, nil)
	d.AttachBuffer(buf)

	sess, _ := reg.Session("/ws/W", "sess-arch")
	sess.RecordUserInput([]byte("x")) // stays composing for this test

	if err := d.Send("architect", "aged", SendOpts{}, "builder", "/ws/W"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	buf.flush()

	if len(bus.frames) != 1 {
		t.Fatalf("frames = %d, want 1 (delivered via max-age, still composing)", len(bus.frames))
	}
}
