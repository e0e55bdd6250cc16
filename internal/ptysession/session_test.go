package ptysession

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

type fakePTY struct {
	mu       sync.Mutex
	chunks   chan []byte
	written  [][]byte
	killed   bool
	resized  [][2]uint16
	closeErr error
}

func newFakePTY() *fakePTY {
	return &fakePTY{chunks: make(chan []byte, 16)}
}

func (f *fakePTY) push(p []byte) { f.chunks <- p }

func (f *fakePTY) Read(p []byte) (int, error) {
	chunk, ok := <-f.chunks
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}

func (f *fakePTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakePTY) Resize(cols, rows uint16) error {
	f.mu.Lock()
	f.resized = append(f.resized, [2]uint16{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakePTY) Kill(ctx context.Context) error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	close(f.chunks)
	return nil
}

type fakeClient struct {
	id   string
	mu   sync.Mutex
	data [][]byte
	exit *int
}

func (c *fakeClient) ID() string { return c.id }
func (c *fakeClient) Send(p []byte) {
	c.mu.Lock()
	c.data = append(c.data, append([]byte(nil), p...))
	c.mu.Unlock()
}
func (c *fakeClient) SendExit(code int, signal string) {
	c.mu.Lock()
	v := code
	c.exit = &v
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachReceivesSnapshotThenLiveData(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 100, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	pty.push([]byte("line one\n"))
	waitFor(t, time.Second, func() bool { return s.CurrentSeq() == 1 })

	c := &fakeClient{id: "c1"}
	snap, ansi := s.Attach(c)
	if ansi != nil {
		t.Fatalf("ansi snapshot = %v, want nil (vterm disabled)", ansi)
	}
	if len(snap) != 1 || string(snap[0].Data) != "line one" {
		t.Fatalf("snapshot = %+v", snap)
	}

	pty.push([]byte("line two\n"))
	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.data) > 0
	})
}

func TestWriteForwardsToUnderlyingPTY(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 100, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Write([]byte("echo hi\n"))
	waitFor(t, time.Second, func() bool {
		pty.mu.Lock()
		defer pty.mu.Unlock()
		return len(pty.written) == 1
	})
}

func TestKillIsIdempotentAndExitsOnce(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 100, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	c := &fakeClient{id: "c1"}
	s.Attach(c)

	s.Kill(context.Background())
	waitFor(t, time.Second, func() bool { return s.Status() == StatusExited })
	s.Kill(context.Background()) // must be a no-op, not panic

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.exit != nil
	})
}

func TestAttachAfterExitDeliversSnapshotAndExitImmediately(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 100, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Kill(context.Background())
	waitFor(t, time.Second, func() bool { return s.Status() == StatusExited })

	c := &fakeClient{id: "late"}
	s.Attach(c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exit == nil {
		t.Fatal("expected exit to be delivered immediately on attach-after-exit")
	}
}

func TestAttachResumeOverflowReturnsFullSnapshot(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 3, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 10; i++ {
		pty.push([]byte("x\n"))
	}
	waitFor(t, time.Second, func() bool { return s.CurrentSeq() == 10 })

	c := &fakeClient{id: "c1"}
	lines, overflowed := s.AttachResume(c, 1)
	if !overflowed {
		t.Fatal("expected overflow")
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3 (capacity)", len(lines))
	}
}

func TestEnableVTermServesANSISnapshotOnAttach(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 100, 80, 24, nil)
	s.EnableVTerm()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	pty.push([]byte("hello\n"))
	waitFor(t, time.Second, func() bool { return s.CurrentSeq() == 1 })

	c := &fakeClient{id: "c1"}
	lines, ansi := s.Attach(c)
	if lines != nil {
		t.Fatalf("lines = %v, want nil when vterm is enabled", lines)
	}
	if len(ansi) == 0 {
		t.Fatal("expected a non-empty ANSI snapshot")
	}
}

func TestRecordUserInputComposingHeuristic(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 10, 80, 24, nil)
	s.RecordUserInput([]byte("x"))
	if !s.IsComposing() {
		t.Error("expected composing=true after non-newline input")
	}
	s.RecordUserInput([]byte("\r"))
	if s.IsComposing() {
		t.Error("expected composing=false after CR input")
	}
}

func TestIsUserIdle(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 10, 80, 24, nil)
	s.RecordUserInput([]byte("x"))
	if s.IsUserIdle(10 * time.Millisecond) {
		t.Error("should not be idle immediately after input")
	}
	time.Sleep(15 * time.Millisecond)
	if !s.IsUserIdle(10 * time.Millisecond) {
		t.Error("should be idle after threshold elapses")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	pty := newFakePTY()
	s := New("s1", "bash", pty, 10, 80, 24, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	c := &fakeClient{id: "c1"}
	s.Attach(c)
	s.Detach("c1")
	s.Detach("c1") // no panic
}
