package vterm

import (
	"bytes"
	"testing"
)

func TestSnapshotIncludesWrittenText(t *testing.T) {
	v := New(20, 5)
	defer v.Close()

	v.Write([]byte("hello world"))
	snap := v.Snapshot()
	if !bytes.Contains(snap, []byte("hello world")) {
		t.Fatalf("snapshot missing written text: %q", snap)
	}
}

func TestSnapshotTracksScrollback(t *testing.T) {
	v := New(10, 3)
	defer v.Close()

	for i := 0; i < 20; i++ {
		v.Write([]byte("line\r\n"))
	}
	snap := v.Snapshot()
	if len(snap) == 0 {
		t.Fatal("expected a non-empty snapshot after scrolling")
	}
}

func TestSnapshotSkipsScrollbackDuringAltScreen(t *testing.T) {
	v := New(20, 5)
	defer v.Close()

	for i := 0; i < 10; i++ {
		v.Write([]byte("SCROLLBACK_MARKER\r\n"))
	}
	v.Write([]byte("\x1b[?1049h")) // enter alt screen
	v.Write([]byte("ALT_SCREEN_CONTENT"))

	snap := v.Snapshot()
	if bytes.Contains(snap, []byte("SCROLLBACK_MARKER")) {
		t.Fatalf("snapshot included shell scrollback while an alt-screen app owns the display: %q", snap)
	}
	if !bytes.Contains(snap, []byte("ALT_SCREEN_CONTENT")) {
		t.Fatalf("snapshot missing the alt-screen app's own content: %q", snap)
	}
}

func TestResizeUpdatesDimensions(t *testing.T) {
	v := New(80, 24)
	defer v.Close()
	v.Resize(40, 10)
	if v.cols != 40 || v.rows != 10 {
		t.Fatalf("cols,rows = %d,%d, want 40,10", v.cols, v.rows)
	}
}
