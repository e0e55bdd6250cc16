// Package vterm maintains a real ANSI terminal emulation per session,
// grounded on the teacher's internal/egg.VTerm. It is opt-in per
// session (renderMode: "vterm"): the ring buffer (internal/ringbuf)
// remains the default and the only source of truth for resume, since
// sequence numbers are only defined over it. VTerm instead answers a
// fresh Attach with a single paintable ANSI blob rather than a line
// list, for clients that want a real terminal repaint on connect.
package vterm

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// scrollbackLines bounds how many scrolled-off lines VTerm keeps behind
// the live grid, independent of the ring buffer's own capacity.
const scrollbackLines = 20000

// VTerm is a thread-safe terminal emulator fed the same bytes as a
// PtySession's ring buffer. It never blocks a session's read loop for
// more than the cost of interpreting one chunk of output.
type VTerm struct {
	emu   *vt.Emulator
	ring  []string
	head  int
	count int

	mu        sync.Mutex
	altScreen bool
	cursorOff bool
	cols      int
	rows      int
}

// New creates a VTerm sized to cols x rows.
func New(cols, rows int) *VTerm {
	v := &VTerm{
		emu:  vt.NewEmulator(cols, rows),
		ring: make([]string, scrollbackLines),
		cols: cols,
		rows: rows,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				v.ring[v.head] = line.Render()
				v.head = (v.head + 1) % len(v.ring)
				if v.count < len(v.ring) {
					v.count++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.ring {
				v.ring[i] = ""
			}
			v.count, v.head = 0, 0
		},
		AltScreen:        func(on bool) { v.altScreen = on },
		CursorVisibility: func(visible bool) { v.cursorOff = !visible },
	})
	return v
}

// Write feeds PTY output into the emulator.
func (v *VTerm) Write(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Write(p)
}

// Resize propagates a terminal resize to the emulator.
func (v *VTerm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

// Snapshot renders scrollback plus the live grid as a single ANSI blob
// a fresh terminal client can paint directly, cursor position and
// visibility included. While an alt-screen app (vim, htop, an agent's
// own TUI) owns the display, the scrollback prefix is skipped: that
// history belongs to the shell underneath, not to the full-screen
// frame a reattaching client is about to see, and prepending it would
// scroll the app's own frame out of the client's viewport for no
// reason.
func (v *VTerm) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	if !v.altScreen {
		lines := v.scrollbackSlice()
		for _, line := range lines {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
		if len(lines) > 0 {
			for range v.rows - 1 {
				buf.WriteByte('\n')
			}
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if v.cursorOff {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

// Close releases the underlying emulator.
func (v *VTerm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

func (v *VTerm) scrollbackSlice() []string {
	if v.count == 0 {
		return nil
	}
	out := make([]string, v.count)
	start := (v.head - v.count + len(v.ring)) % len(v.ring)
	for i := 0; i < v.count; i++ {
		out[i] = v.ring[(start+i)%len(v.ring)]
	}
	return out
}
