package wsbridge

import (
	"testing"

	"github.com/ehrlich-b/tower/internal/ptysession"
)

// TestConnNeverExceedsHighWaterMark exercises spec.md §8 scenario 4
// ("backpressure"): a slow client whose buffered bytes would exceed
// the high-water mark must have excess frames dropped rather than
// buffered without bound, and the tracked buffered count must never
// go negative or run away.
func TestConnNeverExceedsHighWaterMark(t *testing.T) {
	c := NewConn("slow-client", nil)

	chunk := make([]byte, 64*1024) // 64 KiB per chunk
	sent := 0
	for i := 0; i < 200; i++ { // 200 * 64 KiB = 12.5 MiB of attempted output
		c.mu.Lock()
		before := c.buffered
		c.mu.Unlock()
		c.Send(chunk)
		c.mu.Lock()
		after := c.buffered
		c.mu.Unlock()
		if after > ptysession.HighWaterMark {
			t.Fatalf("buffered = %d exceeds high-water mark %d after send %d (was %d)", after, ptysession.HighWaterMark, i, before)
		}
		sent++
	}

	c.mu.Lock()
	final := c.buffered
	c.mu.Unlock()
	if final > ptysession.HighWaterMark {
		t.Fatalf("final buffered = %d, want <= %d", final, ptysession.HighWaterMark)
	}
}

// TestConnMarkSentNeverGoesNegative exercises the accounting half of
// backpressure: draining more than was ever buffered (e.g. a stray
// double-count) must clamp to zero rather than underflow.
func TestConnMarkSentNeverGoesNegative(t *testing.T) {
	c := NewConn("client", nil)
	c.markSent(100)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffered != 0 {
		t.Fatalf("buffered = %d, want 0 (clamped)", c.buffered)
	}
}
