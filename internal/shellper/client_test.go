package shellper

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientReadReturnsPTYOutput(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	cfg := HolderConfig{
		SocketPath:   sock,
		Command:      "/bin/echo",
		Args:         []string{"ping"},
		CWD:          t.TempDir(),
		Env:          os.Environ(),
		Cols:         80,
		Rows:         24,
		RingCapacity: 100,
		MaxRestarts:  0,
		RestartDelay: 10 * time.Millisecond,
	}
	startTestHolder(t, cfg)

	c, err := newClientFromConnDial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 4096)
	var got []byte
	for i := 0; i < 10 && !bytes.Contains(got, []byte("ping")); i++ {
		n, err := c.Read(buf)
		if err != nil {
			break
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Contains(got, []byte("ping")) {
		t.Errorf("client never observed echoed output, got %q", got)
	}
}

func TestClientWriteForwardsToShell(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	cfg := HolderConfig{
		SocketPath:   sock,
		Command:      "/bin/cat",
		CWD:          t.TempDir(),
		Env:          os.Environ(),
		Cols:         80,
		Rows:         24,
		RingCapacity: 100,
		MaxRestarts:  0,
		RestartDelay: 10 * time.Millisecond,
	}
	startTestHolder(t, cfg)

	c, err := newClientFromConnDial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("roundtrip\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 4096)
	var got []byte
	for i := 0; i < 20 && !bytes.Contains(got, []byte("roundtrip")); i++ {
		n, err := c.Read(buf)
		if err != nil {
			break
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Contains(got, []byte("roundtrip")) {
		t.Errorf("cat never echoed back written input, got %q", got)
	}
}

func TestClientResizeDoesNotError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	cfg := HolderConfig{
		SocketPath:   sock,
		Command:      "/bin/sleep",
		Args:         []string{"5"},
		CWD:          t.TempDir(),
		Env:          os.Environ(),
		Cols:         80,
		Rows:         24,
		RingCapacity: 100,
		MaxRestarts:  0,
		RestartDelay: 10 * time.Millisecond,
	}
	startTestHolder(t, cfg)

	c, err := newClientFromConnDial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Resize(100, 40); err != nil {
		t.Errorf("Resize: %v", err)
	}
}

func TestHolderAliveDetectsCurrentProcess(t *testing.T) {
	if !HolderAlive(os.Getpid()) {
		t.Error("HolderAlive(self) = false, want true")
	}
	if HolderAlive(-1) {
		t.Error("HolderAlive(-1) = true, want false")
	}
}
