package ptysession

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalPTY runs a command directly under the daemon process using
// github.com/creack/pty, with no shellper holder in between. It is
// used for ephemeral sessions that don't need to survive a daemon
// restart (SPEC_FULL.md's default for non-"persistent" terminals, see
// the /api/terminals `persistent` flag).
type LocalPTY struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// StartLocal spawns command/args in cwd with env, attached to a fresh
// pseudoterminal of the given size.
func StartLocal(command string, args []string, cwd string, env []string, cols, rows uint16) (*LocalPTY, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = env
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &LocalPTY{cmd: cmd, ptmx: ptmx}, nil
}

func (l *LocalPTY) Read(p []byte) (int, error) {
	return l.ptmx.Read(p)
}

func (l *LocalPTY) Write(p []byte) (int, error) {
	return l.ptmx.Write(p)
}

func (l *LocalPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(l.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends SIGTERM, then SIGKILL if the process has not exited by
// the time ctx is done.
func (l *LocalPTY) Kill(ctx context.Context) error {
	if l.cmd.Process == nil {
		return nil
	}
	_ = l.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		l.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return l.cmd.Process.Kill()
	case <-time.After(KillGrace):
		return l.cmd.Process.Kill()
	}
}

// Pid returns the underlying process id.
func (l *LocalPTY) Pid() int {
	if l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}
