package shellper

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// osProcess wraps the spawned child's *exec.Cmd so the holder can wait
// on it and translate the result into an (code, signal) pair without
// leaking os/exec types into the rest of the package's public surface.
type osProcess struct {
	cmd *exec.Cmd
}

func spawnPTY(cfg HolderConfig) (*osProcess, *os.File, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.CWD
	cmd.Env = cfg.Env
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, nil, err
	}
	return &osProcess{cmd: cmd}, ptmx, nil
}

func setWinsize(f *os.File, cols, rows uint16) error {
	return pty.Setsize(f, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends SIGTERM and, if the process hasn't exited within
// 500ms, escalates to SIGKILL.
func (p *osProcess) Kill() {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	time.AfterFunc(500*time.Millisecond, func() {
		if p.cmd.ProcessState == nil {
			p.cmd.Process.Kill()
		}
	})
}

// Wait blocks until the child exits and returns its exit code and, if
// it died from a signal, the signal name.
func (p *osProcess) Wait() (code int, signal string) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return -1, "unknown"
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	if err != nil {
		return state.ExitCode(), ""
	}
	return state.ExitCode(), ""
}
