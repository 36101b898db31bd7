package engine

import (
	"io"
	"os/exec"
	"time"

	"github.com/loykin/simvisor/internal/lifecycle"
)

// Signal is a termination request sent to the child.
type Signal int

const (
	// SignalTerm asks the child to exit (SIGTERM on Unix).
	SignalTerm Signal = iota
	// SignalKill terminates the child without notice.
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "SIGKILL"
	}
	return "SIGTERM"
}

// LaunchSpec is everything needed to spawn the engine once.
type LaunchSpec struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher spawns the engine. Tests substitute a fake.
type Launcher interface {
	Launch(spec LaunchSpec) (Handle, error)
}

// Handle is a running child. Wait must be called exactly once and blocks
// until the child has exited and its output has been drained.
type Handle interface {
	Pid() int
	Signal(Signal) error
	Wait() lifecycle.Exit
}

// ExecLauncher starts the engine with os/exec in its own process group so
// terminal signals aimed at the supervisor do not reach it directly.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait keeps draining output after the child
	// exits. Grandchildren (the web server) inherit the pipes and may hold
	// them open indefinitely.
	WaitDelay time.Duration
}

func (l ExecLauncher) Launch(spec LaunchSpec) (Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = orDiscard(spec.Stdout)
	cmd.Stderr = orDiscard(spec.Stderr)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 500 * time.Millisecond
	}
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Signal(s Signal) error {
	if s == SignalKill {
		return h.cmd.Process.Kill()
	}
	return terminate(h.cmd.Process)
}

func (h *execHandle) Wait() lifecycle.Exit {
	// Copy errors and ErrWaitDelay are irrelevant; ProcessState is authoritative.
	_ = h.cmd.Wait()
	if h.cmd.ProcessState == nil {
		return lifecycle.Exit{}
	}
	return exitFromState(h.cmd.ProcessState)
}
