//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loykin/simvisor/internal/lifecycle"
)

// configureSysProcAttr places the engine in a new process group so a Ctrl-C
// on the supervisor's terminal is handled by the supervisor alone.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// exitFromState reports a signal death as {nil, "SIGNAME"} and anything else
// as {code, nil}.
func exitFromState(ps *os.ProcessState) lifecycle.Exit {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		name := unix.SignalName(ws.Signal())
		if name == "" {
			name = ws.Signal().String()
		}
		return lifecycle.ExitWithSignal(name)
	}
	return lifecycle.ExitWithCode(ps.ExitCode())
}
