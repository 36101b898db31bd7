//go:build windows

package engine

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/loykin/simvisor/internal/lifecycle"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// terminate asks the engine to close without /F. Console programs that ignore
// the request are handled by the later forceful kill.
func terminate(p *os.Process) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(p.Pid)).Run()
}

func exitFromState(ps *os.ProcessState) lifecycle.Exit {
	return lifecycle.ExitWithCode(ps.ExitCode())
}
