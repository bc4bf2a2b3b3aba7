//go:build !windows

package stage

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the process and every helper it spawned. It reports
// whether the signal reached anything.
func killProcessGroup(proc *os.Process) (bool, error) {
	err := syscall.Kill(-proc.Pid, syscall.SIGKILL)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return killProcess(proc)
	}
	return false, err
}

func killedBySignal(ps *os.ProcessState) bool {
	if ps == nil {
		return false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
