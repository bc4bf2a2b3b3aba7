//go:build windows

package stage

import (
	"os"
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(proc *os.Process) (bool, error) {
	return killProcess(proc)
}

// TerminateProcess leaves no signal in the exit status; a delivered kill is
// all there is to go on.
func killedBySignal(_ *os.ProcessState) bool { return true }
