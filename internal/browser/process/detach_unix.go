//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

var terminateSignal = syscall.SIGHUP

// detach places the child in its own process group so terminal signals aimed
// at the host do not reach it first.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
