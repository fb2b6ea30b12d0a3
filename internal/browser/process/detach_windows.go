//go:build windows

package process

import (
	"os"
	"os/exec"
)

// Windows has no hangup signal.
var terminateSignal = os.Kill

func detach(cmd *exec.Cmd) {}
