//go:build unix

package watchdog

import (
	"os/exec"
	"syscall"
)

// detach puts cmd in a new session so it survives the parent's
// termination and is not signalled with its process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
