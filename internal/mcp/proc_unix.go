//go:build !windows

package mcp

import (
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so that teardown
// can signal the whole tree, not just the direct child.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessTree(p *os.Process, force bool) error {
	if p == nil {
		return nil
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}
