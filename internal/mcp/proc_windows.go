//go:build windows

package mcp

import (
	"os"
	"os/exec"
	"strconv"
)

func setSysProcAttr(cmd *exec.Cmd) {}

// terminateProcessTree uses taskkill /T to take down the child and anything
// it spawned; plain Kill only reaches the direct child on Windows.
func terminateProcessTree(p *os.Process, force bool) error {
	if p == nil {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(p.Pid)}
	if force {
		args = append(args, "/F")
	}
	if err := exec.Command("taskkill", args...).Run(); err != nil {
		return p.Kill()
	}
	return nil
}
