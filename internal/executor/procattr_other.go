//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func isolate(cmd *exec.Cmd) {}

func releaseGroup(cmd *exec.Cmd) (bool, error) { return false, nil }

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(os.Interrupt)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
