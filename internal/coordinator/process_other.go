//go:build !unix

package coordinator

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no graceful variant here; both paths kill the process.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitReason(state *os.ProcessState) string {
	if state == nil {
		return "unknown"
	}
	return strconv.Itoa(state.ExitCode())
}
