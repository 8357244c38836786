//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

// signalGroup is unsupported on Windows; callers fall back to signaling the
// process directly.
func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	return errors.New("process groups not supported on windows")
}
