//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"os/user"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd, u *user.User, switchUser bool) error {
	if switchUser {
		return errors.New("running as another user is not supported on this platform")
	}
	return nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = p.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
