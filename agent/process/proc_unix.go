//go:build unix

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// setProcAttr puts the process in its own process group, and runs it as u if switchUser is set.
func setProcAttr(cmd *exec.Cmd, u *user.User, switchUser bool) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if switchUser {
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
		}
		gid, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
		}
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr
	return nil
}

// signalProcess signals the whole process group, so that children of the shell are included.
// A group that no longer exists is not an error.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
