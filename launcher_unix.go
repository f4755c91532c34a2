//go:build unix

package outboundiq

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const detachSupported = true

// detach places the process in its own process group, so signals sent to the group of the
// launching process do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// checkWritableDir checks that dir is a directory the process may create files in.
func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}
