//go:build !unix

package outboundiq

import (
	"errors"
	"os"
	"os/exec"
)

const detachSupported = false

func detach(*exec.Cmd) {}

// checkWritableDir checks that dir is a directory the process may create files in, by
// creating and removing a probe file.
func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	f, err := os.CreateTemp(dir, "oiq_probe_*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
