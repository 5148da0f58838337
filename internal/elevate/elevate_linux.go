//go:build linux

package elevate

import (
	"errors"
	"os"
	"os/exec"
)

// IsAdmin returns true if the current process is running as root.
func IsAdmin() bool {
	return os.Geteuid() == 0
}

// relaunch prefers sudo, which keeps the session on the terminal, and
// falls back to pkexec.
func relaunch(exe string, args []string) error {
	argv := append([]string{exe}, args...)
	for _, wrapper := range []string{"sudo", "pkexec"} {
		if path, err := exec.LookPath(wrapper); err == nil {
			return runAttached(path, argv...)
		}
	}
	return errors.New("neither sudo nor pkexec found; please run as root")
}
