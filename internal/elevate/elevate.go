// Package elevate checks for and acquires the privileges needed to change
// routes, firewall rules and interface settings.
package elevate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotAdmin is returned by Require when the process lacks privileges.
var ErrNotAdmin = errors.New("administrator privileges are required to manage routes and firewall rules")

// Require returns ErrNotAdmin unless the process is elevated.
func Require() error {
	if !IsAdmin() {
		return ErrNotAdmin
	}
	return nil
}

// RunAsAdmin re-launches the current executable elevated, with the same
// arguments. It only returns when the relaunch could not be attempted.
func RunAsAdmin() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return relaunch(exe, os.Args[1:])
}

// runAttached runs an elevation wrapper on the current terminal and exits
// with its status.
func runAttached(path string, argv ...string) error {
	cmd := exec.Command(path, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run %s: %w", filepath.Base(path), err)
	}
	os.Exit(0)
	return nil
}
