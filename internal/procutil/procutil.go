// Package procutil holds small helpers for launching host processes.
package procutil

import "os/exec"

// Command builds an exec.Cmd that never flashes a console window.
func Command(name string, args ...string) *exec.Cmd {
	return HideWindow(exec.Command(name, args...))
}
