//go:build darwin

package elevate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// IsAdmin returns true if the current process is running as root.
func IsAdmin() bool {
	return os.Geteuid() == 0
}

// relaunch uses sudo from a terminal and the native authorization dialog
// (osascript) otherwise.
func relaunch(exe string, args []string) error {
	if path, err := exec.LookPath("sudo"); err == nil && isTerminal(os.Stdin) {
		return runAttached(path, append([]string{exe}, args...)...)
	}

	path, err := exec.LookPath("osascript")
	if err != nil {
		return errors.New("osascript and sudo not available; please run as root")
	}
	parts := []string{shellQuote(exe)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	script := fmt.Sprintf(`do shell script "%s" with administrator privileges`,
		escapeAppleScript(strings.Join(parts, " ")))
	return runAttached(path, "-e", script)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escapeAppleScript escapes s for an AppleScript double-quoted string.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
