//go:build !darwin

package logger

import (
	"os"
	"path/filepath"
)

// getLogDir returns a "logs" directory next to the executable.
func getLogDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "logs"
	}
	return filepath.Join(filepath.Dir(exe), "logs")
}
