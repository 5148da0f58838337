package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

// GetConfigPath returns the configuration path next to the executable.
func GetConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.yaml" // fallback: current directory
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}

// ResolveBinary locates a bundled executable. A path containing a
// separator is returned unchanged. Otherwise the candidates are, in order:
// resources/<subdir>/<name> and <name> next to the executable,
// resources/<subdir>/<name> under the working directory and its parent,
// then PATH. If nothing is found the bare name is returned.
func ResolveBinary(name, subdir string) string {
	if name == "" || filepath.Base(name) != name {
		return name
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, "resources", subdir, name),
			filepath.Join(dir, name),
		)
	}
	candidates = append(candidates,
		filepath.Join("resources", subdir, name),
		filepath.Join("..", "resources", subdir, name),
	)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			if abs, err := filepath.Abs(c); err == nil {
				return abs
			}
			return c
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

// ResolveAssetsDir returns dir when set, otherwise the directory holding
// the resolved engine binary.
func ResolveAssetsDir(dir, engineBinary string) string {
	if dir != "" {
		return dir
	}
	return filepath.Dir(engineBinary)
}
