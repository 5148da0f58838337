// Package cmdrun executes host utilities and captures their output.
package cmdrun

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/procutil"
)

// Output is the captured result of a finished command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs a host command to completion.
type Runner interface {
	Run(name string, args ...string) (*Output, error)
}

// CommandFailed reports a command that could not be started or exited
// with a non-zero status. ExitCode is -1 when the process never ran.
type CommandFailed struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandFailed) Error() string {
	msg := fmt.Sprintf("%s %s failed (exit %d)", e.Command, strings.Join(e.Args, " "), e.ExitCode)
	if out := joinStreams(e.Stdout, e.Stderr); out != "" {
		msg += ": " + out
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandFailed) Unwrap() error { return e.Err }

// Output returns the captured text of both streams.
func (e *CommandFailed) Output() string {
	return joinStreams(e.Stdout, e.Stderr)
}

// AsCommandFailed extracts a *CommandFailed from err.
func AsCommandFailed(err error) (*CommandFailed, bool) {
	var cf *CommandFailed
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

func joinStreams(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}

// Exec runs commands on the host without a visible console window.
type Exec struct{}

// Run executes name with args and waits for it to finish.
func (Exec) Run(name string, args ...string) (*Output, error) {
	logger.Debug("exec: %s %s", name, strings.Join(args, " "))

	cmd := procutil.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	out.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	}
	return out, &CommandFailed{
		Command:  name,
		Args:     args,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Err:      err,
	}
}
