// Package cmdruntest provides a scripted cmdrun.Runner for tests.
package cmdruntest

import (
	"strings"
	"sync"

	"github.com/user/tunnel-client/internal/cmdrun"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// Line returns the invocation as a single space-joined string.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Response is returned for an invocation matched by a rule.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type rule struct {
	contains string
	resp     Response
}

// Fake records every call and answers from rules. Calls with no matching
// rule succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
}

// On makes every call whose Line contains substr return resp. Later rules
// take precedence.
func (f *Fake) On(substr string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{contains: substr, resp: resp})
	return f
}

// Fail is shorthand for a rule that exits 1 with msg on stdout.
func (f *Fake) Fail(substr, msg string) *Fake {
	return f.On(substr, Response{Stdout: msg, ExitCode: 1})
}

func (f *Fake) Run(name string, args ...string) (*cmdrun.Output, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var resp Response
	line := call.Line()
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(line, f.rules[i].contains) {
			resp = f.rules[i].resp
			break
		}
	}
	f.mu.Unlock()

	out := &cmdrun.Output{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		return out, &cmdrun.CommandFailed{
			Command:  name,
			Args:     call.Args,
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			ExitCode: resp.ExitCode,
		}
	}
	return out, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns every recorded call as a joined string.
func (f *Fake) Lines() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Line())
	}
	return out
}

// Ran reports whether any call's Line contains substr.
func (f *Fake) Ran(substr string) bool {
	for _, l := range f.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
