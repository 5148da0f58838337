// Package process supervises a single long-running child process: it
// starts it, streams its output into the log and stops it on request.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/procutil"
)

// State is the lifecycle state of a supervised process.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// ErrSpawnFailed matches every *SpawnError.
var ErrSpawnFailed = errors.New("failed to spawn process")

// SpawnError reports a process that could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// Killer force-terminates every process with a given image name.
type Killer interface {
	KillByName(image string) error
}

// Options configures a Supervisor.
type Options struct {
	// Name tags log lines, e.g. "Xray".
	Name string
	// ImageName is force-killed on Stop to catch orphans from earlier runs.
	ImageName string
	Killer    Killer
	// NoiseFilters drop stdout lines containing any of the fragments.
	NoiseFilters []string
	// StopTimeout bounds the wait for a killed process to be reaped.
	StopTimeout time.Duration
	Log         logger.Sink
}

type handle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

// Supervisor owns at most one child process.
type Supervisor struct {
	// opMu serialises Start and Stop. mu guards the fields below and is
	// never held while a process is being terminated.
	opMu sync.Mutex
	mu   sync.Mutex

	state  State
	handle *handle
	opts   Options
	log    logger.Sink
}

// New creates an idle supervisor.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 3 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.Name == "" {
		opts.Name = "Process"
	}
	return &Supervisor{
		opts: opts,
		log:  logger.WithPrefix(opts.Log, opts.Name),
	}
}

// Start launches path with args. env entries are added to the current
// environment. A process already owned by the supervisor is terminated
// first.
func (s *Supervisor) Start(path string, args []string, env []string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if old := s.take(); old != nil {
		s.log.Infof("Stopping previous instance (pid %d)", old.pid)
		if err := s.terminate(old); err != nil {
			s.log.Warnf("previous instance: %v", err)
		}
	}

	s.setState(StateStarting)
	h, stdout, stderr, err := s.spawn(path, args, env)
	if err != nil {
		s.setState(StateIdle)
		s.log.Errorf("Failed to start %s: %v", filepath.Base(path), err)
		return &SpawnError{Path: path, Err: err}
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateRunning
	s.mu.Unlock()
	s.log.Infof("Started %s (pid %d)", filepath.Base(path), h.pid)

	var pumps sync.WaitGroup
	pumps.Add(2)
	logger.SafeGo(s.opts.Name+" stdout", func() {
		defer pumps.Done()
		s.pump(stdout, false)
	})
	logger.SafeGo(s.opts.Name+" stderr", func() {
		defer pumps.Done()
		s.pump(stderr, true)
	})
	logger.SafeGo(s.opts.Name+" reaper", func() {
		s.reap(h, &pumps)
	})
	return nil
}

func (s *Supervisor) spawn(path string, args, env []string) (*handle, io.ReadCloser, io.ReadCloser, error) {
	cmd := procutil.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return &handle{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}, stdout, stderr, nil
}

// reap waits for the output pumps to drain and the process to exit, then
// releases the handle if it is still the current one.
func (s *Supervisor) reap(h *handle, pumps *sync.WaitGroup) {
	pumps.Wait()
	err := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	switch {
	case err == nil:
		s.log.Infof("Process %d exited", h.pid)
	case code >= 0:
		s.log.Warnf("Process %d exited with code %d", h.pid, code)
	default:
		s.log.Infof("Process %d terminated: %v", h.pid, err)
	}

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
		s.state = StateIdle
	}
	s.mu.Unlock()
	close(h.done)
}

func (s *Supervisor) pump(r io.Reader, isStderr bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		level := logger.LevelInfo
		switch {
		case isStderr:
			if IsErrorLine(line) {
				level = logger.LevelError
			}
		case s.isNoise(line):
			continue
		}
		logger.Emit(s.log, level, line)
	}
}

// IsErrorLine reports whether a stderr line looks like a failure.
func IsErrorLine(line string) bool {
	l := strings.ToLower(line)
	for _, kw := range []string{"error", "fatal", "panic", "fail"} {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

func (s *Supervisor) isNoise(line string) bool {
	for _, f := range s.opts.NoiseFilters {
		if f != "" && strings.Contains(line, f) {
			return true
		}
	}
	return false
}

// take detaches the current handle, marking the supervisor as stopping.
func (s *Supervisor) take() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	if h != nil {
		s.state = StateStopping
	}
	return h
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// terminate kills h and waits for the reaper, up to StopTimeout.
func (s *Supervisor) terminate(h *handle) error {
	var killErr error
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		killErr = fmt.Errorf("failed to kill pid %d: %w", h.pid, err)
	}
	select {
	case <-h.done:
	case <-time.After(s.opts.StopTimeout):
		s.log.Warnf("Process %d not reaped within %s", h.pid, s.opts.StopTimeout)
	}
	return killErr
}

// Stop terminates the owned process, if any, and then force-kills any
// process with the configured image name. Nothing running is success.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var err error
	if h := s.take(); h != nil {
		s.log.Infof("Stopping process %d", h.pid)
		err = s.terminate(h)
	}
	s.setState(StateIdle)

	if s.opts.Killer != nil && s.opts.ImageName != "" {
		if kerr := s.opts.Killer.KillByName(s.opts.ImageName); kerr != nil {
			s.log.Warnf("force kill %s: %v", s.opts.ImageName, kerr)
		}
	}
	return err
}

// IsRunning reports whether the supervisor owns a live process.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the pid of the owned process, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.pid
}
