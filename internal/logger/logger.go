// Package logger provides centralized logging for the tunnel client and the
// log event stream consumed by front ends.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the severity attached to a log event.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Event is a single log record as delivered to listeners.
type Event struct {
	Time    time.Time
	Level   Level
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] [%s] %s", e.Time.Format("15:04:05"), e.Level, e.Message)
}

var (
	base      = newBase()
	logFile   *os.File
	logMutex  sync.Mutex
	logPath   string
	listeners []func(Event)
	listMutex sync.RWMutex
	recent    = newRing(maxRecent)
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init opens the log file inside dir (or the platform default when dir is
// empty) and mirrors all output to it.
func Init(dir string) error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if dir == "" {
		dir = getLogDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	logPath = filepath.Join(dir, "tunnel-client.log")

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	base.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// SetLevel sets the minimum level written by the logger. Unknown names keep
// the current level.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// SetOutput replaces the console writer. The log file, if open, still
// receives every line.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		w = io.MultiWriter(w, logFile)
	}
	base.SetOutput(w)
}

// Close closes the log file.
func Close() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		base.SetOutput(os.Stderr)
		logFile.Close()
		logFile = nil
	}
}

// AddListener adds a callback that receives every emitted event. Listeners
// run on the emitting goroutine, in order, and must not block.
func AddListener(fn func(Event)) {
	listMutex.Lock()
	defer listMutex.Unlock()
	listeners = append(listeners, fn)
}

// Log writes a message at the given level.
func Log(level Level, format string, args ...any) {
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}

	switch level {
	case LevelDebug:
		if !base.IsLevelEnabled(logrus.DebugLevel) {
			return
		}
		base.Debug(message)
	case LevelWarn:
		base.Warn(message)
	case LevelError:
		base.Error(message)
	default:
		level = LevelInfo
		base.Info(message)
	}

	evt := Event{Time: time.Now(), Level: level, Message: message}
	recent.add(evt)

	listMutex.RLock()
	fns := listeners
	listMutex.RUnlock()
	for _, fn := range fns {
		notify(fn, evt)
	}
}

func notify(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			base.Errorf("log listener panicked: %v", r)
		}
	}()
	fn(evt)
}

// Info logs an info message
func Info(format string, args ...any) {
	Log(LevelInfo, format, args...)
}

// Error logs an error message
func Error(format string, args ...any) {
	Log(LevelError, format, args...)
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	Log(LevelDebug, format, args...)
}

// Warning logs a warning message
func Warning(format string, args ...any) {
	Log(LevelWarn, format, args...)
}

// GetLogPath returns the path to the log file
func GetLogPath() string {
	return logPath
}

// Recent returns the most recent events, oldest first.
func Recent() []Event {
	return recent.snapshot()
}

// ClearRecent drops the in-memory event history.
func ClearRecent() {
	recent.reset()
	Info("Logs cleared")
}

// Recover should be deferred at the top of every goroutine to catch panics.
// Usage: go func() { defer logger.Recover("myGoroutine"); ... }()
func Recover(name string) {
	if r := recover(); r != nil {
		Error("PANIC in %s: %v\n%s", name, r, debug.Stack())
	}
}

// SafeGo launches a goroutine with panic recovery.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// ReadLogs reads the log file contents
func ReadLogs() (string, error) {
	if logPath == "" {
		logPath = filepath.Join(getLogDir(), "tunnel-client.log")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ClearLogs truncates the log file
func ClearLogs() error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if logPath == "" {
		return nil
	}
	if logFile != nil {
		logFile.Close()
	}

	f, err := os.OpenFile(logPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logFile = nil
		base.SetOutput(os.Stderr)
		return err
	}
	logFile = f
	base.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}
