// Package logtest provides a logger.Sink that records events for assertions.
package logtest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/tunnel-client/internal/logger"
)

// Recorder captures every message written to it.
type Recorder struct {
	mu     sync.Mutex
	events []logger.Event
}

func (r *Recorder) add(level logger.Level, format string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, logger.Event{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *Recorder) Debugf(format string, args ...any) { r.add(logger.LevelDebug, format, args) }
func (r *Recorder) Infof(format string, args ...any)  { r.add(logger.LevelInfo, format, args) }
func (r *Recorder) Warnf(format string, args ...any)  { r.add(logger.LevelWarn, format, args) }
func (r *Recorder) Errorf(format string, args ...any) { r.add(logger.LevelError, format, args) }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []logger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logger.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the first event whose message contains substr.
func (r *Recorder) Find(substr string) (logger.Event, bool) {
	for _, e := range r.Events() {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return logger.Event{}, false
}

// Count returns how many events were recorded at level.
func (r *Recorder) Count(level logger.Level) int {
	n := 0
	for _, e := range r.Events() {
		if e.Level == level {
			n++
		}
	}
	return n
}
