package logger

import "fmt"

// Sink is the logging surface components depend on. The package-level
// logger satisfies it through Default; tests substitute a recorder.
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type std struct{}

func (std) Debugf(format string, args ...any) { Log(LevelDebug, format, args...) }
func (std) Infof(format string, args ...any)  { Log(LevelInfo, format, args...) }
func (std) Warnf(format string, args ...any)  { Log(LevelWarn, format, args...) }
func (std) Errorf(format string, args ...any) { Log(LevelError, format, args...) }

// Default returns a Sink writing to the package-level logger.
func Default() Sink { return std{} }

type prefixed struct {
	next   Sink
	prefix string
}

// WithPrefix returns a Sink that tags every message with "[prefix] ".
func WithPrefix(s Sink, prefix string) Sink {
	return prefixed{next: s, prefix: "[" + prefix + "] "}
}

func (p prefixed) Debugf(format string, args ...any) { p.next.Debugf("%s", p.tag(format, args)) }
func (p prefixed) Infof(format string, args ...any)  { p.next.Infof("%s", p.tag(format, args)) }
func (p prefixed) Warnf(format string, args ...any)  { p.next.Warnf("%s", p.tag(format, args)) }
func (p prefixed) Errorf(format string, args ...any) { p.next.Errorf("%s", p.tag(format, args)) }

func (p prefixed) tag(format string, args []any) string {
	if len(args) == 0 {
		return p.prefix + format
	}
	return p.prefix + fmt.Sprintf(format, args...)
}

// Emit writes msg to s at the given level.
func Emit(s Sink, level Level, msg string) {
	switch level {
	case LevelDebug:
		s.Debugf("%s", msg)
	case LevelWarn:
		s.Warnf("%s", msg)
	case LevelError:
		s.Errorf("%s", msg)
	default:
		s.Infof("%s", msg)
	}
}
