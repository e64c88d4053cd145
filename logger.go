package cancat

import (
	"fmt"
	"io"
	"log"
)

// Logger receives debug output and anomaly warnings from the device
// and the protocol stacks built on top of it.
type Logger interface {
	Debug(message string)
	Debugf(message string, args ...interface{})
	Warnf(message string, args ...interface{})
}

type nopLogger struct{}

func (l nopLogger) Debug(message string) {}

func (l nopLogger) Debugf(message string, args ...interface{}) {}

func (l nopLogger) Warnf(message string, args ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

type defaultLogger struct {
	l *log.Logger
}

func (l *defaultLogger) Debug(message string) {
	l.l.Println(message)
}

func (l *defaultLogger) Debugf(message string, args ...interface{}) {
	l.l.Printf(message, args...)
}

func (l *defaultLogger) Warnf(message string, args ...interface{}) {
	l.l.Printf("WARNING: "+message, args...)
}

// DefaultLogger writes to out with the "CANCAT " prefix.
var DefaultLogger = func(out io.Writer) Logger {
	return NewLogger(out, "CANCAT ")
}

// NewLogger returns a Logger backed by the standard library logger using the given prefix.
func NewLogger(out io.Writer, prefix string) Logger {
	return &defaultLogger{log.New(out, prefix, log.LstdFlags)}
}

// LogBytes logs b as a space separated list of hex bytes.
func LogBytes(l Logger, b []byte, prefix string) {
	s := prefix
	for _, bb := range b {
		s += fmt.Sprintf("0x%x ", bb)
	}
	l.Debug(s)
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger
	}
	return l
}
