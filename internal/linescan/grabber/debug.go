package grabber

import (
	"io"
	"log"
)

// Three debug streams, all quiet until SetLogWriters installs
// destinations: ops carries warnings and data loss, diag carries tuning
// context, trace carries per-buffer telemetry.
var logOps, logDiag, logTrace logSink

// SetLogWriters configures the debug streams for the grabber package.
// A nil writer disables its stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logOps.to(ops)
	logDiag.to(diag)
	logTrace.to(trace)
}

type logSink struct{ l *log.Logger }

func (s *logSink) to(w io.Writer) {
	s.l = nil
	if w != nil {
		s.l = log.New(w, "[grabber] ", log.LstdFlags|log.Lmicroseconds)
	}
}

func (s *logSink) printf(format string, args ...interface{}) {
	if s.l != nil {
		s.l.Printf(format, args...)
	}
}

func opsf(format string, args ...interface{}) { logOps.printf(format, args...) }

func diagf(format string, args ...interface{}) { logDiag.printf(format, args...) }

func tracef(format string, args ...interface{}) { logTrace.printf(format, args...) }
