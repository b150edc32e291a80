package linescan

import (
	"io"
	"log"
	"sync"
)

// LogWriters names the destinations for the package's three logging
// streams. Ops carries lifecycle events and actionable warnings, diag
// carries tuning context for debug runs, trace carries per-strip
// telemetry. A nil writer silences its stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// stream is one switchable log destination. The zero value is silent.
type stream struct {
	mu sync.RWMutex
	l  *log.Logger
}

func (s *stream) set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		s.l = nil
		return
	}
	s.l = log.New(w, "[linescan] ", log.LstdFlags|log.Lmicroseconds)
}

func (s *stream) printf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.l
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

var opsStream, diagStream, traceStream stream

// SetLogWriters points the three streams at their destinations.
func SetLogWriters(w LogWriters) {
	opsStream.set(w.Ops)
	diagStream.set(w.Diag)
	traceStream.set(w.Trace)
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) { opsStream.printf(format, args...) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) { diagStream.printf(format, args...) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) { traceStream.printf(format, args...) }
