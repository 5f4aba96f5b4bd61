// Package flog defines the structured event sink the core packages log
// through. Core code never imports a concrete logging library — it depends
// on the Sink interface, and cmd/flux wires in the standard-library-backed
// implementation. This mirrors the teacher's plain log.Printf("[component]
// ...") convention (see internal/app/executor/executor.go) generalized into
// a narrow seam so tests can assert on emitted events without parsing text.
package flog

import (
	"fmt"
	"log"
	"os"
)

// Field is a single structured key/value pair attached to an event.
type Field struct {
	Key   string
	Value any
}

// F builds a Field inline: flog.F("backend", addr).
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Sink is the structured event contract core packages log through.
type Sink interface {
	Info(component, msg string, fields ...Field)
	Warn(component, msg string, fields ...Field)
	Error(component, msg string, err error, fields ...Field)
}

// stdSink implements Sink on top of the standard library's log package,
// prefixing every line with the severity and component the way the
// teacher's infra packages do ("[executor] ...", "[gossip] ...").
type stdSink struct {
	logger *log.Logger
}

// NewStdSink returns a Sink that writes "LEVEL [component] msg key=val ..."
// lines to w via the standard library logger.
func NewStdSink(w *os.File) Sink {
	return &stdSink{logger: log.New(w, "", log.LstdFlags)}
}

func (s *stdSink) Info(component, msg string, fields ...Field) {
	s.logger.Print(format("INFO", component, msg, nil, fields))
}

func (s *stdSink) Warn(component, msg string, fields ...Field) {
	s.logger.Print(format("WARN", component, msg, nil, fields))
}

func (s *stdSink) Error(component, msg string, err error, fields ...Field) {
	s.logger.Print(format("ERROR", component, msg, err, fields))
}

func format(level, component, msg string, err error, fields []Field) string {
	out := fmt.Sprintf("%s [%s] %s", level, component, msg)
	if err != nil {
		out += fmt.Sprintf(" err=%q", err.Error())
	}
	for _, f := range fields {
		out += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	return out
}

// Discard is a Sink that drops every event. Useful in tests that don't care
// about log output.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Info(string, string, ...Field)         {}
func (discardSink) Warn(string, string, ...Field)         {}
func (discardSink) Error(string, string, error, ...Field) {}
