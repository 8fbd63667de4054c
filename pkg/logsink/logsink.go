// Package logsink defines the minimal logger interface the storage
// core reports events through. Spec.md treats the logger as an
// external collaborator ("emits log events through an opaque logger
// sink", §1) — the core never picks a logging library itself, since
// none of the example repos in the corpus this module was modeled on
// pull one in either.
package logsink

import "log"

// Logger is the opaque sink every component accepts at construction
// time (spec.md §9, "Global mutable state": no logger singleton,
// constructor-injected instead).
type Logger interface {
	Printf(format string, args ...any)
}

// Standard adapts the standard library's *log.Logger to Logger. Used
// by cmd/sqlcc-bench, mirroring the teacher's cmd/*/main.go use of the
// stdlib log package.
func Standard(l *log.Logger) Logger {
	return stdAdapter{l}
}

type stdAdapter struct{ l *log.Logger }

func (s stdAdapter) Printf(format string, args ...any) {
	s.l.Printf(format, args...)
}

// Discard is a Logger that drops every message, used as the default
// when no logger is supplied and in tests.
var Discard Logger = discard{}

type discard struct{}

func (discard) Printf(string, ...any) {}
