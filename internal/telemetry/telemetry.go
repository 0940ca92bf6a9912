// Package telemetry carries fetch events and error reports out of the data layer.
package telemetry

import (
	"time"

	"github.com/rs/zerolog"
)

// Outcome classifies how a fetch ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeNetworkError    Outcome = "network-error"
	OutcomeValidationError Outcome = "validation-error"
	OutcomeMergeInputError Outcome = "merge-input-error"
)

// Event describes one completed fetch. Payload contents are never included.
type Event struct {
	FetchID   string
	Source    string
	Key       string
	Outcome   Outcome
	Duration  time.Duration
	ErrorKind string
	Error     string
}

// Sink receives fetch events.
type Sink interface {
	Record(Event)
}

// Reporter receives errors that point at API drift or bugs.
type Reporter interface {
	Report(err error, tags map[string]string)
}

// Logger writes events and reports as structured log lines.
type Logger struct {
	log zerolog.Logger
}

// NewLogger returns a Sink and Reporter backed by log.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "telemetry").Logger()}
}

func (l *Logger) Record(e Event) {
	ev := l.log.Info()
	if e.Outcome != OutcomeSuccess {
		ev = l.log.Warn()
	}
	ev = ev.
		Str("fetch_id", e.FetchID).
		Str("source", e.Source).
		Str("key", e.Key).
		Str("outcome", string(e.Outcome)).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.ErrorKind != "" {
		ev = ev.Str("error_kind", e.ErrorKind).Str("error", e.Error)
	}
	ev.Msg("fetch finished")
}

func (l *Logger) Report(err error, tags map[string]string) {
	ev := l.log.Error().Err(err)
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("error report")
}

type nop struct{}

func (nop) Record(Event)                    {}
func (nop) Report(error, map[string]string) {}

// Nop discards everything.
var Nop = nop{}
