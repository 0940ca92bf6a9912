package fetch

import (
	"errors"
	"fmt"

	"github.com/i474232898/avalanche-data-cache/internal/query"
)

// Kind classifies a fetch failure. All kinds are recoverable by retrying later.
type Kind string

const (
	// KindNetwork covers connectivity failures, timeouts, non-2xx statuses and
	// bodies that are not JSON.
	KindNetwork Kind = "network"
	// KindValidation means a payload did not match its schema.
	KindValidation Kind = "validation"
	// KindMergeInput means required parts were missing for the merge.
	KindMergeInput Kind = "merge-input"
)

// Sentinels for errors.Is matching on the kind of a *Error.
var (
	ErrNetwork    = errors.New("network error")
	ErrValidation = errors.New("validation error")
	ErrMergeInput = errors.New("merge input error")
)

// Error is the typed failure returned by the Orchestrator.
type Error struct {
	Kind   Kind
	Source query.Source
	Part   string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrMergeInput:
		return e.Kind == KindMergeInput
	}
	return false
}

// KindOf returns the kind of err, or "" if err is not a fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
