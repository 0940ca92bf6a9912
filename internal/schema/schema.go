// Package schema turns raw JSON payloads into typed values, or a structured
// ValidationError describing the first violation found.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/telemetry"
)

const maxObserved = 64

// ValidationError describes the first structural violation in a payload.
type ValidationError struct {
	Source   query.Source
	URL      string
	Path     string
	Expected string
	Observed string
}

func (e *ValidationError) Error() string {
	path := e.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("%s: invalid payload at %s: expected %s, got %s", e.Source, path, e.Expected, e.Observed)
}

// Schema decodes and checks one payload shape.
type Schema interface {
	decode(v *validator.Validate, raw []byte) (any, *ValidationError)
}

type typed[T any] struct{}

// For returns the schema for payloads shaped like T. Constraints are declared
// with `validate` struct tags.
func For[T any]() Schema {
	return typed[T]{}
}

func (typed[T]) decode(v *validator.Validate, raw []byte) (any, *ValidationError) {
	value := new(T)
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(value); err != nil {
		return nil, decodeError(err)
	}

	if reflect.Indirect(reflect.ValueOf(value)).Kind() == reflect.Struct {
		if err := v.Struct(value); err != nil {
			return nil, constraintError(err)
		}
	}
	return value, nil
}

// Registry maps each source family to its schema.
type Registry struct {
	validate *validator.Validate
	schemas  map[query.Source]Schema
	reporter telemetry.Reporter
	log      zerolog.Logger
}

// NewRegistry creates an empty registry. Validation failures are logged and
// forwarded to reporter.
func NewRegistry(reporter telemetry.Reporter, log zerolog.Logger) *Registry {
	v := validator.New()
	// Report JSON field names in paths rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	if reporter == nil {
		reporter = telemetry.Nop
	}
	return &Registry{
		validate: v,
		schemas:  make(map[query.Source]Schema),
		reporter: reporter,
		log:      log.With().Str("component", "schema").Logger(),
	}
}

// Register sets the schema for source, replacing any previous one.
func (r *Registry) Register(source query.Source, s Schema) {
	r.schemas[source] = s
}

// Validate converts raw into the typed value registered for source. raw is
// never modified.
func (r *Registry) Validate(source query.Source, url string, raw []byte) (any, *ValidationError) {
	s, ok := r.schemas[source]
	if !ok {
		verr := &ValidationError{Expected: "registered schema", Observed: "none"}
		r.fail(source, url, verr)
		return nil, verr
	}

	value, verr := s.decode(r.validate, raw)
	if verr != nil {
		r.fail(source, url, verr)
		return nil, verr
	}
	return value, nil
}

func (r *Registry) fail(source query.Source, url string, verr *ValidationError) {
	verr.Source = source
	verr.URL = url
	r.log.Warn().
		Str("source", string(source)).
		Str("url", url).
		Str("path", verr.Path).
		Str("expected", verr.Expected).
		Msg("failed to parse")
	r.reporter.Report(verr, map[string]string{
		"validation_error": "true",
		"source":           string(source),
		"url":              url,
	})
}

func decodeError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Path:     typeErr.Field,
			Expected: typeErr.Type.String(),
			Observed: typeErr.Value,
		}
	}
	return &ValidationError{Expected: "JSON document", Observed: summarize(err.Error())}
}

func constraintError(err error) *ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Expected: "valid value", Observed: summarize(err.Error())}
	}

	fe := fieldErrs[0]
	expected := fe.Tag()
	if fe.Param() != "" {
		expected += "=" + fe.Param()
	}
	return &ValidationError{
		Path:     trimRoot(fe.Namespace()),
		Expected: expected,
		Observed: summarize(fmt.Sprintf("%v", fe.Value())),
	}
}

// trimRoot drops the leading type name from a validator namespace.
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func summarize(s string) string {
	if s == "" {
		return `""`
	}
	if len(s) > maxObserved {
		return s[:maxObserved] + "..."
	}
	return s
}
