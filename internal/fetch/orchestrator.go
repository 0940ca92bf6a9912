// Package fetch retrieves, validates and merges upstream data for one cache key
// at a time, with at most one fetch in flight per key.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/schema"
	"github.com/i474232898/avalanche-data-cache/internal/telemetry"
)

// Request is one HTTP GET of a plan.
type Request struct {
	Name     string
	URL      string
	Optional bool
}

// Plan lists the requests that together produce the value of one source.
// Parts are handed to the merger in this order, whatever order responses
// arrive in.
type Plan struct {
	Source query.Source
	Parts  []Request
}

// Getter performs one upstream GET.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Validator converts a raw payload into a typed value.
type Validator interface {
	Validate(source query.Source, url string, raw []byte) (any, *schema.ValidationError)
}

// Merger combines validated parts into a canonical value.
type Merger interface {
	Merge(source query.Source, parts []any) any
}

// Orchestrator executes plans.
type Orchestrator struct {
	client   Getter
	schemas  Validator
	merger   Merger
	sink     telemetry.Sink
	reporter telemetry.Reporter
	log      zerolog.Logger
	timeout  time.Duration

	group singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTelemetry sets the event sink and the error reporter.
func WithTelemetry(sink telemetry.Sink, reporter telemetry.Reporter) Option {
	return func(o *Orchestrator) {
		o.sink = sink
		o.reporter = reporter
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithTimeout bounds a whole fetch, all parts and retries included.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client Getter, schemas Validator, merger Merger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		schemas:  schemas,
		merger:   merger,
		sink:     telemetry.Nop,
		reporter: telemetry.Nop,
		log:      zerolog.Nop(),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", "fetch").Logger()
	return o
}

// Fetch returns the canonical value for key by executing plan. Concurrent
// calls for the same key share one execution. A caller whose ctx ends stops
// waiting, but the execution keeps running for everyone else.
//
// Failures are returned as *Error.
func (o *Orchestrator) Fetch(ctx context.Context, key query.Key, plan Plan) (any, error) {
	ch := o.group.DoChan(string(key), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.execute(fctx, key, plan)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (o *Orchestrator) execute(ctx context.Context, key query.Key, plan Plan) (any, error) {
	fetchID := uuid.NewString()
	start := time.Now()
	log := o.log.With().Str("fetch_id", fetchID).Str("query", string(key)).Logger()
	log.Debug().Int("parts", len(plan.Parts)).Msg("initiating fetch")

	value, err := o.run(ctx, log, plan)

	ev := telemetry.Event{
		FetchID:  fetchID,
		Source:   string(plan.Source),
		Key:      string(key),
		Outcome:  telemetry.OutcomeSuccess,
		Duration: time.Since(start),
	}
	if err != nil {
		kind := KindOf(err)
		ev.ErrorKind = string(kind)
		ev.Error = err.Error()
		switch kind {
		case KindValidation:
			ev.Outcome = telemetry.OutcomeValidationError
		case KindMergeInput:
			ev.Outcome = telemetry.OutcomeMergeInputError
		default:
			ev.Outcome = telemetry.OutcomeNetworkError
		}
	}
	o.sink.Record(ev)

	if err != nil {
		return nil, err
	}
	return value, nil
}

func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, plan Plan) (any, error) {
	if len(plan.Parts) == 0 {
		return nil, &Error{Kind: KindMergeInput, Source: plan.Source, Err: fmt.Errorf("plan has no parts")}
	}

	parts := make([]any, len(plan.Parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range plan.Parts {
		g.Go(func() error {
			v, err := o.fetchPart(gctx, plan.Source, req)
			if err != nil {
				if req.Optional {
					log.Warn().Err(err).Str("part", req.Name).Msg("optional part failed")
					return nil
				}
				return err
			}
			parts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	present := 0
	for i, req := range plan.Parts {
		if parts[i] != nil {
			present++
			continue
		}
		if !req.Optional {
			return nil, &Error{Kind: KindMergeInput, Source: plan.Source, Part: req.Name, URL: req.URL, Err: fmt.Errorf("required part %q missing", req.Name)}
		}
	}
	if present == 0 {
		return nil, &Error{Kind: KindMergeInput, Source: plan.Source, Err: fmt.Errorf("no parts available")}
	}

	value := o.merger.Merge(plan.Source, parts)
	if value == nil {
		return nil, &Error{Kind: KindMergeInput, Source: plan.Source, Err: fmt.Errorf("merge produced no value")}
	}
	return value, nil
}

func (o *Orchestrator) fetchPart(ctx context.Context, source query.Source, req Request) (any, error) {
	raw, err := o.client.Get(ctx, req.URL)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Source: source, Part: req.Name, URL: req.URL, Err: err}
	}
	return o.validate(source, req, raw)
}

// validate converts a panic inside the validator into a validation failure
// and reports it.
func (o *Orchestrator) validate(source query.Source, req Request, raw []byte) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic during validation: %v", r)
			o.reporter.Report(perr, map[string]string{
				"source": string(source),
				"url":    req.URL,
			})
			value = nil
			err = &Error{Kind: KindValidation, Source: source, Part: req.Name, URL: req.URL, Err: perr}
		}
	}()

	v, verr := o.schemas.Validate(source, req.URL, raw)
	if verr != nil {
		return nil, &Error{Kind: KindValidation, Source: source, Part: req.Name, URL: req.URL, Err: verr}
	}
	return v, nil
}
