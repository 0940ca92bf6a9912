package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
	"github.com/i474232898/avalanche-data-cache/internal/merge"
	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/schema"
	"github.com/i474232898/avalanche-data-cache/internal/telemetry"
)

type recorder struct {
	mu      sync.Mutex
	events  []telemetry.Event
	reports []error
}

func (r *recorder) Record(e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Report(err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, err)
}

func (r *recorder) snapshot() ([]telemetry.Event, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Event(nil), r.events...), append([]error(nil), r.reports...)
}

func featureJSON(id int, center string) string {
	return fmt.Sprintf(`{"type":"Feature","id":%d,"properties":{"name":"zone %d","center_id":%q,"danger_level":2}}`, id, id, center)
}

func layerJSON(features ...string) string {
	body := `{"type":"FeatureCollection","features":[`
	for i, f := range features {
		if i > 0 {
			body += ","
		}
		body += f
	}
	return body + "]}"
}

func testBackoff() BackoffConfig {
	return BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond}
}

func newTestOrchestrator(t *testing.T, rec *recorder) *Orchestrator {
	t.Helper()

	reg := schema.NewRegistry(rec, zerolog.Nop())
	reg.Register(avalanche.SourceMapLayer, schema.For[avalanche.MapLayer]())

	m := merge.New()
	m.Register(avalanche.SourceMapLayer, merge.RegionOverride{
		Regions:    []string{"CBAC"},
		Supersedes: map[string][]string{"CBAC": {"CAIC"}},
	}.Merge)

	client := NewClient(&http.Client{Timeout: 2 * time.Second}, testBackoff())
	return NewOrchestrator(client, reg, m, WithTelemetry(rec, rec), WithTimeout(5*time.Second))
}

func mapLayerPlan(host string) Plan {
	return Plan{
		Source: avalanche.SourceMapLayer,
		Parts: []Request{
			{Name: "broad", URL: host + "/v2/public/products/map-layer?day="},
			{Name: "override-CBAC", URL: host + "/v2/public/products/map-layer/CBAC"},
		},
	}
}

func centerIDs(t *testing.T, v any) []string {
	t.Helper()
	l, ok := v.(*avalanche.MapLayer)
	require.True(t, ok, "got %T", v)
	out := make([]string, 0, len(l.Features))
	for _, f := range l.Features {
		out = append(out, f.Properties.CenterID)
	}
	return out
}

func TestFetchMergesMapLayers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/public/products/map-layer", func(w http.ResponseWriter, r *http.Request) {
		// Delay the broad layer so the override answers first.
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, layerJSON(featureJSON(1, "A"), featureJSON(2, "CAIC")))
	})
	mux.HandleFunc("/v2/public/products/map-layer/CBAC", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, layerJSON(featureJSON(3, "CBAC")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &recorder{}
	o := newTestOrchestrator(t, rec)

	v, err := o.Fetch(context.Background(), "map-layer?host=x", mapLayerPlan(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "CBAC"}, centerIDs(t, v))

	events, _ := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "map-layer", events[0].Source)
	assert.NotEmpty(t, events[0].FetchID)
}

func TestFetchSingleFlight(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		fmt.Fprint(w, layerJSON(featureJSON(1, "A")))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, &recorder{})
	plan := Plan{Source: avalanche.SourceMapLayer, Parts: []Request{{Name: "broad", URL: srv.URL + "/layer"}}}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.Fetch(context.Background(), "same-key", plan)
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestFetchCallerCanDetach(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, layerJSON(featureJSON(1, "A")))
	}))
	defer srv.Close()

	rec := &recorder{}
	o := newTestOrchestrator(t, rec)
	plan := Plan{Source: avalanche.SourceMapLayer, Parts: []Request{{Name: "broad", URL: srv.URL}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Fetch(ctx, "k", plan)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The detached fetch keeps running and still completes.
	close(release)
	require.Eventually(t, func() bool {
		events, _ := rec.snapshot()
		return len(events) == 1 && events[0].Outcome == telemetry.OutcomeSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetchValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// center_id is missing.
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[{"type":"Feature","id":1,"properties":{"name":"x"}}]}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	o := newTestOrchestrator(t, rec)

	v, err := o.Fetch(context.Background(), "k", mapLayerPlan(srv.URL))
	assert.Nil(t, v)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(err))

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "features[0].properties.center_id", verr.Path)

	events, reports := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.OutcomeValidationError, events[0].Outcome)
	assert.NotEmpty(t, reports)
}

func TestFetchNetworkFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"type":`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			rec := &recorder{}
			o := newTestOrchestrator(t, rec)

			_, err := o.Fetch(context.Background(), "k", mapLayerPlan(srv.URL))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNetwork)

			events, reports := rec.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, telemetry.OutcomeNetworkError, events[0].Outcome)
			assert.Empty(t, reports)
		})
	}
}

func TestFetchTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := schema.NewRegistry(nil, zerolog.Nop())
	reg.Register(avalanche.SourceMapLayer, schema.For[avalanche.MapLayer]())
	client := NewClient(&http.Client{Timeout: 50 * time.Millisecond}, testBackoff())
	o := NewOrchestrator(client, reg, merge.New())

	_, err := o.Fetch(context.Background(), "k", Plan{Source: avalanche.SourceMapLayer, Parts: []Request{{Name: "broad", URL: srv.URL}}})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchRequiredPartFailureFailsWhole(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/public/products/map-layer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, layerJSON(featureJSON(1, "A")))
	})
	mux.HandleFunc("/v2/public/products/map-layer/CBAC", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o := newTestOrchestrator(t, &recorder{})
	v, err := o.Fetch(context.Background(), "k", mapLayerPlan(srv.URL))
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchOptionalPartMayFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/public/products/map-layer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, layerJSON(featureJSON(1, "A"), featureJSON(2, "CAIC")))
	})
	mux.HandleFunc("/v2/public/products/map-layer/CBAC", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	plan := mapLayerPlan(srv.URL)
	plan.Parts[1].Optional = true

	o := newTestOrchestrator(t, &recorder{})
	v, err := o.Fetch(context.Background(), "k", plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "CAIC"}, centerIDs(t, v))
}

func TestFetchAllOptionalPartsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, &recorder{})
	_, err := o.Fetch(context.Background(), "k", Plan{
		Source: avalanche.SourceMapLayer,
		Parts:  []Request{{Name: "only", URL: srv.URL, Optional: true}},
	})
	assert.ErrorIs(t, err, ErrMergeInput)

	_, err = o.Fetch(context.Background(), "k2", Plan{Source: avalanche.SourceMapLayer})
	assert.ErrorIs(t, err, ErrMergeInput)
}

type panickingValidator struct{}

func (panickingValidator) Validate(query.Source, string, []byte) (any, *schema.ValidationError) {
	panic("boom")
}

func TestFetchRecoversValidatorPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	client := NewClient(&http.Client{Timeout: time.Second}, testBackoff())
	o := NewOrchestrator(client, panickingValidator{}, merge.New(), WithTelemetry(rec, rec))

	_, err := o.Fetch(context.Background(), "k", Plan{Source: "x", Parts: []Request{{Name: "p", URL: srv.URL}}})
	assert.ErrorIs(t, err, ErrValidation)

	_, reports := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Error(), "boom")
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := NewClient(&http.Client{Timeout: time.Second}, BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond})
	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(&http.Client{Timeout: time.Second}, BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond})
	_, err := c.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, errUnexpected)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientBreakerIgnoresClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/public/avalanche-center/BOGUS", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/garbled", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":`)
	})
	mux.HandleFunc("/v2/public/products/map-layer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, layerJSON(featureJSON(1, "A")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(&http.Client{Timeout: time.Second}, testBackoff())
	for i := 0; i < 10; i++ {
		_, err := c.Get(context.Background(), srv.URL+"/v2/public/avalanche-center/BOGUS")
		require.ErrorIs(t, err, errUnexpected)
		_, err = c.Get(context.Background(), srv.URL+"/garbled")
		require.ErrorIs(t, err, errMalformedJSON)
	}

	_, err := c.Get(context.Background(), srv.URL+"/v2/public/products/map-layer?day=")
	assert.NoError(t, err)
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(&http.Client{Timeout: time.Second}, testBackoff())
	for i := 0; i < 6; i++ {
		_, err := c.Get(context.Background(), srv.URL+"/down")
		require.ErrorIs(t, err, errServerError)
	}

	_, err := c.Get(context.Background(), srv.URL+"/up")
	assert.ErrorIs(t, err, errCircuitOpen)
}
