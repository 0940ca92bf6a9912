// Package catalog declares every upstream source family: the parameters it
// takes, the requests that fetch it, its payload schema, its merge policy and
// its cache horizons.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
	"github.com/i474232898/avalanche-data-cache/internal/fetch"
	"github.com/i474232898/avalanche-data-cache/internal/merge"
	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/schema"
	"github.com/i474232898/avalanche-data-cache/internal/store"
)

// ParamHost is the upstream host parameter every query carries.
const ParamHost = "host"

var (
	// ErrUnknownSource is returned for a source with no family.
	ErrUnknownSource = errors.New("unknown source")
	// ErrMissingParam is returned when a required parameter is absent.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrInvalidParam is returned when a parameter has the wrong type.
	ErrInvalidParam = errors.New("invalid parameter")
)

// ParamKind is the primitive type of a parameter.
type ParamKind int

const (
	KindString ParamKind = iota
	KindInt
)

// Param declares one query parameter of a family.
type Param struct {
	Name     string
	Kind     ParamKind
	Required bool
}

// Family is one source family.
type Family struct {
	Source query.Source
	Params []Param
	Schema schema.Schema
	Merge  merge.Policy
	Plan   func(host string, q query.Query) []fetch.Request
}

// Options configures the catalog.
type Options struct {
	// Policies holds the horizons per family; families without an entry use
	// DefaultPolicy.
	Policies map[query.Source]store.Policy
	// OverrideRegions are regional map layers fetched alongside the broad one.
	OverrideRegions []string
	// Supersedes maps an override region to centers it replaces on the map.
	Supersedes map[string][]string
}

// DefaultPolicy applies to families with no configured horizons.
var DefaultPolicy = store.Policy{Freshness: 5 * time.Minute, Eviction: store.Horizon(time.Hour)}

// Catalog resolves queries to fetch plans. It implements store.Resolver.
type Catalog struct {
	families map[query.Source]Family
	policies map[query.Source]store.Policy
}

// New builds the catalog of NAC API families.
func New(opts Options) *Catalog {
	c := &Catalog{
		families: make(map[query.Source]Family),
		policies: opts.Policies,
	}
	for _, f := range families(opts) {
		c.families[f.Source] = f
	}
	return c
}

// Families returns the registered sources in declaration order.
func (c *Catalog) Families() []query.Source {
	out := make([]query.Source, 0, len(c.families))
	for _, s := range avalanche.Sources {
		if _, ok := c.families[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether source is known.
func (c *Catalog) Has(source query.Source) bool {
	_, ok := c.families[source]
	return ok
}

// Register adds every family's schema to reg.
func (c *Catalog) Register(reg *schema.Registry) {
	for _, f := range c.families {
		reg.Register(f.Source, f.Schema)
	}
}

// Merger returns a merger carrying every family's policy.
func (c *Catalog) Merger() *merge.Merger {
	m := merge.New()
	for _, f := range c.families {
		if f.Merge != nil {
			m.Register(f.Source, f.Merge)
		}
	}
	return m
}

// Policy returns the horizons of source.
func (c *Catalog) Policy(source query.Source) store.Policy {
	if p, ok := c.policies[source]; ok {
		return p
	}
	return DefaultPolicy
}

// Query builds a query for source from string parameters, converting each
// declared parameter to its kind. Undeclared parameters are rejected.
func (c *Catalog) Query(source query.Source, host string, raw map[string]string) (query.Query, error) {
	f, ok := c.families[source]
	if !ok {
		return query.Query{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	params := map[string]any{ParamHost: host}
	declared := make(map[string]Param, len(f.Params))
	for _, p := range f.Params {
		declared[p.Name] = p
	}
	for name, v := range raw {
		p, ok := declared[name]
		if !ok {
			return query.Query{}, fmt.Errorf("%w: %s does not take %q", ErrInvalidParam, source, name)
		}
		switch p.Kind {
		case KindInt:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return query.Query{}, fmt.Errorf("%w: %s must be an integer", ErrInvalidParam, name)
			}
			params[name] = n
		default:
			params[name] = v
		}
	}
	return query.New(source, params)
}

// Resolve implements store.Resolver.
func (c *Catalog) Resolve(q query.Query) (fetch.Plan, store.Policy, error) {
	f, ok := c.families[q.Source()]
	if !ok {
		return fetch.Plan{}, store.Policy{}, fmt.Errorf("%w: %s", ErrUnknownSource, q.Source())
	}

	host := strings.TrimRight(q.String(ParamHost), "/")
	if host == "" {
		return fetch.Plan{}, store.Policy{}, fmt.Errorf("%w: %s", ErrMissingParam, ParamHost)
	}
	for _, p := range f.Params {
		v, present := q.Param(p.Name)
		if !present {
			if p.Required {
				return fetch.Plan{}, store.Policy{}, fmt.Errorf("%w: %s needs %s", ErrMissingParam, q.Source(), p.Name)
			}
			continue
		}
		if !kindMatches(p.Kind, v) {
			return fetch.Plan{}, store.Policy{}, fmt.Errorf("%w: %s", ErrInvalidParam, p.Name)
		}
		if p.Required && v == "" {
			return fetch.Plan{}, store.Policy{}, fmt.Errorf("%w: %s needs %s", ErrMissingParam, q.Source(), p.Name)
		}
	}

	return fetch.Plan{Source: f.Source, Parts: f.Plan(host, q)}, c.Policy(f.Source), nil
}

func kindMatches(k ParamKind, v any) bool {
	switch k {
	case KindInt:
		_, ok := v.(int64)
		return ok
	default:
		_, ok := v.(string)
		return ok
	}
}

func families(opts Options) []Family {
	regions := opts.OverrideRegions

	return []Family{
		{
			Source: avalanche.SourceMapLayer,
			Params: []Param{{Name: "day", Kind: KindString}},
			Schema: schema.For[avalanche.MapLayer](),
			Merge:  merge.RegionOverride{Regions: regions, Supersedes: opts.Supersedes}.Merge,
			Plan: func(host string, q query.Query) []fetch.Request {
				parts := []fetch.Request{{
					Name: "broad",
					URL:  host + "/v2/public/products/map-layer?day=" + url.QueryEscape(q.String("day")),
				}}
				for _, r := range regions {
					parts = append(parts, fetch.Request{
						Name: "override-" + r,
						URL:  host + "/v2/public/products/map-layer/" + url.PathEscape(r),
					})
				}
				return parts
			},
		},
		{
			Source: avalanche.SourceAvalancheCenter,
			Params: []Param{{Name: "center_id", Kind: KindString, Required: true}},
			Schema: schema.For[avalanche.AvalancheCenter](),
			Plan: func(host string, q query.Query) []fetch.Request {
				return []fetch.Request{{
					Name: "center",
					URL:  host + "/v2/public/avalanche-center/" + url.PathEscape(q.String("center_id")),
				}}
			},
		},
		{
			Source: avalanche.SourceForecast,
			Params: []Param{
				{Name: "center_id", Kind: KindString, Required: true},
				{Name: "zone_id", Kind: KindInt, Required: true},
				{Name: "date", Kind: KindString},
			},
			Schema: schema.For[avalanche.Forecast](),
			Plan: func(host string, q query.Query) []fetch.Request {
				zone, _ := q.Int("zone_id")
				v := url.Values{}
				v.Set("type", "forecast")
				v.Set("center_id", q.String("center_id"))
				v.Set("zone_id", strconv.FormatInt(zone, 10))
				if d := q.String("date"); d != "" {
					v.Set("published_time", d)
				}
				return []fetch.Request{{Name: "forecast", URL: host + "/v2/public/product?" + v.Encode()}}
			},
		},
		{
			Source: avalanche.SourceObservations,
			Params: []Param{
				{Name: "center_id", Kind: KindString, Required: true},
				{Name: "start_date", Kind: KindString, Required: true},
				{Name: "end_date", Kind: KindString, Required: true},
			},
			Schema: schema.For[avalanche.ObservationList](),
			Plan: func(host string, q query.Query) []fetch.Request {
				v := url.Values{}
				v.Set("center_id", q.String("center_id"))
				v.Set("start_date", q.String("start_date"))
				v.Set("end_date", q.String("end_date"))
				return []fetch.Request{{Name: "observations", URL: host + "/obs/v1/public/observations?" + v.Encode()}}
			},
		},
		{
			Source: avalanche.SourceWeatherStations,
			Params: []Param{{Name: "center_id", Kind: KindString, Required: true}},
			Schema: schema.For[avalanche.WeatherStationCollection](),
			Plan: func(host string, q query.Query) []fetch.Request {
				v := url.Values{}
				v.Set("center_id", q.String("center_id"))
				return []fetch.Request{{Name: "stations", URL: host + "/v2/public/weather-stations?" + v.Encode()}}
			},
		},
	}
}
