package schema

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []map[string]string
}

func (r *recordingReporter) Report(_ error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, tags)
}

func newTestRegistry(rep *recordingReporter) *Registry {
	reg := NewRegistry(rep, zerolog.Nop())
	reg.Register(avalanche.SourceMapLayer, For[avalanche.MapLayer]())
	return reg
}

const validLayer = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 1, "properties": {"name": "Olympics", "center_id": "NWAC", "danger_level": 2}}
  ]
}`

func TestValidateAcceptsValidPayload(t *testing.T) {
	rep := &recordingReporter{}
	reg := newTestRegistry(rep)

	v, verr := reg.Validate(avalanche.SourceMapLayer, "http://x/map-layer", []byte(validLayer))
	require.Nil(t, verr)

	layer, ok := v.(*avalanche.MapLayer)
	require.True(t, ok)
	require.Len(t, layer.Features, 1)
	assert.Equal(t, "NWAC", layer.Features[0].Properties.CenterID)
	assert.Empty(t, rep.reports)
}

func TestValidateMissingRequiredField(t *testing.T) {
	rep := &recordingReporter{}
	reg := newTestRegistry(rep)

	raw := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","id":1,"properties":{"name":"Olympics"}}]}`)
	before := string(raw)

	v, verr := reg.Validate(avalanche.SourceMapLayer, "http://x/map-layer", raw)
	assert.Nil(t, v)
	require.NotNil(t, verr)
	assert.Equal(t, "features[0].properties.center_id", verr.Path)
	assert.Equal(t, "required", verr.Expected)
	assert.Equal(t, avalanche.SourceMapLayer, verr.Source)
	assert.Equal(t, "http://x/map-layer", verr.URL)
	assert.Equal(t, before, string(raw))

	require.Len(t, rep.reports, 1)
	assert.Equal(t, "true", rep.reports[0]["validation_error"])
	assert.Equal(t, "http://x/map-layer", rep.reports[0]["url"])
}

func TestValidateWrongPrimitiveType(t *testing.T) {
	reg := newTestRegistry(&recordingReporter{})

	raw := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","id":"one","properties":{"name":"a","center_id":"B"}}]}`)
	_, verr := reg.Validate(avalanche.SourceMapLayer, "", raw)
	require.NotNil(t, verr)
	assert.Equal(t, "features.id", verr.Path)
	assert.Equal(t, "int64", verr.Expected)
	assert.Equal(t, "string", verr.Observed)
}

func TestValidateMissingCollection(t *testing.T) {
	reg := newTestRegistry(&recordingReporter{})

	_, verr := reg.Validate(avalanche.SourceMapLayer, "", []byte(`{"type":"FeatureCollection"}`))
	require.NotNil(t, verr)
	assert.Equal(t, "features", verr.Path)
	assert.Equal(t, "required", verr.Expected)
}

func TestValidateOutOfRangeDanger(t *testing.T) {
	reg := newTestRegistry(&recordingReporter{})

	raw := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","id":1,"properties":{"name":"a","center_id":"B","danger_level":9}}]}`)
	_, verr := reg.Validate(avalanche.SourceMapLayer, "", raw)
	require.NotNil(t, verr)
	assert.Equal(t, "features[0].properties.danger_level", verr.Path)
	assert.Equal(t, "max=5", verr.Expected)
	assert.Equal(t, "9", verr.Observed)
}

func TestValidateUnknownSource(t *testing.T) {
	rep := &recordingReporter{}
	reg := newTestRegistry(rep)

	_, verr := reg.Validate("unknown", "", []byte(`{}`))
	require.NotNil(t, verr)
	assert.Equal(t, "registered schema", verr.Expected)
	assert.Len(t, rep.reports, 1)

	var target *ValidationError
	assert.True(t, errors.As(error(verr), &target))
}
