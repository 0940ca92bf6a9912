package merge

import (
	"github.com/i474232898/avalanche-data-cache/internal/avalanche"
)

// RegionOverride merges map layers where regional authorities take precedence
// over broad coverage. parts[0] is the broad layer and parts[i] for i >= 1 is
// the layer published by Regions[i-1]; later overrides outrank earlier ones.
//
// For each override, every feature accumulated so far whose center_id lies in
// the override's jurisdiction is dropped, then the override's features are
// appended unfiltered. The jurisdiction is the override's region, the center
// ids present in its layer, and anything Supersedes lists for either.
type RegionOverride struct {
	Regions []string

	// Supersedes maps an overriding center to centers it replaces on the map,
	// e.g. CBAC -> [CAIC].
	Supersedes map[string][]string
}

// Merge implements Policy for *avalanche.MapLayer parts.
func (r RegionOverride) Merge(parts []any) any {
	var base *avalanche.MapLayer
	var features []avalanche.MapLayerFeature

	for i, p := range parts {
		layer, ok := p.(*avalanche.MapLayer)
		if !ok || layer == nil {
			continue
		}
		if base == nil {
			base = layer
		}
		if i == 0 {
			features = append(features, layer.Features...)
			continue
		}

		drop := r.jurisdiction(i-1, layer)
		kept := make([]avalanche.MapLayerFeature, 0, len(features)+len(layer.Features))
		for _, f := range features {
			if _, hit := drop[f.Properties.CenterID]; !hit {
				kept = append(kept, f)
			}
		}
		features = append(kept, layer.Features...)
	}

	if base == nil {
		return nil
	}
	return &avalanche.MapLayer{Type: base.Type, Features: features}
}

func (r RegionOverride) jurisdiction(override int, layer *avalanche.MapLayer) map[string]struct{} {
	ids := make(map[string]struct{})
	add := func(id string) {
		ids[id] = struct{}{}
		for _, s := range r.Supersedes[id] {
			ids[s] = struct{}{}
		}
	}
	if override < len(r.Regions) {
		add(r.Regions[override])
	}
	for _, f := range layer.Features {
		add(f.Properties.CenterID)
	}
	return ids
}
