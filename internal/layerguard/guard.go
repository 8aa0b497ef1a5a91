// Package layerguard wraps source and layer lifecycle calls so they can be
// issued at any time, including while the renderer is swapping styles.
// Nothing here returns an error or panics; failures are logged and reported
// as false.
package layerguard

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/filterexpr"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/metrics"
)

type Guard struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(log zerolog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{log: log, metrics: m}
}

// EnsureSource creates the source unless it already exists and reports
// whether it was created by this call.
func (g *Guard) EnsureSource(e mapengine.Engine, id string, def mapengine.SourceSpec) (created bool) {
	defer g.recover("ensure source", id, &created)
	if e.HasSource(id) {
		return false
	}
	if err := e.AddSource(id, def); err != nil {
		g.log.Debug().Err(err).Str("source_id", id).Msg("add source deferred")
		return false
	}
	return true
}

// EnsureLayer adds a copy of spec with its filter normalized. The layer is
// placed below beforeID when that layer exists, on top otherwise.
func (g *Guard) EnsureLayer(e mapengine.Engine, spec mapengine.LayerSpec, beforeID string) (created bool) {
	defer g.recover("ensure layer", spec.ID, &created)
	if e.HasLayer(spec.ID) {
		return false
	}
	spec = spec.Clone()
	original := spec.Filter
	if spec.Filter != nil {
		spec.Filter = filterexpr.Normalize(spec.Filter)
	}
	if beforeID != "" && !e.HasLayer(beforeID) {
		g.log.Debug().Str("layer_id", spec.ID).Str("before_id", beforeID).Msg("anchor layer missing; adding on top")
		beforeID = ""
	}
	if err := e.AddLayer(spec, beforeID); err != nil {
		if errors.Is(err, mapengine.ErrInvalidFilter) {
			g.metrics.IncFilterFailure()
			g.log.Warn().Err(err).Str("layer_id", spec.ID).Msg("layer filter rejected")
			filterexpr.Trace(g.log, spec.ID, original, spec.Filter)
			return false
		}
		g.log.Debug().Err(err).Str("layer_id", spec.ID).Msg("add layer deferred")
		return false
	}
	return true
}

// RemoveLayerSafe removes the layer if present and reports whether it did.
func (g *Guard) RemoveLayerSafe(e mapengine.Engine, id string) (removed bool) {
	defer g.recover("remove layer", id, &removed)
	if !e.HasLayer(id) {
		return false
	}
	if err := e.RemoveLayer(id); err != nil {
		g.log.Debug().Err(err).Str("layer_id", id).Msg("remove layer failed")
		return false
	}
	return true
}

// RemoveSourceSafe removes the source if present and reports whether it did.
// A source still referenced by a layer is left in place.
func (g *Guard) RemoveSourceSafe(e mapengine.Engine, id string) (removed bool) {
	defer g.recover("remove source", id, &removed)
	if !e.HasSource(id) {
		return false
	}
	if err := e.RemoveSource(id); err != nil {
		g.log.Debug().Err(err).Str("source_id", id).Msg("remove source failed")
		return false
	}
	return true
}

// SetFilter normalizes and applies filter, counting renderer rejections.
func (g *Guard) SetFilter(e mapengine.Engine, layerID string, filter any) bool {
	if filterexpr.SafeSetFilter(e, layerID, filter, g.log) {
		return true
	}
	g.metrics.IncFilterFailure()
	return false
}

func (g *Guard) recover(op, id string, result *bool) {
	if r := recover(); r != nil {
		g.log.Debug().Str("op", op).Str("id", id).Str("panic", fmt.Sprint(r)).Msg("renderer call panicked")
		*result = false
	}
}
