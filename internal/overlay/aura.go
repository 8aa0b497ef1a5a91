package overlay

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/presence"
)

const DefaultAuraID = "user-aura"

type AuraOptions struct {
	ID            string
	BeforeLayerID string
	Style         Style
}

// Aura draws a halo around the self marker. It owns the self colour, which
// the presence collection deliberately leaves out.
type Aura struct {
	*core

	styleMu sync.Mutex
	style   Style
}

func NewAura(log zerolog.Logger, guard *layerguard.Guard, opts AuraOptions) *Aura {
	if opts.ID == "" {
		opts.ID = DefaultAuraID
	}
	a := &Aura{style: opts.Style.WithDefaults()}
	a.core = newCore(opts.ID, opts.BeforeLayerID, log, guard, hooks{
		layers: a.layers,
		source: func(data *geojson.FeatureCollection) mapengine.SourceSpec {
			if data == nil {
				data = geojson.NewFeatureCollection()
			}
			return mapengine.SourceSpec{Data: data}
		},
	})
	return a
}

func (a *Aura) HaloLayerID() string { return a.id + "-halo" }
func (a *Aura) CoreLayerID() string { return a.id + "-core" }

func (a *Aura) currentStyle() Style {
	a.styleMu.Lock()
	defer a.styleMu.Unlock()
	return a.style
}

func (a *Aura) layers() []mapengine.LayerSpec {
	paint := a.paint(a.currentStyle())
	return []mapengine.LayerSpec{
		{ID: a.HaloLayerID(), Source: a.sourceID, Kind: mapengine.KindCircle, Paint: paint[a.HaloLayerID()]},
		{ID: a.CoreLayerID(), Source: a.sourceID, Kind: mapengine.KindCircle, Paint: paint[a.CoreLayerID()]},
	}
}

func (a *Aura) paint(st Style) map[string]map[string]any {
	return map[string]map[string]any{
		a.HaloLayerID(): {
			"circle-color":   st.AuraColor,
			"circle-radius":  st.AuraRadius,
			"circle-opacity": st.AuraOpacity,
			"circle-blur":    0.6,
		},
		a.CoreLayerID(): {
			"circle-color":        st.AuraColor,
			"circle-radius":       st.AuraCoreRadius,
			"circle-stroke-width": st.AuraCoreStrokeWidth,
			"circle-stroke-color": "#FFFFFF",
		},
	}
}

// Update takes the full presence collection and keeps only the self point.
// A collection without one clears the halo; nil is ignored.
func (a *Aura) Update(e mapengine.Engine, fc *geojson.FeatureCollection) bool {
	if fc == nil {
		return false
	}
	halo := geojson.NewFeatureCollection()
	if at, ok := presence.SelfLocation(fc); ok {
		halo.Append(haloFeature(at))
	}
	return a.core.Update(e, halo)
}

// MoveTo places the halo at at directly.
func (a *Aura) MoveTo(e mapengine.Engine, at orb.Point) bool {
	return a.core.Update(e, geojson.NewFeatureCollection().Append(haloFeature(at)))
}

func haloFeature(at orb.Point) *geojson.Feature {
	f := geojson.NewFeature(at)
	f.Properties["kind"] = string(presence.KindSelf)
	return f
}

func (a *Aura) Restyle(e mapengine.Engine, st Style) {
	st = st.WithDefaults()
	a.styleMu.Lock()
	a.style = st
	a.styleMu.Unlock()
	if a.State() != Mounted {
		return
	}
	a.setPaint(e, a.paint(st))
}
