package overlay

import (
	"github.com/paulmach/orb/geojson"

	"pulsemap/core-go/internal/mapengine"
)

// Restyler is implemented by overlays whose paint follows the style file.
type Restyler interface {
	Restyle(e mapengine.Engine, st Style)
}

// Status describes one overlay for diagnostics.
type Status struct {
	ID     string   `json:"id"`
	State  string   `json:"state"`
	Layers []string `json:"layers"`
}

// Group drives a fixed set of overlays on one engine. Overlays are mounted
// in order and unmounted in reverse.
type Group struct {
	engine   mapengine.Engine
	overlays []Overlay
}

func NewGroup(e mapengine.Engine, overlays ...Overlay) *Group {
	return &Group{engine: e, overlays: overlays}
}

func (g *Group) Engine() mapengine.Engine { return g.engine }

func (g *Group) MountAll() {
	for _, o := range g.overlays {
		o.Mount(g.engine)
	}
}

func (g *Group) UnmountAll() {
	for i := len(g.overlays) - 1; i >= 0; i-- {
		g.overlays[i].Unmount(g.engine)
	}
}

// Update hands fc to every overlay and reports how many applied it.
func (g *Group) Update(fc *geojson.FeatureCollection) int {
	n := 0
	for _, o := range g.overlays {
		if o.Update(g.engine, fc) {
			n++
		}
	}
	return n
}

func (g *Group) Restyle(st Style) {
	for _, o := range g.overlays {
		if r, ok := o.(Restyler); ok {
			r.Restyle(g.engine, st)
		}
	}
}

func (g *Group) Status() []Status {
	out := make([]Status, 0, len(g.overlays))
	for _, o := range g.overlays {
		out = append(out, Status{ID: o.ID(), State: o.State().String(), Layers: o.LayerIDs()})
	}
	return out
}
