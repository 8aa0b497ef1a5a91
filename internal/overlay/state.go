// Package overlay manages named bundles of one source, a fixed stack of
// layers and their interaction wiring on a rendering engine.
package overlay

import (
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
)

// Overlay is the mount/update/unmount contract shared by every overlay.
type Overlay interface {
	ID() string
	State() State
	LayerIDs() []string
	Mount(e mapengine.Engine) bool
	Update(e mapengine.Engine, fc *geojson.FeatureCollection) bool
	Unmount(e mapengine.Engine)
}

type State int

const (
	Unmounted State = iota
	AwaitingStyle
	Mounted
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case AwaitingStyle:
		return "awaiting_style"
	case Mounted:
		return "mounted"
	default:
		return "unknown"
	}
}

type input int

const (
	inputMount      input = iota // mount requested, style loaded
	inputMountEarly              // mount requested, style still loading
	inputStyleReady              // idle fired while waiting
	inputUnmount
)

// transitions is the whole lifecycle. Missing entries are ignored inputs.
var transitions = map[State]map[input]State{
	Unmounted: {
		inputMount:      Mounted,
		inputMountEarly: AwaitingStyle,
	},
	AwaitingStyle: {
		inputMount:      Mounted,
		inputMountEarly: AwaitingStyle,
		inputStyleReady: AwaitingStyle,
		inputUnmount:    Unmounted,
	},
	Mounted: {
		inputMount:      Mounted,
		inputMountEarly: Mounted,
		inputUnmount:    Unmounted,
	},
}

func next(from State, in input) (State, bool) {
	to, ok := transitions[from][in]
	return to, ok
}

// hooks are the overlay-specific parts plugged into core.
type hooks struct {
	// layers returns the layer stack bottom to top.
	layers func() []mapengine.LayerSpec
	source func(data *geojson.FeatureCollection) mapengine.SourceSpec
	// wire attaches interaction listeners to sub on first mount.
	wire func(e mapengine.Engine, sub *mapengine.Subscription)
	// teardown runs on unmount before layers are removed.
	teardown func()
}

// core implements the lifecycle shared by the presence and aura overlays.
type core struct {
	id            string
	sourceID      string
	beforeLayerID string
	log           zerolog.Logger
	guard         *layerguard.Guard
	hooks         hooks

	mu          sync.Mutex
	state       State
	idle        mapengine.ListenerID
	idlePending bool
	sub         *mapengine.Subscription
	data        *geojson.FeatureCollection
}

func newCore(id, beforeLayerID string, log zerolog.Logger, guard *layerguard.Guard, h hooks) *core {
	return &core{
		id:            id,
		sourceID:      id,
		beforeLayerID: beforeLayerID,
		log:           log.With().Str("overlay", id).Logger(),
		guard:         guard,
		hooks:         h,
	}
}

func (c *core) ID() string { return c.id }

func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) SourceID() string { return c.sourceID }

func (c *core) LayerIDs() []string {
	specs := c.hooks.layers()
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.ID
	}
	return out
}

// Data returns the last collection passed to Update.
func (c *core) Data() *geojson.FeatureCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// Mount creates the source, layers and listeners. While the style is still
// loading it parks the overlay until the engine's next idle signal and
// reports false. Calling it again is harmless.
func (c *core) Mount(e mapengine.Engine) bool {
	in := inputMount
	if !e.StyleLoaded() {
		in = inputMountEarly
	}

	c.mu.Lock()
	from := c.state
	to, ok := next(from, in)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.state = to
	registerIdle := to == AwaitingStyle && !c.idlePending
	if registerIdle {
		c.idlePending = true
	}
	var sub *mapengine.Subscription
	var staleIdle mapengine.ListenerID
	if to == Mounted && from != Mounted {
		sub = mapengine.NewSubscription()
		c.sub = sub
		if c.idlePending {
			staleIdle = c.idle
			c.idle, c.idlePending = 0, false
		}
	}
	c.mu.Unlock()

	if staleIdle != 0 {
		e.Off(staleIdle)
	}

	switch {
	case to == AwaitingStyle:
		if registerIdle {
			id := e.Once(mapengine.EventIdle, func(mapengine.Event) { c.onIdle(e) })
			c.mu.Lock()
			c.idle = id
			c.mu.Unlock()
			c.log.Debug().Msg("style not loaded; mount deferred to idle")
		}
		return false
	case to == Mounted && in == inputMountEarly:
		// already mounted; style listeners restore state once it loads
		return true
	}

	c.ensure(e)
	if sub != nil {
		sub.Listen(e, mapengine.EventStyleData, "", func(mapengine.Event) { c.reassert(e) })
		sub.Listen(e, mapengine.EventLoad, "", func(mapengine.Event) { c.reassert(e) })
		if c.hooks.wire != nil {
			c.hooks.wire(e, sub)
		}
		c.reassert(e)
		c.log.Debug().Strs("layers", c.LayerIDs()).Msg("overlay mounted")
	}
	return true
}

func (c *core) onIdle(e mapengine.Engine) {
	c.mu.Lock()
	c.idlePending = false
	c.idle = 0
	to, ok := next(c.state, inputStyleReady)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.Mount(e)
}

// ensure creates whatever part of the source and layer stack is missing.
// Layers are added top-down, each below the one added before it, so the
// resulting stack order does not depend on which layers already existed.
func (c *core) ensure(e mapengine.Engine) {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()

	c.guard.EnsureSource(e, c.sourceID, c.hooks.source(data))
	specs := c.hooks.layers()
	before := c.beforeLayerID
	for i := len(specs) - 1; i >= 0; i-- {
		c.guard.EnsureLayer(e, specs[i], before)
		before = specs[i].ID
	}
}

// reassert restores the overlay after a style swap and lifts its layers
// above the style's own layers. Running it twice has no further effect.
func (c *core) reassert(e mapengine.Engine) {
	if c.State() != Mounted || !e.StyleLoaded() {
		return
	}
	if !e.HasSource(c.sourceID) {
		c.log.Debug().Msg("source missing after style change; re-creating")
	}
	c.ensure(e)

	anchor := c.beforeLayerID
	if anchor != "" && !e.HasLayer(anchor) {
		anchor = ""
	}
	for _, spec := range c.hooks.layers() {
		if !e.HasLayer(spec.ID) {
			continue
		}
		if err := e.MoveLayer(spec.ID, anchor); err != nil {
			c.log.Debug().Err(err).Str("layer_id", spec.ID).Msg("move layer failed")
		}
	}
}

// Update replaces the source data in place. A nil collection is ignored.
// Data received before mount is kept and used when the source is created.
func (c *core) Update(e mapengine.Engine, fc *geojson.FeatureCollection) bool {
	if fc == nil {
		return false
	}
	c.mu.Lock()
	c.data = fc
	mounted := c.state == Mounted
	c.mu.Unlock()
	if !mounted || !e.HasSource(c.sourceID) {
		return false
	}
	if err := e.SetSourceData(c.sourceID, fc); err != nil {
		c.log.Debug().Err(err).Msg("set source data failed")
		return false
	}
	return true
}

// Unmount removes everything Mount created in reverse: listeners first, then
// layers in the reverse of the order ensure added them, then the source.
func (c *core) Unmount(e mapengine.Engine) {
	c.mu.Lock()
	to, ok := next(c.state, inputUnmount)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.state = to
	idle, idlePending := c.idle, c.idlePending
	c.idle, c.idlePending = 0, false
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if idlePending && idle != 0 {
		e.Off(idle)
	}
	sub.Dispose()
	if c.hooks.teardown != nil {
		c.hooks.teardown()
	}
	for _, spec := range c.hooks.layers() {
		c.guard.RemoveLayerSafe(e, spec.ID)
	}
	c.guard.RemoveSourceSafe(e, c.sourceID)
	c.log.Debug().Msg("overlay unmounted")
}

// setPaint pushes paint values onto existing layers.
func (c *core) setPaint(e mapengine.Engine, paint map[string]map[string]any) {
	for layerID, props := range paint {
		if !e.HasLayer(layerID) {
			continue
		}
		for name, value := range props {
			if err := e.SetPaintProperty(layerID, name, value); err != nil {
				c.log.Debug().Err(err).Str("layer_id", layerID).Str("property", name).Msg("set paint failed")
			}
		}
	}
}
