package overlay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/debounce"
	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/presence"
	"pulsemap/core-go/internal/spiderfy"
)

const (
	DefaultPresenceID     = "presence"
	DefaultClusterRadius  = 50
	DefaultHoverDelay     = 50 * time.Millisecond
	DefaultDragGuard      = 120 * time.Millisecond
	DefaultLookupTimeout  = 3 * time.Second
	DefaultHoverLeafLimit = 12
)

type PresenceOptions struct {
	ID            string
	BeforeLayerID string
	// SelfHit adds an invisible, enlarged hit target over the self marker.
	SelfHit bool
	// Touch disables hover previews.
	Touch bool

	ClusterRadius  float64
	ClusterMaxZoom float64
	HoverDelay     time.Duration
	DragGuard      time.Duration
	LookupTimeout  time.Duration
	HoverLeafLimit int
	Style          Style
	Clock          quartz.Clock

	Tooltip    Tooltip
	OnSelect   presence.SelectionSink
	OnSelf     func(at orb.Point)
	Spiderfier *spiderfy.Spiderfier
}

func (o PresenceOptions) withDefaults() PresenceOptions {
	if o.ID == "" {
		o.ID = DefaultPresenceID
	}
	if o.ClusterRadius <= 0 {
		o.ClusterRadius = DefaultClusterRadius
	}
	if o.ClusterMaxZoom <= 0 {
		o.ClusterMaxZoom = spiderfy.DefaultThresholdZoom
	}
	if o.HoverDelay <= 0 {
		o.HoverDelay = DefaultHoverDelay
	}
	if o.DragGuard <= 0 {
		o.DragGuard = DefaultDragGuard
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = DefaultLookupTimeout
	}
	if o.HoverLeafLimit <= 0 {
		o.HoverLeafLimit = DefaultHoverLeafLimit
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	o.Style = o.Style.WithDefaults()
	return o
}

// Presence renders friends, venues and the self marker from one clustered
// source.
type Presence struct {
	*core
	opts PresenceOptions

	styleMu sync.Mutex
	style   Style

	dragging  atomic.Bool
	dragGuard *debounce.Debouncer
	hover     *hoverState
}

func NewPresence(log zerolog.Logger, guard *layerguard.Guard, opts PresenceOptions) *Presence {
	opts = opts.withDefaults()
	p := &Presence{
		opts:      opts,
		style:     opts.Style,
		dragGuard: debounce.New(opts.Clock, opts.DragGuard),
	}
	p.hover = &hoverState{
		tooltip:  opts.Tooltip,
		debounce: debounce.New(opts.Clock, opts.HoverDelay),
	}
	p.core = newCore(opts.ID, opts.BeforeLayerID, log, guard, hooks{
		layers:   p.layers,
		source:   p.source,
		wire:     p.wire,
		teardown: p.teardown,
	})
	return p
}

func (p *Presence) ClustersLayerID() string { return p.id + "-clusters" }
func (p *Presence) CountLayerID() string    { return p.id + "-cluster-count" }
func (p *Presence) PointsLayerID() string   { return p.id + "-points" }
func (p *Presence) AvatarsLayerID() string  { return p.id + "-avatars" }
func (p *Presence) SelfHitLayerID() string  { return p.id + "-self-hit" }

// Dragging reports whether click resolution is currently suppressed.
func (p *Presence) Dragging() bool { return p.dragging.Load() }

func (p *Presence) currentStyle() Style {
	p.styleMu.Lock()
	defer p.styleMu.Unlock()
	return p.style
}

func (p *Presence) source(data *geojson.FeatureCollection) mapengine.SourceSpec {
	if data == nil {
		data = geojson.NewFeatureCollection()
	}
	return mapengine.SourceSpec{
		Data:           data,
		Cluster:        true,
		ClusterMaxZoom: p.opts.ClusterMaxZoom,
		ClusterRadius:  p.opts.ClusterRadius,
	}
}

// layers is the stack bottom to top: clusters, cluster counts, plain points,
// avatars, then the optional self hit target.
func (p *Presence) layers() []mapengine.LayerSpec {
	st := p.currentStyle()
	paint := p.paint(st)
	unclustered := []any{"!", []any{"has", "point_count"}}

	specs := []mapengine.LayerSpec{
		{
			ID:     p.ClustersLayerID(),
			Source: p.sourceID,
			Kind:   mapengine.KindCircle,
			Filter: []any{"has", "point_count"},
			Paint:  paint[p.ClustersLayerID()],
		},
		{
			ID:     p.CountLayerID(),
			Source: p.sourceID,
			Kind:   mapengine.KindSymbol,
			Filter: []any{"has", "point_count"},
			Layout: map[string]any{
				"text-field":         []any{"get", "point_count_abbreviated"},
				"text-size":          12.0,
				"text-allow-overlap": true,
			},
			Paint: paint[p.CountLayerID()],
		},
		{
			ID:     p.PointsLayerID(),
			Source: p.sourceID,
			Kind:   mapengine.KindCircle,
			Filter: []any{"all", unclustered, []any{"!=", []any{"get", "kind"}, "self"}},
			Paint:  paint[p.PointsLayerID()],
		},
		{
			ID:     p.AvatarsLayerID(),
			Source: p.sourceID,
			Kind:   mapengine.KindSymbol,
			Filter: []any{"all",
				unclustered,
				[]any{"has", []any{"get", "icon"}},
				[]any{"match", []any{"get", "kind"}, []any{"friend", "venue"}, true, false},
			},
			Layout: map[string]any{
				"icon-image":         []any{"get", "icon"},
				"icon-size":          st.AvatarSize,
				"icon-allow-overlap": true,
			},
		},
	}
	if p.opts.SelfHit {
		specs = append(specs, mapengine.LayerSpec{
			ID:     p.SelfHitLayerID(),
			Source: p.sourceID,
			Kind:   mapengine.KindCircle,
			Filter: []any{"==", []any{"get", "kind"}, "self"},
			Paint:  paint[p.SelfHitLayerID()],
		})
	}
	return specs
}

func (p *Presence) paint(st Style) map[string]map[string]any {
	out := map[string]map[string]any{
		p.ClustersLayerID(): {
			"circle-color":        st.ClusterColor,
			"circle-radius":       []any{"step", []any{"get", "point_count"}, 16.0, 10.0, 20.0, 50.0, 26.0},
			"circle-stroke-width": 2.0,
			"circle-stroke-color": st.PointStrokeColor,
		},
		p.CountLayerID(): {
			"text-color": st.ClusterTextColor,
		},
		p.PointsLayerID(): {
			"circle-color":        []any{"get", "color"},
			"circle-radius":       st.PointRadius,
			"circle-stroke-width": 2.0,
			"circle-stroke-color": st.PointStrokeColor,
		},
	}
	if p.opts.SelfHit {
		out[p.SelfHitLayerID()] = map[string]any{
			"circle-radius":  st.SelfHitRadius,
			"circle-opacity": 0.0,
		}
	}
	return out
}

// Restyle applies new paint values to mounted layers and to future mounts.
func (p *Presence) Restyle(e mapengine.Engine, st Style) {
	st = st.WithDefaults()
	p.styleMu.Lock()
	p.style = st
	p.styleMu.Unlock()
	if p.State() != Mounted {
		return
	}
	p.setPaint(e, p.paint(st))
	if e.HasLayer(p.AvatarsLayerID()) {
		if err := e.SetLayoutProperty(p.AvatarsLayerID(), "icon-size", st.AvatarSize); err != nil {
			p.log.Debug().Err(err).Msg("set avatar size failed")
		}
	}
}

func (p *Presence) wire(e mapengine.Engine, sub *mapengine.Subscription) {
	for _, layerID := range []string{p.PointsLayerID(), p.AvatarsLayerID()} {
		sub.Listen(e, mapengine.EventClick, layerID, func(ev mapengine.Event) { p.onPointClick(ev) })
	}
	if p.opts.SelfHit {
		sub.Listen(e, mapengine.EventClick, p.SelfHitLayerID(), func(ev mapengine.Event) { p.onPointClick(ev) })
	}
	sub.Listen(e, mapengine.EventClick, p.ClustersLayerID(), func(ev mapengine.Event) { p.onClusterClick(e, ev) })

	sub.Listen(e, mapengine.EventDragStart, "", func(mapengine.Event) {
		p.dragGuard.Cancel()
		p.dragging.Store(true)
	})
	sub.Listen(e, mapengine.EventDragEnd, "", func(mapengine.Event) {
		// trailing synthetic clicks land inside this window
		p.dragGuard.Trigger(func() { p.dragging.Store(false) })
	})

	if p.opts.Touch || p.opts.Tooltip == nil {
		return
	}
	for _, layerID := range []string{p.PointsLayerID(), p.AvatarsLayerID()} {
		sub.Listen(e, mapengine.EventMouseEnter, layerID, func(ev mapengine.Event) { p.onPointHover(ev) })
		sub.Listen(e, mapengine.EventMouseMove, layerID, func(ev mapengine.Event) { p.hover.move(ev.LngLat) })
		sub.Listen(e, mapengine.EventMouseLeave, layerID, func(mapengine.Event) { p.hover.leave() })
	}
	sub.Listen(e, mapengine.EventMouseEnter, p.ClustersLayerID(), func(ev mapengine.Event) { p.onClusterHover(e, ev) })
	sub.Listen(e, mapengine.EventMouseMove, p.ClustersLayerID(), func(ev mapengine.Event) { p.hover.move(ev.LngLat) })
	sub.Listen(e, mapengine.EventMouseLeave, p.ClustersLayerID(), func(mapengine.Event) { p.hover.leave() })
}

func (p *Presence) teardown() {
	p.dragGuard.Cancel()
	p.dragging.Store(false)
	p.hover.leave()
	if p.opts.Spiderfier != nil {
		p.opts.Spiderfier.Cleanup()
	}
}

func firstFeature(ev mapengine.Event) *geojson.Feature {
	if len(ev.Features) == 0 {
		return nil
	}
	return ev.Features[0]
}

func (p *Presence) onPointClick(ev mapengine.Event) {
	if p.dragging.Load() {
		return
	}
	f := firstFeature(ev)
	if f == nil {
		return
	}
	if presence.IsSelf(f) {
		if p.opts.OnSelf != nil {
			at, ok := f.Geometry.(orb.Point)
			if !ok {
				at = ev.LngLat
			}
			p.opts.OnSelf(at)
		}
		return
	}
	sel, ok := presence.SelectionFromFeature(f)
	if !ok {
		p.log.Debug().Str("layer_id", ev.LayerID).Msg("clicked feature is not selectable")
		return
	}
	if p.opts.OnSelect != nil {
		p.opts.OnSelect(sel)
	}
}

func (p *Presence) onClusterClick(e mapengine.Engine, ev mapengine.Event) {
	if p.dragging.Load() || p.opts.Spiderfier == nil {
		return
	}
	f := firstFeature(ev)
	if !spiderfy.IsCluster(f) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.LookupTimeout)
	defer cancel()
	p.opts.Spiderfier.Expand(ctx, e, f)
}

func (p *Presence) onPointHover(ev mapengine.Event) {
	f := firstFeature(ev)
	if f == nil {
		return
	}
	at, ok := f.Geometry.(orb.Point)
	if !ok {
		at = ev.LngLat
	}
	content := TooltipContent{
		Title: f.Properties.MustString("name", ""),
		Color: f.Properties.MustString("color", ""),
	}
	if cat := f.Properties.MustString("category", ""); cat != "" {
		content.Lines = append(content.Lines, cat)
	}
	if vibe := f.Properties.MustString("vibe", ""); vibe != "" {
		content.Lines = append(content.Lines, vibe)
	}
	p.hover.enter(at, func() (TooltipContent, bool) { return content, true })
}

func (p *Presence) onClusterHover(e mapengine.Engine, ev mapengine.Event) {
	f := firstFeature(ev)
	if !spiderfy.IsCluster(f) {
		return
	}
	id, ok := spiderfy.ClusterID(f)
	if !ok {
		return
	}
	at, ok := f.Geometry.(orb.Point)
	if !ok {
		at = ev.LngLat
	}
	total := spiderfy.PointCount(f)
	p.hover.enter(at, func() (TooltipContent, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.LookupTimeout)
		defer cancel()
		leaves, err := e.ClusterLeaves(ctx, p.sourceID, id, p.opts.HoverLeafLimit, 0)
		if err != nil {
			p.log.Debug().Err(err).Int("cluster_id", id).Msg("cluster preview lookup failed")
			return clusterPreview(nil, total), true
		}
		names := make([]string, 0, len(leaves))
		for _, leaf := range leaves {
			name := leaf.Properties.MustString("name", "")
			if name == "" {
				name = leaf.Properties.MustString("id", "")
			}
			if name != "" {
				names = append(names, name)
			}
		}
		if total < len(leaves) {
			total = len(leaves)
		}
		return clusterPreview(names, total), true
	})
}

// hoverState debounces tooltip updates. The first flush after enter shows
// the tooltip, later ones move it.
type hoverState struct {
	tooltip  Tooltip
	debounce *debounce.Debouncer

	mu      sync.Mutex
	gen     uint64
	resolve func() (TooltipContent, bool)
	at      orb.Point
	shown   bool
}

func (h *hoverState) enter(at orb.Point, resolve func() (TooltipContent, bool)) {
	h.mu.Lock()
	h.gen++
	h.resolve = resolve
	h.at = at
	h.shown = false
	h.mu.Unlock()
	h.debounce.Trigger(h.flush)
}

func (h *hoverState) move(at orb.Point) {
	h.mu.Lock()
	if h.resolve == nil {
		h.mu.Unlock()
		return
	}
	h.at = at
	h.mu.Unlock()
	h.debounce.Trigger(h.flush)
}

func (h *hoverState) leave() {
	h.debounce.Cancel()
	h.mu.Lock()
	h.gen++
	shown := h.shown
	h.resolve = nil
	h.shown = false
	h.mu.Unlock()
	if shown && h.tooltip != nil {
		h.tooltip.Hide()
	}
}

func (h *hoverState) flush() {
	if h.tooltip == nil {
		return
	}
	h.mu.Lock()
	resolve, at, gen := h.resolve, h.at, h.gen
	if resolve == nil {
		h.mu.Unlock()
		return
	}
	if h.shown {
		h.mu.Unlock()
		h.tooltip.Move(at)
		return
	}
	h.mu.Unlock()

	content, ok := resolve()
	if !ok {
		return
	}
	h.mu.Lock()
	if gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.shown = true
	h.mu.Unlock()
	h.tooltip.Show(at, content)
}
