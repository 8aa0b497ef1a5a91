package mapengine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"pulsemap/core-go/internal/filterexpr"
)

const (
	tileSize      = 512
	earthRadius   = 6378137.0
	maxLatitude   = 85.05112877980659
	defaultWidth  = 1024
	defaultHeight = 768
)

// Cluster is a clustering-index entry served by Headless.
type Cluster struct {
	ID            int
	ExpansionZoom float64
	Leaves        []*geojson.Feature
}

type HeadlessOptions struct {
	// BaseLayers are the style's own layers, bottom to top. They survive
	// style swaps and have no source.
	BaseLayers []string
	Width      float64
	Height     float64
	Center     orb.Point
	Zoom       float64
	Loaded     bool
}

type listener struct {
	id      ListenerID
	typ     EventType
	layerID string
	h       Handler
	once    bool
}

// Headless is an in-memory Engine. It enforces the same failure modes as a
// browser renderer (style not loaded, duplicate ids, sources in use, invalid
// legacy filters) so overlay code can be exercised without one. Events are
// only delivered through Fire, frames only advance through StepFrame.
type Headless struct {
	mu         sync.Mutex
	loaded     bool
	baseLayers []string
	sources    map[string]SourceSpec
	layers     []LayerSpec
	listeners  []listener
	nextID     ListenerID
	frames     []func()
	center     orb.Point
	zoom       float64
	width      float64
	height     float64
	clusters   map[string]map[int]Cluster
	clusterErr error
	eased      []CameraOptions
}

var _ Engine = (*Headless)(nil)

func NewHeadless(opts HeadlessOptions) *Headless {
	w := opts.Width
	if w <= 0 {
		w = defaultWidth
	}
	h := opts.Height
	if h <= 0 {
		h = defaultHeight
	}
	e := &Headless{
		loaded:     opts.Loaded,
		baseLayers: append([]string(nil), opts.BaseLayers...),
		sources:    make(map[string]SourceSpec),
		center:     opts.Center,
		zoom:       opts.Zoom,
		width:      w,
		height:     h,
		clusters:   make(map[string]map[int]Cluster),
	}
	e.resetLayersLocked()
	return e
}

func (e *Headless) resetLayersLocked() {
	e.layers = e.layers[:0]
	for _, id := range e.baseLayers {
		e.layers = append(e.layers, LayerSpec{ID: id, Kind: KindSymbol})
	}
}

func (e *Headless) StyleLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// SwapStyle simulates a full style replacement: every custom source and layer
// is dropped and the style is reported as not loaded until FinishStyleLoad.
func (e *Headless) SwapStyle() {
	e.mu.Lock()
	e.loaded = false
	e.sources = make(map[string]SourceSpec)
	e.resetLayersLocked()
	e.mu.Unlock()
}

// FinishStyleLoad marks the style ready and emits styledata followed by idle.
func (e *Headless) FinishStyleLoad() {
	e.mu.Lock()
	e.loaded = true
	e.mu.Unlock()
	e.Fire(Event{Type: EventStyleData})
	e.Fire(Event{Type: EventIdle})
}

func (e *Headless) AddSource(id string, spec SourceSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrStyleNotLoaded
	}
	if _, ok := e.sources[id]; ok {
		return fmt.Errorf("add source %q: %w", id, ErrSourceExists)
	}
	e.sources[id] = spec
	return nil
}

func (e *Headless) HasSource(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sources[id]
	return ok
}

func (e *Headless) SetSourceData(id string, fc *geojson.FeatureCollection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.sources[id]
	if !ok {
		return fmt.Errorf("set data on %q: %w", id, ErrNoSuchSource)
	}
	spec.Data = fc
	e.sources[id] = spec
	return nil
}

func (e *Headless) RemoveSource(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sources[id]; !ok {
		return fmt.Errorf("remove source %q: %w", id, ErrNoSuchSource)
	}
	for _, l := range e.layers {
		if l.Source == id {
			return fmt.Errorf("remove source %q (layer %q): %w", id, l.ID, ErrSourceInUse)
		}
	}
	delete(e.sources, id)
	return nil
}

// SourceData returns the collection currently held by a source.
func (e *Headless) SourceData(id string) (*geojson.FeatureCollection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.sources[id]
	if !ok {
		return nil, false
	}
	return spec.Data, true
}

func (e *Headless) SourceIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sources))
	for id := range e.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Headless) AddLayer(spec LayerSpec, beforeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrStyleNotLoaded
	}
	if e.layerIndexLocked(spec.ID) >= 0 {
		return fmt.Errorf("add layer %q: %w", spec.ID, ErrLayerExists)
	}
	if _, ok := e.sources[spec.Source]; !ok {
		return fmt.Errorf("add layer %q (source %q): %w", spec.ID, spec.Source, ErrNoSuchSource)
	}
	if spec.Filter != nil {
		if issues := filterexpr.Validate(spec.Filter); len(issues) > 0 {
			return fmt.Errorf("add layer %q: %w: %s", spec.ID, ErrInvalidFilter, issues[0])
		}
	}
	at := len(e.layers)
	if beforeID != "" {
		at = e.layerIndexLocked(beforeID)
		if at < 0 {
			return fmt.Errorf("add layer %q before %q: %w", spec.ID, beforeID, ErrNoSuchLayer)
		}
	}
	spec = spec.Clone()
	e.layers = append(e.layers, LayerSpec{})
	copy(e.layers[at+1:], e.layers[at:])
	e.layers[at] = spec
	return nil
}

func (e *Headless) HasLayer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layerIndexLocked(id) >= 0
}

// Layer returns a copy of a layer's current definition.
func (e *Headless) Layer(id string) (LayerSpec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(id)
	if i < 0 {
		return LayerSpec{}, false
	}
	return e.layers[i].Clone(), true
}

func (e *Headless) RemoveLayer(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("remove layer %q: %w", id, ErrNoSuchLayer)
	}
	e.layers = append(e.layers[:i], e.layers[i+1:]...)
	return nil
}

func (e *Headless) MoveLayer(id, beforeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(id)
	if i < 0 {
		return fmt.Errorf("move layer %q: %w", id, ErrNoSuchLayer)
	}
	if beforeID == id {
		return nil
	}
	if beforeID != "" && e.layerIndexLocked(beforeID) < 0 {
		return fmt.Errorf("move layer %q before %q: %w", id, beforeID, ErrNoSuchLayer)
	}
	l := e.layers[i]
	e.layers = append(e.layers[:i], e.layers[i+1:]...)
	at := len(e.layers)
	if beforeID != "" {
		at = e.layerIndexLocked(beforeID)
	}
	e.layers = append(e.layers, LayerSpec{})
	copy(e.layers[at+1:], e.layers[at:])
	e.layers[at] = l
	return nil
}

// LayerIDs lists layers bottom to top.
func (e *Headless) LayerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.layers))
	for i, l := range e.layers {
		out[i] = l.ID
	}
	return out
}

func (e *Headless) layerIndexLocked(id string) int {
	for i, l := range e.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (e *Headless) SetFilter(layerID string, filter any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("set filter on %q: %w", layerID, ErrNoSuchLayer)
	}
	if filter != nil {
		if issues := filterexpr.Validate(filter); len(issues) > 0 {
			return fmt.Errorf("set filter on %q: %w: %s", layerID, ErrInvalidFilter, issues[0])
		}
	}
	e.layers[i].Filter = CloneValue(filter)
	return nil
}

func (e *Headless) SetPaintProperty(layerID, name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("set paint %s on %q: %w", name, layerID, ErrNoSuchLayer)
	}
	if e.layers[i].Paint == nil {
		e.layers[i].Paint = make(map[string]any)
	}
	e.layers[i].Paint[name] = CloneValue(value)
	return nil
}

func (e *Headless) SetLayoutProperty(layerID, name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.layerIndexLocked(layerID)
	if i < 0 {
		return fmt.Errorf("set layout %s on %q: %w", name, layerID, ErrNoSuchLayer)
	}
	if e.layers[i].Layout == nil {
		e.layers[i].Layout = make(map[string]any)
	}
	e.layers[i].Layout[name] = CloneValue(value)
	return nil
}

func (e *Headless) Project(ll orb.Point) ScreenPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	wx, wy := toWorld(ll, e.zoom)
	cx, cy := toWorld(e.center, e.zoom)
	return ScreenPoint{X: wx - cx + e.width/2, Y: wy - cy + e.height/2}
}

func (e *Headless) Unproject(p ScreenPoint) orb.Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	cx, cy := toWorld(e.center, e.zoom)
	return fromWorld(p.X-e.width/2+cx, p.Y-e.height/2+cy, e.zoom)
}

// Bounds returns the geographic extent of the visible surface.
func (e *Headless) Bounds() orb.Bound {
	e.mu.Lock()
	w, h := e.width, e.height
	e.mu.Unlock()
	nw := e.Unproject(ScreenPoint{X: 0, Y: 0})
	se := e.Unproject(ScreenPoint{X: w, Y: h})
	return orb.Bound{Min: orb.Point{nw[0], se[1]}, Max: orb.Point{se[0], nw[1]}}
}

func (e *Headless) Zoom() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.zoom
}

func (e *Headless) Center() orb.Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.center
}

// JumpTo moves the camera without emitting events.
func (e *Headless) JumpTo(center orb.Point, zoom float64) {
	e.mu.Lock()
	e.center = center
	e.zoom = zoom
	e.mu.Unlock()
}

// EaseTo applies the camera change immediately and emits move then zoom.
func (e *Headless) EaseTo(opts CameraOptions) {
	e.mu.Lock()
	e.eased = append(e.eased, opts)
	if opts.Center != nil {
		e.center = *opts.Center
	}
	e.zoom = opts.Zoom
	e.mu.Unlock()
	e.Fire(Event{Type: EventMove})
	e.Fire(Event{Type: EventZoom})
}

// Eased lists every EaseTo call in order.
func (e *Headless) Eased() []CameraOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CameraOptions(nil), e.eased...)
}

func (e *Headless) On(t EventType, layerID string, h Handler) ListenerID {
	return e.addListener(t, layerID, h, false)
}

func (e *Headless) Once(t EventType, h Handler) ListenerID {
	return e.addListener(t, "", h, true)
}

func (e *Headless) addListener(t EventType, layerID string, h Handler, once bool) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners = append(e.listeners, listener{id: e.nextID, typ: t, layerID: layerID, h: h, once: once})
	return e.nextID
}

func (e *Headless) Off(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *Headless) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Fire dispatches ev to matching listeners in registration order. Handlers
// run without the engine lock held and may call back into the engine.
func (e *Headless) Fire(ev Event) {
	e.mu.Lock()
	var matched []listener
	kept := e.listeners[:0:0]
	for _, l := range e.listeners {
		hit := l.typ == ev.Type && (l.layerID == "" || l.layerID == ev.LayerID)
		if hit {
			matched = append(matched, l)
		}
		if hit && l.once {
			continue
		}
		kept = append(kept, l)
	}
	e.listeners = kept
	e.mu.Unlock()

	for _, l := range matched {
		if !l.once && !e.listening(l.id) {
			// removed by an earlier handler in this dispatch
			continue
		}
		l.h(ev)
	}
}

func (e *Headless) listening(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

func (e *Headless) NextFrame(fn func()) {
	e.mu.Lock()
	e.frames = append(e.frames, fn)
	e.mu.Unlock()
}

// StepFrame runs the callbacks queued before the call and reports how many
// ran. Callbacks queued while stepping wait for the following frame.
func (e *Headless) StepFrame() int {
	e.mu.Lock()
	frames := e.frames
	e.frames = nil
	e.mu.Unlock()
	for _, fn := range frames {
		fn()
	}
	return len(frames)
}

func (e *Headless) SetClusters(sourceID string, clusters ...Cluster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.clusters[sourceID]
	if m == nil {
		m = make(map[int]Cluster)
		e.clusters[sourceID] = m
	}
	for _, c := range clusters {
		m[c.ID] = c
	}
}

// SetClusterError makes every clustering-index lookup fail with err.
func (e *Headless) SetClusterError(err error) {
	e.mu.Lock()
	e.clusterErr = err
	e.mu.Unlock()
}

func (e *Headless) lookupCluster(ctx context.Context, sourceID string, clusterID int) (Cluster, error) {
	if err := ctx.Err(); err != nil {
		return Cluster{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clusterErr != nil {
		return Cluster{}, e.clusterErr
	}
	if _, ok := e.sources[sourceID]; !ok {
		return Cluster{}, fmt.Errorf("cluster lookup on %q: %w", sourceID, ErrNoSuchSource)
	}
	c, ok := e.clusters[sourceID][clusterID]
	if !ok {
		return Cluster{}, fmt.Errorf("cluster %d on %q: %w", clusterID, sourceID, ErrNoSuchCluster)
	}
	return c, nil
}

func (e *Headless) ClusterExpansionZoom(ctx context.Context, sourceID string, clusterID int) (float64, error) {
	c, err := e.lookupCluster(ctx, sourceID, clusterID)
	if err != nil {
		return 0, err
	}
	return c.ExpansionZoom, nil
}

func (e *Headless) ClusterLeaves(ctx context.Context, sourceID string, clusterID, limit, offset int) ([]*geojson.Feature, error) {
	c, err := e.lookupCluster(ctx, sourceID, clusterID)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(c.Leaves) {
		return []*geojson.Feature{}, nil
	}
	end := len(c.Leaves)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]*geojson.Feature(nil), c.Leaves[offset:end]...), nil
}

func worldSize(zoom float64) float64 {
	return tileSize * math.Pow(2, zoom)
}

func toWorld(ll orb.Point, zoom float64) (float64, float64) {
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, ll[1]))
	m := project.WGS84.ToMercator(orb.Point{ll[0], lat})
	ws := worldSize(zoom)
	circumference := 2 * math.Pi * earthRadius
	return (m[0]/circumference + 0.5) * ws, (0.5 - m[1]/circumference) * ws
}

func fromWorld(x, y, zoom float64) orb.Point {
	ws := worldSize(zoom)
	circumference := 2 * math.Pi * earthRadius
	m := orb.Point{(x/ws - 0.5) * circumference, (0.5 - y/ws) * circumference}
	return project.Mercator.ToWGS84(m)
}
