// Package spiderfy fans the members of a cluster out on a small circle so
// each one can be clicked individually.
package spiderfy

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/metrics"
	"pulsemap/core-go/internal/presence"
)

const (
	DefaultThresholdZoom = 16
	DefaultRadiusPx      = 36
	DefaultMaxLeaves     = 25
	DefaultEaseDuration  = 500 * time.Millisecond

	// below the threshold the camera eases at least this close to it
	thresholdSlack = 0.25
	idPrefix       = "spider-"
)

type Options struct {
	// SourceID is the clustered source whose index is queried.
	SourceID      string
	ThresholdZoom float64
	RadiusPx      float64
	MaxLeaves     int
	EaseDuration  time.Duration
	LeafRadius    float64
}

func (o Options) withDefaults() Options {
	if o.ThresholdZoom <= 0 {
		o.ThresholdZoom = DefaultThresholdZoom
	}
	if o.RadiusPx <= 0 {
		o.RadiusPx = DefaultRadiusPx
	}
	if o.MaxLeaves <= 0 {
		o.MaxLeaves = DefaultMaxLeaves
	}
	if o.EaseDuration <= 0 {
		o.EaseDuration = DefaultEaseDuration
	}
	if o.LeafRadius <= 0 {
		o.LeafRadius = 9
	}
	return o
}

// Arrangement is the ephemeral state of one expanded cluster.
type Arrangement struct {
	SourceID string
	LayerID  string
	Features *geojson.FeatureCollection
}

type Spiderfier struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	guard   *layerguard.Guard
	sink    presence.SelectionSink
	opts    Options

	mu     sync.Mutex
	active *arrangement
}

type arrangement struct {
	Arrangement
	engine mapengine.Engine
	sub    *mapengine.Subscription
	once   sync.Once
}

func New(log zerolog.Logger, m *metrics.Metrics, guard *layerguard.Guard, sink presence.SelectionSink, opts Options) *Spiderfier {
	return &Spiderfier{
		log:     log,
		metrics: m,
		guard:   guard,
		sink:    sink,
		opts:    opts.withDefaults(),
	}
}

func (s *Spiderfier) Options() Options {
	return s.opts
}

// Expand handles a click on a cluster feature. Below the threshold zoom the
// camera eases in; at or above it the leaves are arranged on a circle. It
// reports whether anything happened; failures leave the cluster untouched.
func (s *Spiderfier) Expand(ctx context.Context, e mapengine.Engine, cluster *geojson.Feature) bool {
	center, ok := cluster.Geometry.(orb.Point)
	if !ok {
		return false
	}
	id, ok := ClusterID(cluster)
	if !ok {
		s.log.Debug().Msg("cluster feature has no cluster_id")
		return false
	}

	if e.Zoom() < s.opts.ThresholdZoom {
		return s.zoomIn(ctx, e, id, center)
	}
	return s.spider(ctx, e, id, center)
}

func (s *Spiderfier) zoomIn(ctx context.Context, e mapengine.Engine, id int, center orb.Point) bool {
	z, err := e.ClusterExpansionZoom(ctx, s.opts.SourceID, id)
	if err != nil {
		s.log.Warn().Err(err).Int("cluster_id", id).Msg("cluster expansion zoom lookup failed")
		return false
	}
	target := math.Max(z, s.opts.ThresholdZoom-thresholdSlack)
	e.EaseTo(mapengine.CameraOptions{Center: &center, Zoom: target, Duration: s.opts.EaseDuration})
	s.metrics.IncSpiderfy("zoom")
	return true
}

func (s *Spiderfier) spider(ctx context.Context, e mapengine.Engine, id int, center orb.Point) bool {
	leaves, err := e.ClusterLeaves(ctx, s.opts.SourceID, id, s.opts.MaxLeaves, 0)
	if err != nil {
		s.log.Warn().Err(err).Int("cluster_id", id).Msg("cluster leaves lookup failed")
		return false
	}
	if len(leaves) == 0 {
		return false
	}

	s.Cleanup()

	fc := Layout(e, center, leaves, s.opts.RadiusPx)
	key := idPrefix + uuid.NewString()
	a := &arrangement{
		Arrangement: Arrangement{SourceID: key, LayerID: key + "-leaves", Features: fc},
		engine:      e,
		sub:         mapengine.NewSubscription(),
	}

	if !s.guard.EnsureSource(e, a.SourceID, mapengine.SourceSpec{Data: fc}) {
		return false
	}
	layer := mapengine.LayerSpec{
		ID:     a.LayerID,
		Source: a.SourceID,
		Kind:   mapengine.KindCircle,
		Paint: map[string]any{
			"circle-color":        []any{"get", "color"},
			"circle-radius":       s.opts.LeafRadius,
			"circle-stroke-width": 2.0,
			"circle-stroke-color": "#ffffff",
		},
	}
	if !s.guard.EnsureLayer(e, layer, "") {
		s.guard.RemoveSourceSafe(e, a.SourceID)
		return false
	}

	a.sub.Listen(e, mapengine.EventClick, a.LayerID, func(ev mapengine.Event) {
		if len(ev.Features) > 0 && s.sink != nil {
			if sel, ok := presence.SelectionFromFeature(ev.Features[0]); ok {
				s.sink(sel)
			}
		}
		s.release(a)
	})
	dismiss := func(mapengine.Event) { s.release(a) }
	a.sub.Listen(e, mapengine.EventMove, "", dismiss)
	a.sub.Listen(e, mapengine.EventZoom, "", dismiss)
	a.sub.Listen(e, mapengine.EventMouseDown, "", func(ev mapengine.Event) {
		// pressing on a leaf precedes its click; let the click resolve it
		if ev.LayerID == a.LayerID {
			return
		}
		s.release(a)
	})

	s.mu.Lock()
	s.active = a
	s.mu.Unlock()
	s.metrics.IncSpiderfy("spider")
	s.log.Debug().Int("cluster_id", id).Int("leaves", len(leaves)).Str("source_id", a.SourceID).Msg("cluster spiderfied")
	return true
}

// Layout places leaf i at angle i*2π/n on a circle of radiusPx screen pixels
// around the projected center. Leaf properties are copied and every point
// gets a colour.
func Layout(e mapengine.Engine, center orb.Point, leaves []*geojson.Feature, radiusPx float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	n := len(leaves)
	if n == 0 {
		return fc
	}
	c := e.Project(center)
	step := 2 * math.Pi / float64(n)
	for i, leaf := range leaves {
		angle := float64(i) * step
		p := mapengine.ScreenPoint{
			X: c.X + radiusPx*math.Cos(angle),
			Y: c.Y + radiusPx*math.Sin(angle),
		}
		f := geojson.NewFeature(e.Unproject(p))
		for k, v := range leaf.Properties {
			f.Properties[k] = v
		}
		if col, _ := f.Properties["color"].(string); col == "" {
			f.Properties["color"] = presence.FallbackFriendColor
		}
		f.ID = leaf.ID
		fc.Append(f)
	}
	return fc
}

// Active returns the current arrangement, if any.
func (s *Spiderfier) Active() (Arrangement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Arrangement{}, false
	}
	return s.active.Arrangement, true
}

// Cleanup tears down the current arrangement. Safe to call at any time.
func (s *Spiderfier) Cleanup() {
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()
	if a != nil {
		s.release(a)
	}
}

func (s *Spiderfier) release(a *arrangement) {
	a.once.Do(func() {
		a.sub.Dispose()
		s.guard.RemoveLayerSafe(a.engine, a.LayerID)
		s.guard.RemoveSourceSafe(a.engine, a.SourceID)
		s.mu.Lock()
		if s.active == a {
			s.active = nil
		}
		s.mu.Unlock()
	})
}

// ClusterID reads the renderer-assigned cluster id from a cluster feature.
func ClusterID(f *geojson.Feature) (int, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f.Properties["cluster_id"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// IsCluster reports whether f is a cluster point rather than a leaf.
func IsCluster(f *geojson.Feature) bool {
	if f == nil {
		return false
	}
	if c, ok := f.Properties["cluster"].(bool); ok && c {
		return true
	}
	_, ok := f.Properties["point_count"]
	return ok
}

// PointCount returns the number of members of a cluster feature.
func PointCount(f *geojson.Feature) int {
	if f == nil {
		return 0
	}
	switch v := f.Properties["point_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
