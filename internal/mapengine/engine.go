// Package mapengine describes the rendering engine the overlay code drives and
// ships an in-memory implementation of it.
//
// The real renderer lives outside this module. Everything here talks to it via
// the Engine interface, which mirrors the subset of a vector map surface that
// the overlays need: sources, ordered layers, filters, projection, camera
// control, events and the clustering index.
package mapengine

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	ErrStyleNotLoaded = errors.New("style is not loaded")
	ErrSourceExists   = errors.New("source already exists")
	ErrLayerExists    = errors.New("layer already exists")
	ErrNoSuchSource   = errors.New("source does not exist")
	ErrNoSuchLayer    = errors.New("layer does not exist")
	ErrSourceInUse    = errors.New("source is referenced by a layer")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrNoSuchCluster  = errors.New("cluster does not exist")
)

type EventType string

const (
	EventLoad       EventType = "load"
	EventStyleData  EventType = "styledata"
	EventIdle       EventType = "idle"
	EventClick      EventType = "click"
	EventMouseEnter EventType = "mouseenter"
	EventMouseMove  EventType = "mousemove"
	EventMouseLeave EventType = "mouseleave"
	EventMouseDown  EventType = "mousedown"
	EventDragStart  EventType = "dragstart"
	EventDragEnd    EventType = "dragend"
	EventMove       EventType = "move"
	EventZoom       EventType = "zoom"
)

type LayerKind string

const (
	KindCircle LayerKind = "circle"
	KindSymbol LayerKind = "symbol"
)

// ScreenPoint is a position in CSS pixels relative to the top-left corner of
// the rendering surface.
type ScreenPoint struct {
	X float64
	Y float64
}

// Event is delivered to handlers registered with On/Once. LayerID is the
// topmost layer hit by a pointer event, empty for camera and style events.
type Event struct {
	Type     EventType
	LayerID  string
	LngLat   orb.Point
	Point    ScreenPoint
	Features []*geojson.Feature
}

type Handler func(Event)

type ListenerID uint64

type CameraOptions struct {
	Center   *orb.Point
	Zoom     float64
	Duration time.Duration
}

type SourceSpec struct {
	Data           *geojson.FeatureCollection
	Cluster        bool
	ClusterMaxZoom float64
	ClusterRadius  float64
}

type LayerSpec struct {
	ID     string
	Source string
	Kind   LayerKind
	Paint  map[string]any
	Layout map[string]any
	Filter any
}

// Clone returns a deep copy so callers can keep mutating their template.
func (s LayerSpec) Clone() LayerSpec {
	out := s
	out.Paint = cloneMap(s.Paint)
	out.Layout = cloneMap(s.Layout)
	out.Filter = CloneValue(s.Filter)
	return out
}

// Engine is the rendering surface contract.
type Engine interface {
	StyleLoaded() bool

	AddSource(id string, spec SourceSpec) error
	HasSource(id string) bool
	SetSourceData(id string, fc *geojson.FeatureCollection) error
	RemoveSource(id string) error

	AddLayer(spec LayerSpec, beforeID string) error
	HasLayer(id string) bool
	RemoveLayer(id string) error
	MoveLayer(id, beforeID string) error
	LayerIDs() []string

	SetFilter(layerID string, filter any) error
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error

	Project(ll orb.Point) ScreenPoint
	Unproject(p ScreenPoint) orb.Point
	Zoom() float64
	EaseTo(opts CameraOptions)

	// On registers h for t. A non-empty layerID restricts delivery to
	// pointer events whose hit layer matches.
	On(t EventType, layerID string, h Handler) ListenerID
	Once(t EventType, h Handler) ListenerID
	Off(id ListenerID)

	// NextFrame runs fn after the next rendered frame.
	NextFrame(fn func())

	ClusterExpansionZoom(ctx context.Context, sourceID string, clusterID int) (float64, error)
	ClusterLeaves(ctx context.Context, sourceID string, clusterID, limit, offset int) ([]*geojson.Feature, error)
}

// CloneValue deep-copies JSON-like values ([]any, map[string]any, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case map[string]any:
		return cloneMap(t)
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
