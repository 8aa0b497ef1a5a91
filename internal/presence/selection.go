package presence

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Selection is emitted when a friend or venue marker is clicked.
type Selection struct {
	Kind       Kind           `json:"kind"`
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	LngLat     orb.Point      `json:"lngLat"`
	Color      string         `json:"color,omitempty"`
	Properties map[string]any `json:"properties"`
}

// SelectionSink receives resolved selections.
type SelectionSink func(Selection)

// SelectionFromFeature resolves a clicked feature. Only friend and venue
// points with an id qualify.
func SelectionFromFeature(f *geojson.Feature) (Selection, bool) {
	if f == nil {
		return Selection{}, false
	}
	pt, ok := f.Geometry.(orb.Point)
	if !ok {
		return Selection{}, false
	}
	kind := Kind(f.Properties.MustString("kind", ""))
	if kind != KindFriend && kind != KindVenue {
		return Selection{}, false
	}
	id := f.Properties.MustString("id", "")
	if id == "" {
		return Selection{}, false
	}
	props := make(map[string]any, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}
	return Selection{
		Kind:       kind,
		ID:         id,
		Name:       f.Properties.MustString("name", ""),
		LngLat:     pt,
		Color:      f.Properties.MustString("color", ""),
		Properties: props,
	}, true
}

// SelfLocation finds the self point in a built collection.
func SelfLocation(fc *geojson.FeatureCollection) (orb.Point, bool) {
	if fc == nil {
		return orb.Point{}, false
	}
	for _, f := range fc.Features {
		if f.Properties.MustString("kind", "") != string(KindSelf) {
			continue
		}
		if pt, ok := f.Geometry.(orb.Point); ok {
			return pt, true
		}
	}
	return orb.Point{}, false
}

// IsSelf reports whether f is the self marker.
func IsSelf(f *geojson.Feature) bool {
	return f != nil && f.Properties.MustString("kind", "") == string(KindSelf)
}
