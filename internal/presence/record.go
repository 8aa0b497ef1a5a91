// Package presence turns loosely typed self/friend/venue records into a
// point feature collection the presence overlay can render.
package presence

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Kind string

const (
	KindSelf   Kind = "self"
	KindFriend Kind = "friend"
	KindVenue  Kind = "venue"
)

// Record is one upstream entry as decoded from JSON. Nothing about its shape
// is trusted until it has been parsed into an Entity.
type Record map[string]any

const (
	FallbackFriendColor = "#8E8E93"
	VenueColor          = "#FF7A45"
)

// VibeColors maps a friend's vibe tag to the marker colour.
var VibeColors = map[string]string{
	"chill":     "#4FC3F7",
	"party":     "#FF4FA3",
	"focus":     "#7C5CFF",
	"social":    "#FFB020",
	"adventure": "#34C759",
	"romantic":  "#FF5E5E",
}

func friendColor(vibe *string) string {
	if vibe == nil {
		return FallbackFriendColor
	}
	if c, ok := VibeColors[strings.ToLower(strings.TrimSpace(*vibe))]; ok {
		return c
	}
	return FallbackFriendColor
}

// Entity is the validated form of a record: exactly one of Self, Friend or
// Venue.
type Entity interface {
	Kind() Kind
	Location() orb.Point
	Properties() geojson.Properties
}

type Self struct {
	ID   *string
	Name *string
	Icon *string
	At   orb.Point
}

type Friend struct {
	ID   *string
	Name *string
	Icon *string
	Vibe *string
	At   orb.Point
}

type Venue struct {
	ID       *string
	Name     *string
	Icon     *string
	Category *string
	At       orb.Point
}

func (Self) Kind() Kind   { return KindSelf }
func (Friend) Kind() Kind { return KindFriend }
func (Venue) Kind() Kind  { return KindVenue }

func (s Self) Location() orb.Point   { return s.At }
func (f Friend) Location() orb.Point { return f.At }
func (v Venue) Location() orb.Point  { return v.At }

// Self carries no colour; the aura overlay owns it.
func (s Self) Properties() geojson.Properties {
	return geojson.Properties{
		"kind": string(KindSelf),
		"id":   nullable(s.ID),
		"name": nullable(s.Name),
		"icon": nullable(s.Icon),
	}
}

func (f Friend) Properties() geojson.Properties {
	return geojson.Properties{
		"kind":  string(KindFriend),
		"id":    nullable(f.ID),
		"name":  nullable(f.Name),
		"icon":  nullable(f.Icon),
		"vibe":  nullable(f.Vibe),
		"color": friendColor(f.Vibe),
	}
}

func (v Venue) Properties() geojson.Properties {
	return geojson.Properties{
		"kind":     string(KindVenue),
		"id":       nullable(v.ID),
		"name":     nullable(v.Name),
		"icon":     nullable(v.Icon),
		"category": nullable(v.Category),
		"color":    VenueColor,
	}
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// ParseSelf, ParseFriend and ParseVenue report false when the record has no
// finite coordinate pair.
func ParseSelf(r Record) (Self, bool) {
	at, ok := location(r)
	if !ok {
		return Self{}, false
	}
	return Self{
		ID:   text(r, "id", "user_id"),
		Name: text(r, "name", "display_name"),
		Icon: text(r, "icon", "avatar_url"),
		At:   at,
	}, true
}

func ParseFriend(r Record) (Friend, bool) {
	at, ok := location(r)
	if !ok {
		return Friend{}, false
	}
	return Friend{
		ID:   text(r, "id", "user_id", "profile_id"),
		Name: text(r, "name", "display_name", "username"),
		Icon: text(r, "icon", "avatar_url"),
		Vibe: text(r, "vibe"),
		At:   at,
	}, true
}

func ParseVenue(r Record) (Venue, bool) {
	at, ok := location(r)
	if !ok {
		return Venue{}, false
	}
	return Venue{
		ID:       text(r, "id", "venue_id"),
		Name:     text(r, "name"),
		Icon:     text(r, "icon", "photo_url"),
		Category: text(r, "category", "categories"),
		At:       at,
	}, true
}

// location reads lat/lng from the first key present in each group, falling
// back to a [lng, lat] "coordinates" array.
func location(r Record) (orb.Point, bool) {
	if r == nil {
		return orb.Point{}, false
	}
	latV, hasLat := first(r, "lat", "latitude")
	lngV, hasLng := first(r, "lng", "lon", "longitude")
	if !hasLat || !hasLng {
		coords, ok := r["coordinates"].([]any)
		if !ok || len(coords) != 2 {
			return orb.Point{}, false
		}
		lngV, latV = coords[0], coords[1]
	}
	lat, ok := number(latV)
	if !ok || lat < -90 || lat > 90 {
		return orb.Point{}, false
	}
	lng, ok := number(lngV)
	if !ok || lng < -180 || lng > 180 {
		return orb.Point{}, false
	}
	return orb.Point{lng, lat}, true
}

func first(r Record, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// number coerces JSON-ish values to a finite float.
func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func text(r Record, keys ...string) *string {
	v, ok := first(r, keys...)
	if !ok {
		return nil
	}
	return Sanitize(v)
}

// Sanitize coerces a property value to a string: nil stays nil, arrays are
// comma-joined and scalars are formatted.
func Sanitize(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case []string:
		s = strings.Join(t, ",")
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			if p := Sanitize(e); p != nil {
				parts[i] = *p
			}
		}
		s = strings.Join(parts, ",")
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}
