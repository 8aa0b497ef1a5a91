package presence

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
)

func TestBuild_DropsNonFiniteCoordinates(t *testing.T) {
	fc := Build(Snapshot{Friends: []Record{
		{"id": "a", "lat": 1.0, "lng": 2.0},
		{"id": "b", "lat": math.NaN(), "lng": 2.0},
		{"id": "c", "lat": math.Inf(1), "lng": 2.0},
	}})
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(fc.Features))
	}
	if got := fc.Features[0].Properties["id"]; got != "a" {
		t.Fatalf("expected id a, got %v", got)
	}
}

func TestBuild_MixedSnapshot(t *testing.T) {
	s := Snapshot{
		Self: Record{"id": "me", "lat": 51.5, "lng": -0.12},
		Friends: []Record{
			{"id": "f1", "name": "Ada", "lat": 51.51, "lng": -0.1, "vibe": "party"},
			{"id": "f2", "name": "Bo", "lat": 51.52, "lng": "oops"},
		},
		Venues: []Record{
			{"id": "v1", "name": "Dock Bar", "latitude": "51.505", "longitude": "-0.09", "category": []any{"bar", "music"}},
		},
	}
	fc := Build(s)
	if len(fc.Features) != 3 {
		t.Fatalf("expected 3 features, got %d", len(fc.Features))
	}

	kinds := make([]string, 0, 3)
	for _, f := range fc.Features {
		kinds = append(kinds, f.Properties.MustString("kind", ""))
	}
	if diff := cmp.Diff([]string{"self", "friend", "venue"}, kinds); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}

	self := fc.Features[0]
	if _, ok := self.Properties["color"]; ok {
		t.Fatalf("expected self to carry no colour")
	}
	friend := fc.Features[1]
	if friend.Properties["color"] != VibeColors["party"] {
		t.Fatalf("expected vibe colour, got %v", friend.Properties["color"])
	}
	venue := fc.Features[2]
	if venue.Properties["color"] != VenueColor {
		t.Fatalf("expected venue colour, got %v", venue.Properties["color"])
	}
	if venue.Properties["category"] != "bar,music" {
		t.Fatalf("expected joined category, got %v", venue.Properties["category"])
	}
	if pt := venue.Geometry.(orb.Point); pt != (orb.Point{-0.09, 51.505}) {
		t.Fatalf("unexpected venue point %v", pt)
	}
}

func TestParseFriend_Sanitizes(t *testing.T) {
	f, ok := ParseFriend(Record{"id": json.Number("42"), "name": nil, "lat": json.Number("1.5"), "lon": 3})
	if !ok {
		t.Fatalf("expected friend to parse")
	}
	if f.ID == nil || *f.ID != "42" {
		t.Fatalf("expected numeric id to be stringified, got %v", f.ID)
	}
	if f.Name != nil {
		t.Fatalf("expected nil name to stay nil")
	}
	props := f.Properties()
	if props["name"] != nil {
		t.Fatalf("expected null name property, got %v", props["name"])
	}
	if props["color"] != FallbackFriendColor {
		t.Fatalf("expected fallback colour, got %v", props["color"])
	}
	if f.At != (orb.Point{3, 1.5}) {
		t.Fatalf("unexpected location %v", f.At)
	}
}

func TestLocation_Rejects(t *testing.T) {
	cases := []Record{
		nil,
		{"lat": 1.0},
		{"lat": "abc", "lng": 1.0},
		{"lat": 91.0, "lng": 1.0},
		{"lat": 1.0, "lng": -181.0},
		{"lat": true, "lng": 1.0},
		{"coordinates": []any{1.0}},
	}
	for i, r := range cases {
		if _, ok := location(r); ok {
			t.Fatalf("case %d: expected %v to be rejected", i, r)
		}
	}
	if pt, ok := location(Record{"coordinates": []any{json.Number("2"), json.Number("1")}}); !ok || pt != (orb.Point{2, 1}) {
		t.Fatalf("expected coordinates array to parse, got %v %v", pt, ok)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"x", "x"},
		{[]any{"a", nil, 3.0}, "a,,3"},
		{[]string{"a", "b"}, "a,b"},
		{true, "true"},
		{2.5, "2.5"},
	}
	for _, tc := range cases {
		got := Sanitize(tc.in)
		var gotV any
		if got != nil {
			gotV = *got
		}
		if gotV != tc.want {
			t.Fatalf("Sanitize(%v) = %v, want %v", tc.in, gotV, tc.want)
		}
	}
}

func TestDecodeSnapshot(t *testing.T) {
	raw := []byte(`{
		"self": {"id": "me", "lat": 10, "lng": 20},
		"friends": [{"id": "a", "lat": "1", "lng": 2}, {"id": "b", "lat": null, "lng": 2}],
		"venues": []
	}`)
	s, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	entities, dropped := Validate(s)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if dropped[KindFriend] != 1 || dropped.Total() != 1 {
		t.Fatalf("unexpected drop counts %v", dropped)
	}

	if _, err := DecodeSnapshot([]byte(`{"friends": 3}`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDecodeSnapshot_KeepsWellFormedEntries(t *testing.T) {
	raw := []byte(`{
		"self": "me",
		"friends": [{"id": "a", "lat": 1, "lng": 2}, "oops", 7, [1, 2], null, {"id": "b", "lat": 3, "lng": 4}],
		"venues": [{"id": "v", "lat": 5, "lng": 6}, true]
	}`)
	s, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	entities, dropped := Validate(s)
	var ids []string
	for _, e := range entities {
		ids = append(ids, e.Properties()["id"].(string))
	}
	if diff := cmp.Diff([]string{"a", "b", "v"}, ids); diff != "" {
		t.Fatalf("kept entities (-want +got):\n%s", diff)
	}
	want := Dropped{KindSelf: 1, KindFriend: 4, KindVenue: 1}
	if diff := cmp.Diff(want, dropped); diff != "" {
		t.Fatalf("drop counts (-want +got):\n%s", diff)
	}
}

func TestDecodeSnapshot_NullSelfIsAbsent(t *testing.T) {
	s, err := DecodeSnapshot([]byte(`{"self": null, "friends": []}`))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if _, dropped := Validate(s); dropped.Total() != 0 {
		t.Fatalf("a null self must not count as dropped, got %v", dropped)
	}
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(zerolog.Nop(), nil)
	fc := b.Build(Snapshot{Venues: []Record{{"id": "v", "lat": 1, "lng": 1}, {"id": "w"}}})
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(fc.Features))
	}
	if fc.Features[0].ID != "venue:v" {
		t.Fatalf("expected feature id venue:v, got %v", fc.Features[0].ID)
	}
}

func TestSelectionFromFeature(t *testing.T) {
	fc := Build(Snapshot{
		Self:    Record{"id": "me", "lat": 0, "lng": 0},
		Friends: []Record{{"id": "a", "name": "Ada", "lat": 1, "lng": 2, "vibe": "chill"}},
	})

	if _, ok := SelectionFromFeature(fc.Features[0]); ok {
		t.Fatalf("expected self not to resolve to a selection")
	}
	if !IsSelf(fc.Features[0]) {
		t.Fatalf("expected IsSelf on the self feature")
	}

	sel, ok := SelectionFromFeature(fc.Features[1])
	if !ok {
		t.Fatalf("expected friend selection")
	}
	if sel.Kind != KindFriend || sel.ID != "a" || sel.Name != "Ada" || sel.Color != VibeColors["chill"] {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if sel.LngLat != (orb.Point{2, 1}) {
		t.Fatalf("unexpected lngLat %v", sel.LngLat)
	}

	line := geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}})
	line.Properties["kind"] = "venue"
	line.Properties["id"] = "v"
	if _, ok := SelectionFromFeature(line); ok {
		t.Fatalf("expected non-point feature to be rejected")
	}

	pt, ok := SelfLocation(fc)
	if !ok || pt != (orb.Point{0, 0}) {
		t.Fatalf("unexpected self location %v %v", pt, ok)
	}
}
