package presence

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/metrics"
)

// Snapshot is the upstream presence payload.
type Snapshot struct {
	Self    Record   `json:"self,omitempty"`
	Friends []Record `json:"friends,omitempty"`
	Venues  []Record `json:"venues,omitempty"`
}

type rawSnapshot struct {
	Self    json.RawMessage   `json:"self"`
	Friends []json.RawMessage `json:"friends"`
	Venues  []json.RawMessage `json:"venues"`
}

// DecodeSnapshot parses a raw payload. Numbers are kept as json.Number so
// string and numeric coordinates go through the same coercion. Entries that
// are not JSON objects become empty records, which Validate then drops; only
// a payload whose lists are not arrays fails as a whole.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("decode presence snapshot: %w", err)
	}
	s := Snapshot{
		Friends: decodeRecords(raw.Friends),
		Venues:  decodeRecords(raw.Venues),
	}
	if len(raw.Self) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Self), []byte("null")) {
		s.Self = decodeRecord(raw.Self)
	}
	return s, nil
}

func decodeRecords(raws []json.RawMessage) []Record {
	if len(raws) == 0 {
		return nil
	}
	out := make([]Record, 0, len(raws))
	for _, r := range raws {
		out = append(out, decodeRecord(r))
	}
	return out
}

// decodeRecord never returns nil so a malformed entry is still counted.
func decodeRecord(raw json.RawMessage) Record {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil || r == nil {
		return Record{}
	}
	return r
}

// Dropped counts rejected entries per kind.
type Dropped map[Kind]int

func (d Dropped) Total() int {
	n := 0
	for _, c := range d {
		n += c
	}
	return n
}

// Validate parses every record of s, self first, then friends, then venues.
func Validate(s Snapshot) ([]Entity, Dropped) {
	dropped := Dropped{}
	out := make([]Entity, 0, len(s.Friends)+len(s.Venues)+1)
	if s.Self != nil {
		if e, ok := ParseSelf(s.Self); ok {
			out = append(out, e)
		} else {
			dropped[KindSelf]++
		}
	}
	for _, r := range s.Friends {
		if e, ok := ParseFriend(r); ok {
			out = append(out, e)
		} else {
			dropped[KindFriend]++
		}
	}
	for _, r := range s.Venues {
		if e, ok := ParseVenue(r); ok {
			out = append(out, e)
		} else {
			dropped[KindVenue]++
		}
	}
	return out, dropped
}

// Features renders entities as point features.
func Features(entities []Entity) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range entities {
		f := geojson.NewFeature(e.Location())
		f.Properties = e.Properties()
		if id, ok := f.Properties["id"].(string); ok {
			f.ID = string(e.Kind()) + ":" + id
		}
		fc.Append(f)
	}
	return fc
}

// Build is the pure transform: invalid entries are dropped silently.
func Build(s Snapshot) *geojson.FeatureCollection {
	entities, _ := Validate(s)
	return Features(entities)
}

// Builder is Build with drop accounting.
type Builder struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewBuilder(log zerolog.Logger, m *metrics.Metrics) *Builder {
	return &Builder{log: log, metrics: m}
}

func (b *Builder) Build(s Snapshot) *geojson.FeatureCollection {
	entities, dropped := Validate(s)
	for kind, n := range dropped {
		b.metrics.AddPresenceDropped(string(kind), n)
	}
	if total := dropped.Total(); total > 0 {
		b.log.Debug().
			Int("dropped", total).
			Int("kept", len(entities)).
			Msg("presence entries without finite coordinates dropped")
	}
	return Features(entities)
}
