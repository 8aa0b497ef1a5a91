package filterexpr

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Setter is the part of the renderer that applies filters.
type Setter interface {
	SetFilter(layerID string, filter any) error
}

// FrameSetter can also report layer existence and defer work to the next
// rendered frame.
type FrameSetter interface {
	Setter
	HasLayer(id string) bool
	NextFrame(fn func())
}

// SafeSetFilter normalizes filter and applies it. Failures, including panics
// raised by the renderer, are logged with both filter forms and reported as
// false; the previous filter stays in place.
func SafeSetFilter(s Setter, layerID string, filter any, log zerolog.Logger) (ok bool) {
	normalized := Normalize(filter)
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("layer_id", layerID).Str("panic", fmt.Sprint(r)).Msg("set filter panicked")
			Trace(log, layerID, filter, normalized)
			ok = false
		}
	}()
	if err := s.SetFilter(layerID, normalized); err != nil {
		log.Warn().Err(err).Str("layer_id", layerID).Msg("set filter rejected")
		Trace(log, layerID, filter, normalized)
		return false
	}
	return true
}

// SetFilterWhenReady applies filter once layerID exists, checking once per
// rendered frame for at most maxFrames frames. The outcome is delivered on
// the returned channel, which receives exactly one value.
func SetFilterWhenReady(s FrameSetter, layerID string, filter any, maxFrames int, log zerolog.Logger) <-chan bool {
	done := make(chan bool, 1)
	var attempt func(frame int)
	attempt = func(frame int) {
		if s.HasLayer(layerID) {
			done <- SafeSetFilter(s, layerID, filter, log)
			return
		}
		if frame >= maxFrames {
			log.Warn().
				Str("layer_id", layerID).
				Int("frames", frame).
				Interface("filter", filter).
				Msg("layer never appeared; filter not applied")
			done <- false
			return
		}
		s.NextFrame(func() { attempt(frame + 1) })
	}
	attempt(0)
	return done
}
