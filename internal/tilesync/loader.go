package tilesync

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/presence"
	"pulsemap/core-go/internal/tilecache"
)

// Fetcher reads the raw snapshot payload for a tile set.
type Fetcher interface {
	Fetch(ctx context.Context, tileIDs []string) ([]byte, error)
}

// Sink receives each rebuilt presence collection. overlay.Group.Update fits.
type Sink func(fc *geojson.FeatureCollection) int

// Loader reads tile payloads through the cache and feeds the rebuilt
// presence collection to the overlays.
type Loader struct {
	log     zerolog.Logger
	fetcher Fetcher
	cache   tilecache.Cache
	builder *presence.Builder
	sink    Sink
}

func NewLoader(log zerolog.Logger, fetcher Fetcher, cache tilecache.Cache, builder *presence.Builder, sink Sink) *Loader {
	return &Loader{log: log, fetcher: fetcher, cache: cache, builder: builder, sink: sink}
}

// Load returns the presence collection for tileIDs, fetching the payload
// only when the cache has no entry for it.
func (l *Loader) Load(ctx context.Context, tileIDs []string) (*geojson.FeatureCollection, error) {
	key := CacheKey(tileIDs)
	payload, err := l.payload(ctx, key, tileIDs)
	if err != nil {
		return nil, err
	}
	snap, err := presence.DecodeSnapshot(payload)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot for %d tiles: %w", len(tileIDs), err)
	}
	fc := l.builder.Build(snap)
	if l.sink != nil {
		applied := l.sink(fc)
		l.log.Debug().Int("features", len(fc.Features)).Int("overlays", applied).Msg("presence collection applied")
	}
	return fc, nil
}

func (l *Loader) payload(ctx context.Context, key string, tileIDs []string) ([]byte, error) {
	if l.cache != nil {
		b, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			l.log.Warn().Err(err).Msg("tile cache read failed; fetching")
		} else if ok {
			return b, nil
		}
	}
	b, err := l.fetcher.Fetch(ctx, tileIDs)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if err := l.cache.Put(ctx, key, b); err != nil {
			l.log.Warn().Err(err).Msg("tile cache write failed")
		}
	}
	return b, nil
}

// OnRefreshed adapts Load to Options.OnRefreshed. The last-known collection
// stays on screen when the reload fails.
func (l *Loader) OnRefreshed(ctx context.Context, tileIDs []string) {
	if _, err := l.Load(ctx, tileIDs); err != nil {
		l.log.Warn().Err(err).Int("tiles", len(tileIDs)).Msg("presence reload failed")
	}
}
