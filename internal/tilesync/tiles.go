// Package tilesync decides when the tile endpoint is asked to refresh the
// current viewport and reloads presence data once it has.
package tilesync

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	MaxTileZoom = 22
	maxLat      = 85.05112877980659
	maxLng      = 180 - 1e-9
)

// TileIDs returns the "z/x/y" keys of every slippy tile covering bound at
// the floor of zoom. The corners of bound may come in any order; the result
// is sorted and free of duplicates.
func TileIDs(bound orb.Bound, zoom float64) []string {
	z := tileZoom(zoom)
	nw, se := tileRange(bound, z)

	out := make([]string, 0, tileCount(nw, se))
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			out = append(out, TileID(maptile.New(x, y, z)))
		}
	}
	sort.Strings(out)
	return out
}

// TileIDsWithin is TileIDs at the deepest zoom not above zoom that needs at
// most limit tiles. A limit of zero or less means no limit.
func TileIDsWithin(bound orb.Bound, zoom float64, limit int) []string {
	z := tileZoom(zoom)
	if limit > 0 {
		for z > 0 {
			nw, se := tileRange(bound, z)
			if tileCount(nw, se) <= uint64(limit) {
				break
			}
			z--
		}
	}
	return TileIDs(bound, float64(z))
}

// tileRange returns the north-west and south-east corner tiles of bound.
func tileRange(bound orb.Bound, z maptile.Zoom) (maptile.Tile, maptile.Tile) {
	minX, maxX := ordered(bound.Min.X(), bound.Max.X())
	minY, maxY := ordered(bound.Min.Y(), bound.Max.Y())
	minX, maxX = clamp(minX, -180, maxLng), clamp(maxX, -180, maxLng)
	minY, maxY = clamp(minY, -maxLat, maxLat), clamp(maxY, -maxLat, maxLat)

	// tile y grows southwards
	return maptile.At(orb.Point{minX, maxY}, z), maptile.At(orb.Point{maxX, minY}, z)
}

func tileCount(nw, se maptile.Tile) uint64 {
	return uint64(se.X-nw.X+1) * uint64(se.Y-nw.Y+1)
}

func TileID(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ParseTileID is the inverse of TileID.
func ParseTileID(id string) (maptile.Tile, error) {
	var z, x, y uint32
	if _, err := fmt.Sscanf(id, "%d/%d/%d", &z, &x, &y); err != nil {
		return maptile.Tile{}, fmt.Errorf("parse tile id %q: %w", id, err)
	}
	if z > MaxTileZoom || x >= 1<<z || y >= 1<<z {
		return maptile.Tile{}, fmt.Errorf("parse tile id %q: out of range", id)
	}
	return maptile.New(x, y, maptile.Zoom(z)), nil
}

// CacheKey joins sorted tile IDs into the key a fetched payload is stored
// under. Equal tile sets always give equal keys.
func CacheKey(ids []string) string {
	return strings.Join(ids, ",")
}

func tileZoom(zoom float64) maptile.Zoom {
	if math.IsNaN(zoom) || zoom < 0 {
		return 0
	}
	if zoom > MaxTileZoom {
		return MaxTileZoom
	}
	return maptile.Zoom(math.Floor(zoom))
}

func ordered(a, b float64) (float64, float64) {
	if a > b {
		return b, a
	}
	return a, b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
