// Package config reads process settings from the environment and the
// operator style file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"

	"pulsemap/core-go/internal/changefeed"
	"pulsemap/core-go/internal/tilecache"
	"pulsemap/core-go/internal/tilesync"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	DatabaseURL   string
	FeedChannel   string
	FeedWSURL     string
	FeedWSToken   string
	FeedRetryBase time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TileCacheTTL  time.Duration

	TileEndpoint       string
	RefreshDebounce    time.Duration
	RefreshMinInterval time.Duration
	RefreshTimeout     time.Duration
	MaxTiles           int

	StylePath      string
	ViewportCenter orb.Point
	ViewportZoom   float64
	ViewportWidth  float64
	ViewportHeight float64
	BaseLayers     []string
	BeforeLayerID  string
}

// Load reads .env files (missing ones are skipped) and then the process
// environment. Values already set in the environment win over .env entries.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var errs []error
	c := Config{
		HTTPAddr:      envOr("HTTP_ADDR", ":8081"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		DatabaseURL:   envOr("DATABASE_URL", ""),
		FeedChannel:   envOr("FEED_CHANNEL", changefeed.DefaultChannel),
		FeedWSURL:     envOr("FEED_WS_URL", ""),
		FeedWSToken:   envOr("FEED_WS_TOKEN", ""),
		RedisAddr:     envOr("REDIS_ADDR", ""),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		TileEndpoint:  envOr("TILE_ENDPOINT", ""),
		StylePath:     envOr("STYLE_PATH", ""),
		BaseLayers:    splitList(envOr("BASE_LAYERS", "background,roads,labels")),
		BeforeLayerID: envOr("OVERLAY_BEFORE_LAYER", ""),
	}
	c.FeedRetryBase = durationOr("FEED_RETRY_BASE", changefeed.DefaultRetryBase, &errs)
	c.TileCacheTTL = durationOr("TILE_CACHE_TTL", tilecache.DefaultTTL, &errs)
	c.RefreshDebounce = durationOr("REFRESH_DEBOUNCE", tilesync.DefaultDebounce, &errs)
	c.RefreshMinInterval = durationOr("REFRESH_MIN_INTERVAL", tilesync.DefaultMinInterval, &errs)
	c.RefreshTimeout = durationOr("REFRESH_TIMEOUT", tilesync.DefaultRefreshTimeout, &errs)
	c.RedisDB = intOr("REDIS_DB", 0, &errs)
	c.MaxTiles = intOr("MAX_TILES", tilesync.DefaultMaxTiles, &errs)
	c.ViewportZoom = floatOr("VIEWPORT_ZOOM", 12, &errs)
	c.ViewportWidth = floatOr("VIEWPORT_WIDTH", 1280, &errs)
	c.ViewportHeight = floatOr("VIEWPORT_HEIGHT", 800, &errs)

	center, err := ParseLngLat(envOr("VIEWPORT_CENTER", "-0.1276,51.5072"))
	if err != nil {
		errs = append(errs, fmt.Errorf("VIEWPORT_CENTER: %w", err))
	}
	c.ViewportCenter = center

	if c.TileEndpoint == "" {
		errs = append(errs, errors.New("TILE_ENDPOINT is required"))
	}
	if c.DatabaseURL != "" && c.FeedWSURL != "" {
		errs = append(errs, errors.New("set only one of DATABASE_URL and FEED_WS_URL as the change feed"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ParseLngLat parses "lng,lat".
func ParseLngLat(s string) (orb.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return orb.Point{}, fmt.Errorf("expected lng,lat, got %q", s)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("longitude: %w", err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("latitude: %w", err)
	}
	if lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		return orb.Point{}, fmt.Errorf("%q is out of range", s)
	}
	return orb.Point{lng, lat}, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationOr(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func intOr(key string, fallback int, errs *[]error) int {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func floatOr(key string, fallback float64, errs *[]error) float64 {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
