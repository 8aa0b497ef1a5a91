package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"pulsemap/core-go/internal/changefeed"
	"pulsemap/core-go/internal/config"
	"pulsemap/core-go/internal/db"
	"pulsemap/core-go/internal/httpapi"
	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/metrics"
	"pulsemap/core-go/internal/overlay"
	"pulsemap/core-go/internal/presence"
	"pulsemap/core-go/internal/spiderfy"
	"pulsemap/core-go/internal/tilecache"
	"pulsemap/core-go/internal/tilesync"
)

func main() {
	cfg, cfgErr := config.Load(".env")
	logger := httpapi.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Msg("invalid configuration")
	}
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
	}

	style := overlay.DefaultStyle
	if cfg.StylePath != "" {
		st, err := config.LoadStyle(cfg.StylePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load style")
		}
		style = st
	}

	engine := mapengine.NewHeadless(mapengine.HeadlessOptions{
		BaseLayers: cfg.BaseLayers,
		Width:      cfg.ViewportWidth,
		Height:     cfg.ViewportHeight,
		Center:     cfg.ViewportCenter,
		Zoom:       cfg.ViewportZoom,
		Loaded:     true,
	})
	guard := layerguard.New(logger, m)

	onSelect := func(sel presence.Selection) {
		logger.Info().Str("kind", string(sel.Kind)).Str("id", sel.ID).Str("name", sel.Name).Msg("marker selected")
	}
	spider := spiderfy.New(logger, m, guard, onSelect, spiderfy.Options{SourceID: overlay.DefaultPresenceID})
	defer spider.Cleanup()

	aura := overlay.NewAura(logger, guard, overlay.AuraOptions{BeforeLayerID: cfg.BeforeLayerID, Style: style})
	pres := overlay.NewPresence(logger, guard, overlay.PresenceOptions{
		BeforeLayerID: cfg.BeforeLayerID,
		SelfHit:       true,
		Style:         style,
		OnSelect:      onSelect,
		OnSelf: func(at orb.Point) {
			logger.Info().Float64("lng", at.Lon()).Float64("lat", at.Lat()).Msg("self marker selected")
		},
		Spiderfier: spider,
	})
	group := overlay.NewGroup(engine, pres, aura)
	group.MountAll()
	defer group.UnmountAll()

	var cache tilecache.Cache
	if cfg.RedisAddr != "" {
		rc := tilecache.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rc.Close()
		cache = tilecache.NewRedis(rc, "", cfg.TileCacheTTL)
	} else {
		cache = tilecache.NewMemory(nil, cfg.TileCacheTTL)
	}

	client, err := tilesync.NewHTTPClient(cfg.TileEndpoint, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tile endpoint")
	}
	loader := tilesync.NewLoader(logger, client, cache, presence.NewBuilder(logger, m), group.Update)
	sched := tilesync.NewScheduler(logger, m, client, cache, engine, tilesync.Options{
		Gate:           tilesync.NewRefreshGate(nil, cfg.RefreshMinInterval),
		Debounce:       cfg.RefreshDebounce,
		RefreshTimeout: cfg.RefreshTimeout,
		MaxTiles:       cfg.MaxTiles,
		OnRefreshed:    loader.OnRefreshed,
	})

	var feed changefeed.Feed
	switch {
	case pool != nil:
		feed = changefeed.NewPGListener(logger, m, pool, changefeed.PGOptions{Channel: cfg.FeedChannel, RetryBase: cfg.FeedRetryBase})
	case cfg.FeedWSURL != "":
		header := http.Header{}
		if cfg.FeedWSToken != "" {
			header.Set("Authorization", "Bearer "+cfg.FeedWSToken)
		}
		feed = changefeed.NewWSListener(logger, m, cfg.FeedWSURL, changefeed.WSOptions{Header: header, RetryBase: cfg.FeedRetryBase})
	default:
		logger.Warn().Msg("no change feed configured; tiles refresh only on demand")
	}

	h := httpapi.NewHandler(logger, httpapi.Deps{
		Pool:     pool,
		Metrics:  m,
		Overlays: group,
		Refresh:  sched,
		Guard:    guard,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		if _, err := sched.Flush(gctx); err != nil {
			logger.Warn().Err(err).Msg("initial tile refresh failed")
		}
		return nil
	})
	if feed != nil {
		g.Go(func() error { return feed.Run(gctx, sched.Trigger) })
	}
	if cfg.StylePath != "" {
		w := config.NewStyleWatcher(logger, cfg.StylePath, nil, group.Restyle)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("core-go listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("core-go stopped with error")
	}
	logger.Info().Msg("shutdown complete")
}
