package tilesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/debounce"
	"pulsemap/core-go/internal/metrics"
)

const (
	DefaultDebounce       = 2 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
	DefaultMaxTiles       = 64
)

var (
	ErrHidden     = errors.New("tilesync: surface not visible")
	ErrTooSoon    = errors.New("tilesync: minimum refresh interval not elapsed")
	ErrInFlight   = errors.New("tilesync: refresh already in flight")
	ErrNoViewport = errors.New("tilesync: no viewport")
)

// Refresher asks the tile endpoint to rebuild the given tiles.
type Refresher interface {
	Refresh(ctx context.Context, tileIDs []string) error
}

// Invalidator drops a cached payload. tilecache.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Viewport reports the visible bounds and zoom of the rendering surface.
type Viewport interface {
	Bounds() orb.Bound
	Zoom() float64
}

type Options struct {
	Clock          quartz.Clock
	Gate           *RefreshGate
	Debounce       time.Duration
	RefreshTimeout time.Duration
	MaxTiles       int
	// Visible gates refreshes on the hosting surface being shown. Nil means
	// always visible.
	Visible func() bool
	// OnRefreshed runs after a successful refresh and cache invalidation.
	OnRefreshed func(ctx context.Context, tileIDs []string)
}

// Result describes the last refresh attempt.
type Result struct {
	TileIDs  []string      `json:"tile_ids"`
	CacheKey string        `json:"cache_key"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
	Err      string        `json:"error,omitempty"`
}

// Scheduler collapses bursts of change notifications into at most one
// refresh per debounce window and per gate interval.
type Scheduler struct {
	log       zerolog.Logger
	metrics   *metrics.Metrics
	refresher Refresher
	cache     Invalidator
	viewport  Viewport
	clock     quartz.Clock
	gate      *RefreshGate
	debounce  *debounce.Debouncer
	opts      Options

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu   sync.Mutex
	ctx  context.Context
	last *Result
}

func NewScheduler(log zerolog.Logger, m *metrics.Metrics, refresher Refresher, cache Invalidator, viewport Viewport, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = DefaultMaxTiles
	}
	if opts.Gate == nil {
		opts.Gate = NewRefreshGate(opts.Clock, DefaultMinInterval)
	}
	return &Scheduler{
		log:       log.With().Str("component", "tilesync").Logger(),
		metrics:   m,
		refresher: refresher,
		cache:     cache,
		viewport:  viewport,
		clock:     opts.Clock,
		gate:      opts.Gate,
		debounce:  debounce.New(opts.Clock, opts.Debounce),
		opts:      opts,
	}
}

func (s *Scheduler) Gate() *RefreshGate { return s.gate }

// RetryAfter is how long until the interval gate opens again.
func (s *Scheduler) RetryAfter() time.Duration { return s.gate.Remaining() }

// Run binds the scheduler to ctx and blocks until ctx is done. Triggers
// before Run or after it returns are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	s.debounce.Cancel()
	s.wg.Wait()
	return nil
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil
}

// acquire returns the run context and registers a tick with wg, or nil
// when the scheduler is not running.
func (s *Scheduler) acquire() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return nil
	}
	s.wg.Add(1)
	return s.ctx
}

// Trigger requests a refresh. Calls within the debounce window replace each
// other; only the last one fires.
func (s *Scheduler) Trigger() {
	s.debounce.Trigger(s.fire)
}

// Pending reports whether a debounced refresh is waiting.
func (s *Scheduler) Pending() bool {
	return s.debounce.Pending()
}

func (s *Scheduler) fire() {
	ctx := s.acquire()
	if ctx == nil {
		s.log.Debug().Msg("refresh tick dropped; scheduler not running")
		return
	}
	defer s.wg.Done()
	if _, err := s.Flush(ctx); err != nil {
		s.log.Debug().Err(err).Msg("refresh tick did not run")
	}
}

// Flush skips the debounce window but still applies the visibility,
// interval and in-flight gates. A pending debounced tick is cancelled.
func (s *Scheduler) Flush(ctx context.Context) (Result, error) {
	s.debounce.Cancel()

	if s.opts.Visible != nil && !s.opts.Visible() {
		s.metrics.IncRefreshSkipped("hidden")
		return Result{}, ErrHidden
	}
	if !s.gate.Allow() {
		s.metrics.IncRefreshSkipped("min_interval")
		return Result{}, ErrTooSoon
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.IncRefreshSkipped("in_flight")
		return Result{}, ErrInFlight
	}
	defer s.inFlight.Store(false)

	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) (Result, error) {
	if s.viewport == nil {
		return Result{}, ErrNoViewport
	}
	ids := TileIDsWithin(s.viewport.Bounds(), s.viewport.Zoom(), s.opts.MaxTiles)
	res := Result{TileIDs: ids, CacheKey: CacheKey(ids), At: s.clock.Now()}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
	defer cancel()

	start := s.clock.Now()
	err := s.refresher.Refresh(callCtx, ids)
	res.Duration = s.clock.Since(start)
	if err != nil {
		res.Err = err.Error()
		s.record(res)
		s.metrics.ObserveRefresh("error", res.Duration)
		s.log.Warn().Err(err).Int("tiles", len(ids)).Msg("tile refresh failed")
		return res, err
	}

	s.gate.MarkSuccess()
	s.metrics.ObserveRefresh("ok", res.Duration)
	s.record(res)

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, res.CacheKey); err != nil {
			s.log.Warn().Err(err).Str("cache_key", res.CacheKey).Msg("cache invalidation failed")
		}
	}
	if s.opts.OnRefreshed != nil {
		s.opts.OnRefreshed(ctx, ids)
	}
	s.log.Debug().Int("tiles", len(ids)).Dur("took", res.Duration).Msg("tiles refreshed")
	return res, nil
}

func (s *Scheduler) record(res Result) {
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
}

// Last returns the most recent refresh attempt, if any.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}
