package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/db"
	"pulsemap/core-go/internal/filterexpr"
	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/metrics"
	"pulsemap/core-go/internal/overlay"
	"pulsemap/core-go/internal/tilesync"
)

// Refresher is the part of tilesync.Scheduler the API drives.
type Refresher interface {
	Flush(ctx context.Context) (tilesync.Result, error)
	Last() (tilesync.Result, bool)
	Pending() bool
	RetryAfter() time.Duration
}

// Overlays is the part of overlay.Group the API reads.
type Overlays interface {
	Status() []overlay.Status
	Engine() mapengine.Engine
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Pool     *db.Pool
	Metrics  *metrics.Metrics
	Overlays Overlays
	Refresh  Refresher
	Guard    *layerguard.Guard
}

type Handler struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	db       pinger
	overlays Overlays
	refresh  Refresher
	guard    *layerguard.Guard
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	h := &Handler{
		log:      log,
		metrics:  deps.Metrics,
		overlays: deps.Overlays,
		refresh:  deps.Refresh,
		guard:    deps.Guard,
	}
	if deps.Pool != nil {
		h.db = deps.Pool
	}
	if h.guard == nil {
		h.guard = layerguard.New(log, deps.Metrics)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Get("/overlays", h.handleListOverlays)

			r.Route("/refresh", func(r chi.Router) {
				r.Get("/", h.handleRefreshStatus)
				r.Post("/", h.handleRefresh)
			})

			r.Post("/filters/normalize", h.handleNormalizeFilter)
			r.Post("/layers/{id}/filter", h.handleSetLayerFilter)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), elapsed)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	if h.overlays == nil {
		h.writeError(w, http.StatusServiceUnavailable, "overlays_unavailable", "overlays not configured", nil)
		return
	}
	var pending []string
	for _, st := range h.overlays.Status() {
		if st.State != overlay.Mounted.String() {
			pending = append(pending, st.ID)
		}
	}
	if len(pending) > 0 {
		h.writeError(w, http.StatusServiceUnavailable, "overlays_not_mounted", "overlays are not mounted yet", map[string]any{"overlays": pending})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleListOverlays(w http.ResponseWriter, r *http.Request) {
	if h.overlays == nil {
		h.writeError(w, http.StatusServiceUnavailable, "overlays_unavailable", "overlays not configured", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, h.overlays.Status())
}

type refreshStatus struct {
	Pending      bool             `json:"pending"`
	RetryAfterMS int64            `json:"retry_after_ms"`
	Last         *tilesync.Result `json:"last,omitempty"`
}

func (h *Handler) ensureRefresh(w http.ResponseWriter) bool {
	if h.refresh == nil {
		h.writeError(w, http.StatusServiceUnavailable, "refresh_unavailable", "tile refresh not configured", nil)
		return false
	}
	return true
}

func (h *Handler) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRefresh(w) {
		return
	}
	st := refreshStatus{
		Pending:      h.refresh.Pending(),
		RetryAfterMS: h.refresh.RetryAfter().Milliseconds(),
	}
	if last, ok := h.refresh.Last(); ok {
		st.Last = &last
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRefresh(w) {
		return
	}

	res, err := h.refresh.Flush(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, tilesync.ErrTooSoon):
			retry := h.refresh.RetryAfter()
			w.Header().Set("Retry-After", retryAfterSeconds(retry))
			h.writeError(w, http.StatusTooManyRequests, "too_soon", "minimum refresh interval has not elapsed", map[string]any{"retry_after_ms": retry.Milliseconds()})
		case errors.Is(err, tilesync.ErrInFlight):
			h.writeError(w, http.StatusConflict, "in_flight", "a refresh is already running", nil)
		case errors.Is(err, tilesync.ErrHidden):
			h.writeError(w, http.StatusConflict, "hidden", "map surface is not visible", nil)
		case errors.Is(err, tilesync.ErrNoViewport):
			h.writeError(w, http.StatusServiceUnavailable, "no_viewport", "no viewport to refresh", nil)
		default:
			h.log.Error().Err(err).Msg("tile refresh failed")
			h.writeError(w, http.StatusBadGateway, "upstream_error", "tile endpoint refresh failed", map[string]any{"error": err.Error()})
		}
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

type filterRequest struct {
	Filter json.RawMessage `json:"filter"`
}

func (h *Handler) decodeFilter(w http.ResponseWriter, r *http.Request) (any, bool) {
	var req filterRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return nil, false
	}
	if len(req.Filter) == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "filter is required", nil)
		return nil, false
	}
	var tree any
	if err := json.Unmarshal(req.Filter, &tree); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid filter", map[string]any{"error": err.Error()})
		return nil, false
	}
	return tree, true
}

type filterResult struct {
	Filter any      `json:"filter"`
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

func normalizeFilter(tree any) filterResult {
	out := filterexpr.Normalize(tree)
	issues := filterexpr.Validate(out)
	res := filterResult{Filter: out, Valid: len(issues) == 0, Issues: make([]string, 0, len(issues))}
	for _, is := range issues {
		res.Issues = append(res.Issues, is.String())
	}
	return res
}

func (h *Handler) handleNormalizeFilter(w http.ResponseWriter, r *http.Request) {
	tree, ok := h.decodeFilter(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, normalizeFilter(tree))
}

func (h *Handler) handleSetLayerFilter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tree, ok := h.decodeFilter(w, r)
	if !ok {
		return
	}
	if h.overlays == nil {
		h.writeError(w, http.StatusServiceUnavailable, "overlays_unavailable", "overlays not configured", nil)
		return
	}
	e := h.overlays.Engine()
	if !e.HasLayer(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "layer not found", map[string]any{"id": id})
		return
	}

	res := normalizeFilter(tree)
	if !h.guard.SetFilter(e, id, tree) {
		h.writeError(w, http.StatusUnprocessableEntity, "filter_rejected", "renderer rejected the filter", map[string]any{"id": id, "issues": res.Issues})
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
