package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/layerguard"
	"pulsemap/core-go/internal/mapengine"
	"pulsemap/core-go/internal/metrics"
	"pulsemap/core-go/internal/overlay"
	"pulsemap/core-go/internal/tilesync"
)

type fakeRefresher struct {
	flushFn func(ctx context.Context) (tilesync.Result, error)
	last    *tilesync.Result
	pending bool
	retry   time.Duration
}

func (f *fakeRefresher) Flush(ctx context.Context) (tilesync.Result, error) {
	if f.flushFn == nil {
		return tilesync.Result{}, nil
	}
	return f.flushFn(ctx)
}

func (f *fakeRefresher) Last() (tilesync.Result, bool) {
	if f.last == nil {
		return tilesync.Result{}, false
	}
	return *f.last, true
}

func (f *fakeRefresher) Pending() bool             { return f.pending }
func (f *fakeRefresher) RetryAfter() time.Duration { return f.retry }

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func newOverlays(t *testing.T, loaded bool) (*mapengine.Headless, *overlay.Group) {
	t.Helper()
	e := mapengine.NewHeadless(mapengine.HeadlessOptions{
		BaseLayers: []string{"background", "labels"},
		Center:     orb.Point{-0.1276, 51.5072},
		Zoom:       12,
		Loaded:     loaded,
	})
	guard := layerguard.New(zerolog.Nop(), nil)
	p := overlay.NewPresence(zerolog.Nop(), guard, overlay.PresenceOptions{Clock: quartz.NewMock(t)})
	a := overlay.NewAura(zerolog.Nop(), guard, overlay.AuraOptions{})
	g := overlay.NewGroup(e, p, a)
	g.MountAll()
	return e, g
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	h.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body as json: %v\nbody=%s", err, rr.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got: %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	h := NewHandler(NewLogger("debug", "json"), Deps{})
	rr := serve(h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("expected json content-type, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestReadyz_WaitsForOverlays(t *testing.T) {
	e, g := newOverlays(t, false)
	h := NewHandler(zerolog.Nop(), Deps{Overlays: g})

	rr := serve(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the style loads, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "overlays_not_mounted" {
		t.Fatalf("expected overlays_not_mounted, got %q", code)
	}

	e.FinishStyleLoad()
	rr = serve(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once mounted, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReadyz_DatabaseDown(t *testing.T) {
	_, g := newOverlays(t, true)
	h := NewHandler(zerolog.Nop(), Deps{Overlays: g})
	h.db = fakePinger{err: errors.New("connection refused")}

	rr := serve(h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "db_unavailable" {
		t.Fatalf("expected db_unavailable, got %q", code)
	}
}

func TestListOverlays(t *testing.T) {
	_, g := newOverlays(t, true)
	h := NewHandler(zerolog.Nop(), Deps{Overlays: g})

	rr := serve(h, http.MethodGet, "/api/v1/overlays", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got []overlay.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "presence" || got[0].State != "mounted" || got[1].ID != "user-aura" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestRefresh_OK(t *testing.T) {
	ref := &fakeRefresher{flushFn: func(context.Context) (tilesync.Result, error) {
		return tilesync.Result{TileIDs: []string{"12/2046/1361"}, CacheKey: "12/2046/1361"}, nil
	}}
	h := NewHandler(zerolog.Nop(), Deps{Refresh: ref})

	rr := serve(h, http.MethodPost, "/api/v1/refresh", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["cache_key"] != "12/2046/1361" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRefresh_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{tilesync.ErrTooSoon, http.StatusTooManyRequests, "too_soon"},
		{tilesync.ErrInFlight, http.StatusConflict, "in_flight"},
		{tilesync.ErrHidden, http.StatusConflict, "hidden"},
		{tilesync.ErrNoViewport, http.StatusServiceUnavailable, "no_viewport"},
		{&tilesync.StatusError{Op: "refresh", Status: 500}, http.StatusBadGateway, "upstream_error"},
	}
	for _, tc := range cases {
		ref := &fakeRefresher{
			retry:   2500 * time.Millisecond,
			flushFn: func(context.Context) (tilesync.Result, error) { return tilesync.Result{}, tc.err },
		}
		h := NewHandler(zerolog.Nop(), Deps{Refresh: ref})
		rr := serve(h, http.MethodPost, "/api/v1/refresh", "")
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		if code := errorCode(t, rr); code != tc.code {
			t.Fatalf("%v: expected %q, got %q", tc.err, tc.code, code)
		}
		if tc.status == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "3" {
			t.Fatalf("expected Retry-After rounded up to 3, got %q", rr.Header().Get("Retry-After"))
		}
	}
}

func TestRefresh_NotConfigured(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr := serve(h, method, "/api/v1/refresh", "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", method, rr.Code)
		}
	}
}

func TestRefreshStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{
		pending: true,
		retry:   4 * time.Second,
		last:    &tilesync.Result{CacheKey: "k", At: at, Err: "boom"},
	}
	h := NewHandler(zerolog.Nop(), Deps{Refresh: ref})

	rr := serve(h, http.MethodGet, "/api/v1/refresh", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got refreshStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := refreshStatus{Pending: true, RetryAfterMS: 4000, Last: &tilesync.Result{CacheKey: "k", At: at, Err: "boom"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}
}

func TestNormalizeFilter(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	rr := serve(h, http.MethodPost, "/api/v1/filters/normalize",
		`{"filter":["all",["!",["has",["get","point_count"]]],["==",["get","kind"],["literal","friend"]]]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got filterResult
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := filterResult{
		Filter: []any{"all", []any{"!has", "point_count"}, []any{"==", "kind", "friend"}},
		Valid:  true,
		Issues: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}
}

func TestNormalizeFilter_ReportsIssues(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	rr := serve(h, http.MethodPost, "/api/v1/filters/normalize", `{"filter":["within","x"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["valid"] != false {
		t.Fatalf("expected invalid filter, got %v", body)
	}
	if issues, _ := body["issues"].([]any); len(issues) != 1 {
		t.Fatalf("expected one issue, got %v", body["issues"])
	}
}

func TestNormalizeFilter_RejectsBadBodies(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	for _, body := range []string{
		`{"filter":["has","x"],"extra":1}`,
		`{}`,
		`{"filter":["has","x"]} {"filter":[]}`,
		`not json`,
	} {
		rr := serve(h, http.MethodPost, "/api/v1/filters/normalize", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rr.Code)
		}
		if code := errorCode(t, rr); code != "validation_failed" {
			t.Fatalf("%s: expected validation_failed, got %q", body, code)
		}
	}
}

func TestSetLayerFilter(t *testing.T) {
	e, g := newOverlays(t, true)
	m := metrics.New()
	h := NewHandler(zerolog.Nop(), Deps{Overlays: g, Metrics: m})

	rr := serve(h, http.MethodPost, "/api/v1/layers/presence-points/filter", `{"filter":["!=",["get","kind"],"venue"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	l, _ := e.Layer("presence-points")
	if diff := cmp.Diff([]any{"!=", "kind", "venue"}, l.Filter); diff != "" {
		t.Fatalf("layer filter (-want +got):\n%s", diff)
	}

	rr = serve(h, http.MethodPost, "/api/v1/layers/presence-points/filter", `{"filter":["within","x"]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	l, _ = e.Layer("presence-points")
	if diff := cmp.Diff([]any{"!=", "kind", "venue"}, l.Filter); diff != "" {
		t.Fatalf("rejected filter must keep the previous one (-want +got):\n%s", diff)
	}

	rr = serve(h, http.MethodPost, "/api/v1/layers/nope/filter", `{"filter":["has","x"]}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = serve(h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), "pulsemap_filter_failures_total 1") {
		t.Fatalf("expected the rejection to be counted")
	}
	if !strings.Contains(rr.Body.String(), `path="/api/v1/layers/{id}/filter"`) {
		t.Fatalf("expected route patterns as metric labels")
	}
}
