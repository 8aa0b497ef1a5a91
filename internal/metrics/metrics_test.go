package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "metrics unavailable") {
		t.Fatalf("expected body to mention metrics unavailable, got %q", got)
	}
}

func TestObservers_nilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
	m.ObserveRefresh("ok", time.Second)
	m.IncRefreshSkipped("hidden")
	m.IncSpiderfy("spider")
	m.IncFilterFailure()
	m.AddPresenceDropped("friend", 2)
	m.IncChangefeedEvent("websocket")
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/readyz", http.StatusOK, 12*time.Millisecond)
	m.ObserveRefresh("ok", 300*time.Millisecond)
	m.IncRefreshSkipped("min_interval")
	m.IncRefreshSkipped("min_interval")
	m.IncSpiderfy("zoom")
	m.IncFilterFailure()
	m.AddPresenceDropped("venue", 3)
	m.AddPresenceDropped("venue", 0)
	m.IncChangefeedEvent("postgres")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := rr.Body.String()
	for _, want := range []string{
		"pulsemap_http_requests_total{method=\"GET\",path=\"/readyz\",status=\"200\"} 1",
		"pulsemap_tile_refresh_total{result=\"ok\"} 1",
		"pulsemap_tile_refresh_duration_seconds_count 1",
		"pulsemap_tile_refresh_skipped_total{reason=\"min_interval\"} 2",
		"pulsemap_spiderfy_total{mode=\"zoom\"} 1",
		"pulsemap_filter_failures_total 1",
		"pulsemap_presence_dropped_total{kind=\"venue\"} 3",
		"pulsemap_changefeed_events_total{transport=\"postgres\"} 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output; body=%s", want, body)
		}
	}
}
