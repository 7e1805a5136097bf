package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncRequests(http.StatusOK)
	m.IncRequests(http.StatusBadGateway)
	m.IncDecisions("timeout")
	m.IncBreaks("stitched")
	m.IncDegraded("stitch")
	m.IncPlaylists("media", true)
	m.Timer()()

	called := false
	rec := httptest.NewRecorder()
	m.Handler(func() {
		called = true
		m.SetActiveSessions(3)
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("expected gauges to be refreshed before the scrape")
	}
	body := rec.Body.String()
	for _, want := range []string{
		`hls_requests_total{code="2xx"} 1`,
		`hls_requests_total{code="5xx"} 1`,
		`hls_ad_decisions_total{outcome="timeout"} 1`,
		`hls_breaks_total{state="stitched"} 1`,
		`hls_degraded_responses_total{reason="stitch"} 1`,
		`hls_playlists_served_total{kind="media",stitched="true"} 1`,
		`hls_active_sessions 3`,
		`hls_stitch_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/playlist/x", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `hls_requests_total{code="4xx"} 1`) || !strings.Contains(body, "hls_errors_total 1") {
		t.Errorf("unexpected scrape:\n%s", body)
	}
}

func TestTimer_nil_metrics(t *testing.T) {
	var m *Metrics
	m.Timer()()
}
