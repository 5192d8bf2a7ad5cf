package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncUploads("accepted")
	m.ObservePipeline("ready", 2*time.Second)
	m.AddSegmentsUploaded(4)
	m.IncGrants("cdn_signed")
	m.SetFullySecure(true)

	out := scrape(t, m)
	for _, want := range []string{
		`hls_uploads_total{result="accepted"} 1`,
		`hls_pipelines_total{outcome="ready"} 1`,
		`hls_segments_uploaded_total 4`,
		`hls_grants_minted_total{strategy="cdn_signed"} 1`,
		`hls_signing_fully_secure 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestMetrics_Handler_refreshes_gauges(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetAssets("ready", 3) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `hls_assets{status="ready"} 3`) {
		t.Errorf("expected gauge refreshed before scrape, got:\n%s", rec.Body.String())
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("{}"))
	})

	for _, p := range []string{"/assets/a", "/assets/missing", "/assets/b", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	out := scrape(t, m)
	for _, want := range []string{
		`hls_requests_total{method="GET",route="/assets/{id}",status="200"} 2`,
		`hls_requests_total{method="GET",route="/assets/{id}",status="404"} 1`,
		`hls_errors_total 2`,
		`hls_request_duration_seconds_count{method="GET",route="/assets/{id}"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output:\n%s", want, out)
		}
	}
	if strings.Contains(out, `route="/assets/a"`) {
		t.Error("raw paths must not become label values")
	}
}
