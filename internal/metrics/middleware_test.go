package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func statusRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	r.Route("/v1/builds", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("[]"))
		})
		r.Get("/{collection}/{index}", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "index") == "missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

func serve(r http.Handler, method, path string) int {
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, http.NoBody))
	return rr.Code
}

func TestMiddleware_LabelsBuildRoutesByPattern(t *testing.T) {
	r := statusRouter()
	route := "/v1/builds/{collection}/{index}"

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "200"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "404"))

	serve(r, "GET", "/v1/builds/alpha_items/alpha_emb")
	serve(r, "GET", "/v1/builds/beta_items/beta_emb")
	if code := serve(r, "GET", "/v1/builds/alpha_items/missing"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "200")) - okBefore; got != 2 {
		t.Errorf("expected 2 ok lookups under one route label, got %v", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", route, "404")) - missBefore; got != 1 {
		t.Errorf("expected 1 not-found lookup, got %v", got)
	}
}

func TestMiddleware_ProbesCountedNotTimed(t *testing.T) {
	r := statusRouter()
	serve(r, "GET", "/v1/builds/alpha_items/alpha_emb")
	if testutil.CollectAndCount(httpRequestDuration) == 0 {
		t.Fatal("build lookups must be timed")
	}

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200"))
	timedSeries := testutil.CollectAndCount(httpRequestDuration)

	serve(r, "GET", "/health")
	serve(r, "GET", "/metrics")

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/health", "200")) - before; got != 1 {
		t.Errorf("expected the probe to be counted once, got %v", got)
	}
	if got := testutil.CollectAndCount(httpRequestDuration); got != timedSeries {
		t.Errorf("probes must not be timed: %d series before, %d after", timedSeries, got)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := statusRouter()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404"))

	if code := serve(r, "GET", "/v1/unknown"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")) - before; got != 1 {
		t.Errorf("expected the unmatched request to be counted once, got %v", got)
	}
}

func TestRegisterHTTPMetrics_Idempotent(t *testing.T) {
	RegisterHTTPMetrics()
	RegisterHTTPMetrics()
}
