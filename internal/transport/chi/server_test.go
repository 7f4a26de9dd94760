package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	healthuc "github.com/kailas-cloud/scopedb/internal/usecase/health"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeBuilds struct {
	tasksFn  func() []indexbuild.TaskInfo
	statusFn func(collection, index string) (indexbuild.TaskInfo, bool)
}

func (f *fakeBuilds) Tasks() []indexbuild.TaskInfo { return f.tasksFn() }

func (f *fakeBuilds) Status(collection, index string) (indexbuild.TaskInfo, bool) {
	return f.statusFn(collection, index)
}

var sampleTasks = []indexbuild.TaskInfo{
	{Collection: "alpha_items", Index: "alpha_embedding", Kind: indexbuild.KindVector, Status: indexbuild.StatusBuilding},
	{Collection: "alpha_items", Index: "alpha_status", Kind: indexbuild.KindSimple, Status: indexbuild.StatusQueryable},
	{Collection: "beta_items", Index: "beta_embedding", Kind: indexbuild.KindVector, Status: indexbuild.StatusFailed, Reason: "timeout"},
}

func newTestRouter(db error, builds BuildLister) http.Handler {
	srv := NewServer(healthuc.New(fakePinger{err: db}, nil), builds)
	r := chi.NewRouter()
	srv.Register(r)
	return r
}

func sampleBuilds() *fakeBuilds {
	return &fakeBuilds{
		tasksFn: func() []indexbuild.TaskInfo {
			return append([]indexbuild.TaskInfo(nil), sampleTasks...)
		},
		statusFn: func(collection, index string) (indexbuild.TaskInfo, bool) {
			for _, t := range sampleTasks {
				if t.Collection == collection && t.Index == index {
					return t, true
				}
			}
			return indexbuild.TaskInfo{}, false
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", path, http.NoBody))
	return rr
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		wantCode   int
		wantStatus string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"database down", errors.New("conn refused"), http.StatusServiceUnavailable, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := get(t, newTestRouter(tc.dbErr, sampleBuilds()), "/health")
			if rr.Code != tc.wantCode {
				t.Fatalf("got %d, want %d", rr.Code, tc.wantCode)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tc.wantStatus {
				t.Errorf("status: got %q, want %q", resp.Status, tc.wantStatus)
			}
			if _, ok := resp.Checks["database"]; !ok {
				t.Error("database check missing")
			}
		})
	}
}

func TestHealthCheck_ClaimsDownIsDegradedButServing(t *testing.T) {
	srv := NewServer(healthuc.New(fakePinger{}, fakePinger{err: errors.New("valkey down")}), sampleBuilds())
	r := chi.NewRouter()
	srv.Register(r)

	rr := get(t, r, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("degraded should still answer 200, got %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["claims"] != "error" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestMetrics(t *testing.T) {
	rr := get(t, newTestRouter(nil, sampleBuilds()), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestListBuilds(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		count int
	}{
		{"all", "/v1/builds", 3},
		{"filtered", "/v1/builds?status=failed", 1},
		{"no match", "/v1/builds?status=pending", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := get(t, newTestRouter(nil, sampleBuilds()), tc.path)
			if rr.Code != http.StatusOK {
				t.Fatalf("got %d", rr.Code)
			}
			var resp BuildsResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Builds == nil || len(resp.Builds) != tc.count {
				t.Errorf("expected %d builds, got %v", tc.count, resp.Builds)
			}
		})
	}
}

func TestListBuilds_EmptyIsArray(t *testing.T) {
	builds := &fakeBuilds{tasksFn: func() []indexbuild.TaskInfo { return nil }}
	rr := get(t, newTestRouter(nil, builds), "/v1/builds")

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["builds"]) != "[]" {
		t.Errorf("expected empty array, got %s", raw["builds"])
	}
}

func TestGetBuild(t *testing.T) {
	h := newTestRouter(nil, sampleBuilds())

	rr := get(t, h, "/v1/builds/beta_items/beta_embedding")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	var info indexbuild.TaskInfo
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Status != indexbuild.StatusFailed || info.Reason != "timeout" {
		t.Errorf("unexpected task: %+v", info)
	}

	rr = get(t, h, "/v1/builds/alpha_items/missing")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rr.Code)
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Code != CodeBuildNotFound {
		t.Errorf("code: got %s, want %s", errResp.Code, CodeBuildNotFound)
	}
}
