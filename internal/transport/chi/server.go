// Package chi serves the read-only operational surface: health, metrics and index build status.
package chi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	logpkg "github.com/kailas-cloud/scopedb/internal/logger"
	healthuc "github.com/kailas-cloud/scopedb/internal/usecase/health"
)

// Error codes returned in ErrorResponse.
const (
	CodeUnauthorized  = "unauthorized"
	CodeBuildNotFound = "build_not_found"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// BuildsResponse is the body of GET /v1/builds.
type BuildsResponse struct {
	Builds []indexbuild.TaskInfo `json:"builds"`
}

// BuildLister reads index build tasks.
type BuildLister interface {
	Tasks() []indexbuild.TaskInfo
	Status(collection, index string) (indexbuild.TaskInfo, bool)
}

// Server serves health, metrics and build status.
type Server struct {
	health *healthuc.Service
	builds BuildLister
}

// NewServer creates the status server.
func NewServer(health *healthuc.Service, builds BuildLister) *Server {
	return &Server{health: health, builds: builds}
}

// Register mounts the routes on r.
func (s *Server) Register(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
	r.Route("/v1/builds", func(r chi.Router) {
		r.Get("/", s.ListBuilds)
		r.Get("/{collection}/{index}", s.GetBuild)
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	if report.Status != healthuc.Healthy {
		logpkg.FromContext(r.Context()).Warn("health check failing", zap.String("status", string(report.Status)), zap.Any("checks", checks))
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// ListBuilds handles GET /v1/builds. An optional ?status= narrows the list.
func (s *Server) ListBuilds(w http.ResponseWriter, r *http.Request) {
	tasks := s.builds.Tasks()
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []indexbuild.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, BuildsResponse{Builds: tasks})
}

// GetBuild handles GET /v1/builds/{collection}/{index}. Names are physical.
func (s *Server) GetBuild(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	index := chi.URLParam(r, "index")

	info, ok := s.builds.Status(collection, index)
	if !ok {
		writeError(w, http.StatusNotFound, CodeBuildNotFound, "no build task for "+collection+"/"+index)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
