package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates the claim store is down; scoped reads and writes still work.
	Degraded Status = "degraded"
	// Unhealthy indicates the document database is unreachable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	db     DBPinger
	claims ClaimsPinger
}

// New creates a Service. claims can be nil when claims are kept in process.
func New(db DBPinger, claims ClaimsPinger) *Service {
	return &Service{db: db, claims: claims}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)
	status := Healthy

	if s.claims != nil {
		if err := s.claims.Ping(ctx); err != nil {
			checks["claims"] = CheckError
			status = Degraded
		} else {
			checks["claims"] = CheckOK
		}
	}

	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = CheckError
		status = Unhealthy
	} else {
		checks["database"] = CheckOK
	}

	return Report{Status: status, Checks: checks}
}
