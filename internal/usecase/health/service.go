package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
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
	recognizer RecognizerChecker
	journal    JournalPinger
}

// New creates a Service. journal can be nil when the event journal is disabled.
func New(recognizer RecognizerChecker, journal JournalPinger) *Service {
	return &Service{recognizer: recognizer, journal: journal}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.recognizer.HealthCheck(ctx); err != nil {
		checks["recognizer"] = CheckError
	} else {
		checks["recognizer"] = CheckOK
	}

	if s.journal != nil {
		if err := s.journal.Ping(ctx); err != nil {
			checks["journal"] = CheckError
		} else {
			checks["journal"] = CheckOK
		}
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	return Report{Status: status, Checks: checks}
}
