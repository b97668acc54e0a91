package application

import (
	"context"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthReport is the service health exposed by the admin API.
type HealthReport struct {
	Status     string               `json:"status"`
	Time       time.Time            `json:"time"`
	Durability string               `json:"durability"`
	RateLimit  model.RateLimitState `json:"-"`
	LastPass   *PassSummary         `json:"last_pass"`
}

// CheckSummary is the combined CI view of one ref.
type CheckSummary struct {
	Ref       string
	CheckRuns []model.CheckRun
	CIStatus  model.CIStatus
}

// passReporter is satisfied by ReconcileService.
type passReporter interface {
	LastSummary() *PassSummary
}

// HealthService reports process health and summarizes CI state for refs.
// It depends only on port interfaces.
type HealthService struct {
	store  driven.StateStore
	gh     driven.GitHubClient
	passes passReporter
	now    func() time.Time
}

// NewHealthService creates a HealthService. passes may be nil before the
// scheduler is wired.
func NewHealthService(store driven.StateStore, gh driven.GitHubClient, passes passReporter) *HealthService {
	return &HealthService{
		store:  store,
		gh:     gh,
		passes: passes,
		now:    time.Now,
	}
}

// Health returns the current report. A degraded store does not make the
// service unhealthy; it only changes the reported status.
func (s *HealthService) Health() HealthReport {
	report := HealthReport{
		Status:     StatusOK,
		Time:       s.now().UTC(),
		Durability: "ok",
	}
	if s.store.Degraded() {
		report.Status = StatusDegraded
		report.Durability = StatusDegraded
	}
	if s.gh != nil {
		report.RateLimit = s.gh.RateLimit()
	}
	if s.passes != nil {
		report.LastPass = s.passes.LastSummary()
	}
	return report
}

// CheckSummary loads the check runs of ref and computes their combined status.
func (s *HealthService) CheckSummary(ctx context.Context, repoFullName, ref string) (*CheckSummary, error) {
	runs, err := s.gh.ListCheckRuns(ctx, repoFullName, ref)
	if err != nil {
		return nil, err
	}
	return &CheckSummary{
		Ref:       ref,
		CheckRuns: runs,
		CIStatus:  combinedCIStatus(runs),
	}, nil
}

// combinedCIStatus aggregates check runs into a single CIStatus.
// Priority: failing > pending > passing > unknown.
func combinedCIStatus(runs []model.CheckRun) model.CIStatus {
	if len(runs) == 0 {
		return model.CIStatusUnknown
	}

	var hasFailing, hasPending bool
	for _, cr := range runs {
		if cr.Status != "completed" {
			hasPending = true
			continue
		}
		switch cr.Conclusion {
		case "failure", "canceled", "cancelled", "timed_out", "action_required", "startup_failure": //nolint:misspell // GitHub uses "cancelled"
			hasFailing = true
		}
	}

	switch {
	case hasFailing:
		return model.CIStatusFailing
	case hasPending:
		return model.CIStatusPending
	default:
		return model.CIStatusPassing
	}
}
