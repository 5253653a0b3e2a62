package application

import (
	"context"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// StatusSummary is the commit status of a reference together with the
// approval gate that ApprovalResolver would act on, if any.
type StatusSummary struct {
	Reference string
	Report    *model.CommitStatusReport
	Gate      *model.CheckStatus
}

// StatusService provides the read-only status view of a reference. It never
// talks to CircleCI.
type StatusService struct {
	statuses driven.StatusReader
	marker   string
}

// NewStatusService creates a new StatusService with the required dependencies.
func NewStatusService(statuses driven.StatusReader, marker string) *StatusService {
	return &StatusService{
		statuses: statuses,
		marker:   marker,
	}
}

// GetStatus fetches the combined status for reference and locates the
// pending approval gate using the same rule as ApprovalResolver.
func (s *StatusService) GetStatus(ctx context.Context, reference string) (*StatusSummary, error) {
	report, err := s.statuses.FetchStatus(ctx, reference)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{Reference: reference, Report: report}
	if gate, ok := FindApprovalGate(report, s.marker); ok {
		summary.Gate = &gate
	}
	return summary, nil
}
