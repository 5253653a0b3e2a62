package driven

import (
	"context"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
)

// StatusReader defines the driven port for reading commit statuses from the
// source-control host.
type StatusReader interface {
	// FetchStatus returns the combined commit status for reference (branch,
	// tag or SHA). The reference is passed through unvalidated. Failures are
	// reported as *GatewayError with Op == OpFetchStatus.
	FetchStatus(ctx context.Context, reference string) (*model.CommitStatusReport, error)
}
