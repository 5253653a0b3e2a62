package driven

import (
	"context"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
)

// WorkflowReader defines the driven port for listing the jobs of a CI workflow.
type WorkflowReader interface {
	// FetchWorkflowJobs returns every job of the workflow in API order.
	// Failures are reported as *GatewayError with Op == OpFetchWorkflowJobs.
	FetchWorkflowJobs(ctx context.Context, workflowID string) (*model.WorkflowJobSet, error)
}

// WorkflowApprover defines the driven port for approving an on-hold job.
type WorkflowApprover interface {
	// Approve submits the approval identified by approvalRequestID. Both IDs
	// must be non-empty. Approvals are not idempotent on the CI side, so
	// implementations must not retry.
	Approve(ctx context.Context, workflowID, approvalRequestID string) error
}

// WorkflowClient combines the read and write CI capabilities.
type WorkflowClient interface {
	WorkflowReader
	WorkflowApprover
}
