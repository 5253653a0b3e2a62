package model

// CircleCI job types and statuses relevant to approval gates.
const (
	JobTypeApproval = "approval"
	JobTypeBuild    = "build"

	JobStatusOnHold  = "on_hold"
	JobStatusSuccess = "success"
	JobStatusRunning = "running"
	JobStatusBlocked = "blocked"
)

// WorkflowJobSet holds the jobs of one CircleCI workflow, in API order.
type WorkflowJobSet struct {
	WorkflowID string
	Jobs       []WorkflowJob
}

// WorkflowJob represents a single job in a CircleCI workflow.
type WorkflowJob struct {
	ID          string
	Name        string
	ProjectSlug string // e.g. "gh/owner/repo".
	Type        string // "build" or "approval".
	Status      string // e.g. "success", "running", "on_hold", "blocked".
	// ApprovalRequestID is only set by CircleCI on approval jobs.
	ApprovalRequestID *string
}

// IsApproval reports whether the job is a manual approval job.
func (j WorkflowJob) IsApproval() bool {
	return j.Type == JobTypeApproval
}

// IsOnHold reports whether the job is waiting for someone to act on it.
func (j WorkflowJob) IsOnHold() bool {
	return j.Status == JobStatusOnHold
}

// IsPendingApproval reports whether the job is an approval job that is on hold.
func (j WorkflowJob) IsPendingApproval() bool {
	return j.IsApproval() && j.IsOnHold()
}

// GetApprovalRequestID returns the approval request ID, or "" when absent.
func (j WorkflowJob) GetApprovalRequestID() string {
	if j.ApprovalRequestID == nil {
		return ""
	}
	return *j.ApprovalRequestID
}
