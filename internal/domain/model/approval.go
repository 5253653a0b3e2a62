package model

// Outcome is the terminal state of a single resolution run that did not fail.
type Outcome string

const (
	// OutcomeApproved means the approval was submitted to CircleCI.
	OutcomeApproved Outcome = "approved"
	// OutcomeNoGateFound means the reference has no pending approval gate.
	// This is a normal result, not an error.
	OutcomeNoGateFound Outcome = "no_gate_found"
	// OutcomeResolved means the approval was located but not submitted (dry run).
	OutcomeResolved Outcome = "resolved"
)

// ResolvedApproval identifies the approval to submit. Approval request IDs are
// single-use and scoped to one workflow run, so this value is never cached.
type ResolvedApproval struct {
	WorkflowID        string
	ApprovalRequestID string
}

// Resolution is the result of one resolution run for a git reference.
// Gate, Job and Approval are nil when Outcome is OutcomeNoGateFound.
type Resolution struct {
	Reference string
	Outcome   Outcome
	Gate      *CheckStatus
	Job       *WorkflowJob
	Approval  *ResolvedApproval
}
