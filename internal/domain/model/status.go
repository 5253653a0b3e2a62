package model

import (
	"strings"
	"time"
)

// Commit status states reported by the GitHub Status API.
const (
	StatusStateSuccess = "success"
	StatusStatePending = "pending"
	StatusStateFailure = "failure"
	StatusStateError   = "error"
)

// CommitStatusReport is the combined commit status for a single git reference.
type CommitStatusReport struct {
	State    string        // Aggregate state: success, pending, failure, error.
	Statuses []CheckStatus // In the order returned by the host; not guaranteed stable.
}

// CheckStatus represents an individual status check entry on a commit.
type CheckStatus struct {
	ID          int64
	State       string    // success, pending, failure, error.
	Description string    // Human-readable description of the status.
	TargetURL   string    // Opaque, service-defined link (e.g. a CircleCI workflow run).
	Context     string    // Check label (e.g. "ci/circleci: start-testing").
	CreatedAt   time.Time // When the status was created.
}

// IsPending reports whether the check is still waiting on an outcome.
func (s CheckStatus) IsPending() bool {
	return s.State == StatusStatePending
}

// MatchesContext reports whether the check's context label contains marker.
// GitHub does not standardise context naming, so this is a substring match.
func (s CheckStatus) MatchesContext(marker string) bool {
	return strings.Contains(s.Context, marker)
}
