package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// Resolution failure sentinels. There is none for NoGateFound: a
// reference without a pending gate is a normal outcome, not an error.
var (
	// ErrIdentifierExtractionFailed means the gate's target URL did not contain
	// a workflow ID matching the configured pattern.
	ErrIdentifierExtractionFailed = errors.New("workflow id could not be extracted from target url")
	// ErrNoPendingApprovalJob means GitHub reports a pending gate but the
	// CircleCI workflow has no on-hold approval job, i.e. the two services
	// disagree.
	ErrNoPendingApprovalJob = errors.New("no pending approval job in workflow")
	// ErrApprovalSubmissionFailed means CircleCI did not accept the approval.
	ErrApprovalSubmissionFailed = errors.New("approval submission failed")
)

// Stage identifies the resolution step at which a run failed.
type Stage string

const (
	StageFetchStatus       Stage = "fetch_status"
	StageExtractWorkflowID Stage = "extract_workflow_id"
	StageFetchJobs         Stage = "fetch_jobs"
	StageSelectJob         Stage = "select_job"
	StageApprove           Stage = "approve"
)

// ResolutionError reports a failed resolution run. Err is either a
// *driven.GatewayError propagated unchanged or wraps one of the resolution
// sentinels above.
type ResolutionError struct {
	Reference string
	Stage     Stage
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving approval for %q at %s: %v", e.Reference, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is lets callers match ErrApprovalSubmissionFailed on any approve-stage
// failure, whatever the underlying gateway error.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrApprovalSubmissionFailed && e.Stage == StageApprove
}

// GateRules are the conventions linking a status check to a CI workflow.
type GateRules struct {
	ContextMarker     string
	WorkflowIDPattern *regexp.Regexp // Capture group 1 is the workflow ID.
}

// ApprovalResolver resolves a git reference to the CircleCI approval job
// behind its pending approval gate, and optionally approves it.
//
// It keeps no state between calls and is safe for concurrent use. Every step
// depends on the previous one, so calls to the gateways within one run are
// strictly sequential; nothing is retried.
type ApprovalResolver struct {
	statuses  driven.StatusReader
	workflows driven.WorkflowClient
	rules     GateRules
	logger    *slog.Logger
}

// NewApprovalResolver creates a new ApprovalResolver with the required dependencies.
func NewApprovalResolver(statuses driven.StatusReader, workflows driven.WorkflowClient, rules GateRules, logger *slog.Logger) *ApprovalResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalResolver{
		statuses:  statuses,
		workflows: workflows,
		rules:     rules,
		logger:    logger,
	}
}

// ResolveAndApprove runs the full pipeline for reference and submits the
// approval. It returns a Resolution with OutcomeApproved or
// OutcomeNoGateFound, or a *ResolutionError.
func (r *ApprovalResolver) ResolveAndApprove(ctx context.Context, reference string) (*model.Resolution, error) {
	log := r.runLogger(reference)

	res, err := r.resolve(ctx, log, reference)
	if err != nil || res.Outcome == model.OutcomeNoGateFound {
		return res, err
	}

	approval := res.Approval
	log.Info("submitting approval",
		"workflow_id", approval.WorkflowID,
		"approval_request_id", approval.ApprovalRequestID,
		"job", res.Job.Name,
	)
	if err := r.workflows.Approve(ctx, approval.WorkflowID, approval.ApprovalRequestID); err != nil {
		log.Error("approval failed", "error", err)
		return nil, &ResolutionError{Reference: reference, Stage: StageApprove, Err: err}
	}

	res.Outcome = model.OutcomeApproved
	log.Info("approval submitted", "workflow_id", approval.WorkflowID)
	return res, nil
}

// Resolve runs the pipeline up to, but not including, the approval. The
// returned Resolution has OutcomeResolved or OutcomeNoGateFound.
func (r *ApprovalResolver) Resolve(ctx context.Context, reference string) (*model.Resolution, error) {
	return r.resolve(ctx, r.runLogger(reference), reference)
}

func (r *ApprovalResolver) runLogger(reference string) *slog.Logger {
	return r.logger.With("run_id", uuid.NewString(), "reference", reference)
}

func (r *ApprovalResolver) resolve(ctx context.Context, log *slog.Logger, reference string) (*model.Resolution, error) {
	fail := func(stage Stage, err error) (*model.Resolution, error) {
		log.Debug("resolution failed", "stage", stage, "error", err)
		return nil, &ResolutionError{Reference: reference, Stage: stage, Err: err}
	}

	report, err := r.statuses.FetchStatus(ctx, reference)
	if err != nil {
		return fail(StageFetchStatus, err)
	}
	log.Debug("status fetched", "state", report.State, "checks", len(report.Statuses))

	gate, ok := FindApprovalGate(report, r.rules.ContextMarker)
	if !ok {
		log.Info("no pending approval gate", "marker", r.rules.ContextMarker)
		return &model.Resolution{Reference: reference, Outcome: model.OutcomeNoGateFound}, nil
	}
	log.Debug("approval gate found", "context", gate.Context, "target_url", gate.TargetURL)

	workflowID, ok := ExtractWorkflowID(r.rules.WorkflowIDPattern, gate.TargetURL)
	if !ok {
		return fail(StageExtractWorkflowID, fmt.Errorf("%w: %q does not match %s",
			ErrIdentifierExtractionFailed, gate.TargetURL, r.rules.WorkflowIDPattern))
	}
	log.Debug("workflow id extracted", "workflow_id", workflowID)

	jobs, err := r.workflows.FetchWorkflowJobs(ctx, workflowID)
	if err != nil {
		return fail(StageFetchJobs, err)
	}
	log.Debug("workflow jobs fetched", "workflow_id", workflowID, "jobs", len(jobs.Jobs))

	job, ok := FindPendingApprovalJob(jobs)
	if !ok {
		return fail(StageSelectJob, fmt.Errorf("%w: workflow %s has %d jobs, none on hold for approval",
			ErrNoPendingApprovalJob, workflowID, len(jobs.Jobs)))
	}
	if job.GetApprovalRequestID() == "" {
		return fail(StageSelectJob, fmt.Errorf("%w: job %q in workflow %s is on hold without an approval request id",
			ErrNoPendingApprovalJob, job.Name, workflowID))
	}

	return &model.Resolution{
		Reference: reference,
		Outcome:   model.OutcomeResolved,
		Gate:      &gate,
		Job:       &job,
		Approval: &model.ResolvedApproval{
			WorkflowID:        workflowID,
			ApprovalRequestID: job.GetApprovalRequestID(),
		},
	}, nil
}

// FindApprovalGate returns the first check, in report order, whose context
// contains marker and whose state is pending. When several match, the first
// wins: neither host offers anything to disambiguate them.
func FindApprovalGate(report *model.CommitStatusReport, marker string) (model.CheckStatus, bool) {
	if report == nil {
		return model.CheckStatus{}, false
	}
	for _, s := range report.Statuses {
		if s.MatchesContext(marker) && s.IsPending() {
			return s, true
		}
	}
	return model.CheckStatus{}, false
}

// ExtractWorkflowID returns capture group 1 of the first match of pattern in
// targetURL. With the default pattern `workflow-run/([\w-]+)` the ID stops at
// the first character outside letters, digits, '-' and '_'.
func ExtractWorkflowID(pattern *regexp.Regexp, targetURL string) (string, bool) {
	m := pattern.FindStringSubmatch(targetURL)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// FindPendingApprovalJob returns the first job that is an approval job on
// hold. Jobs carrying an approval_request_id in any other status are skipped.
func FindPendingApprovalJob(jobs *model.WorkflowJobSet) (model.WorkflowJob, bool) {
	if jobs == nil {
		return model.WorkflowJob{}, false
	}
	for _, j := range jobs.Jobs {
		if j.IsPendingApproval() {
			return j, true
		}
	}
	return model.WorkflowJob{}, false
}
