package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// --- Mock implementations for ApprovalResolver tests ---

type mockStatusReader struct {
	mu      sync.Mutex
	reports map[string]*model.CommitStatusReport
	err     error
	calls   []string
}

func (m *mockStatusReader) FetchStatus(_ context.Context, reference string) (*model.CommitStatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reference)
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.reports[reference]; ok {
		return r, nil
	}
	return &model.CommitStatusReport{State: model.StatusStateSuccess}, nil
}

type approveCall struct {
	workflowID        string
	approvalRequestID string
}

type mockWorkflowClient struct {
	mu           sync.Mutex
	jobs         map[string]*model.WorkflowJobSet
	fetchErr     error
	approveErr   error
	fetchCalls   []string
	approveCalls []approveCall
}

func (m *mockWorkflowClient) FetchWorkflowJobs(_ context.Context, workflowID string) (*model.WorkflowJobSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, workflowID)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if set, ok := m.jobs[workflowID]; ok {
		return set, nil
	}
	return &model.WorkflowJobSet{WorkflowID: workflowID}, nil
}

func (m *mockWorkflowClient) Approve(_ context.Context, workflowID, approvalRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approveCalls = append(m.approveCalls, approveCall{workflowID, approvalRequestID})
	return m.approveErr
}

func (m *mockWorkflowClient) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetchCalls) + len(m.approveCalls)
}

// --- Helper functions ---

func strPtr(s string) *string { return &s }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultRules() GateRules {
	return GateRules{
		ContextMarker:     "start-testing",
		WorkflowIDPattern: regexp.MustCompile(`workflow-run/([\w-]+)`),
	}
}

func gateCheck(checkContext, state, targetURL string) model.CheckStatus {
	return model.CheckStatus{Context: checkContext, State: state, TargetURL: targetURL}
}

func approvalJob(name, status, requestID string) model.WorkflowJob {
	j := model.WorkflowJob{ID: name, Name: name, ProjectSlug: "gh/acme/widgets", Type: model.JobTypeApproval, Status: status}
	if requestID != "" {
		j.ApprovalRequestID = strPtr(requestID)
	}
	return j
}

func buildJob(name, status string) model.WorkflowJob {
	return model.WorkflowJob{ID: name, Name: name, ProjectSlug: "gh/acme/widgets", Type: model.JobTypeBuild, Status: status}
}

func newTestResolver(statuses *mockStatusReader, workflows *mockWorkflowClient) *ApprovalResolver {
	return NewApprovalResolver(statuses, workflows, defaultRules(), discardLogger())
}

// pendingGateReport is the report of scenario A: one pending gate pointing at wf-1.
func pendingGateReport() *model.CommitStatusReport {
	return &model.CommitStatusReport{
		State: model.StatusStatePending,
		Statuses: []model.CheckStatus{
			gateCheck("ci/circleci: build", model.StatusStateSuccess, "https://circleci.com/gh/acme/widgets/1"),
			gateCheck("ci/start-testing-gate", model.StatusStatePending, "https://app.circleci.com/workflow-run/wf-1"),
		},
	}
}

// --- FindApprovalGate ---

// permutations returns every ordering of checks.
func permutations(checks []model.CheckStatus) [][]model.CheckStatus {
	if len(checks) <= 1 {
		return [][]model.CheckStatus{append([]model.CheckStatus(nil), checks...)}
	}
	var out [][]model.CheckStatus
	for i := range checks {
		rest := make([]model.CheckStatus, 0, len(checks)-1)
		rest = append(rest, checks[:i]...)
		rest = append(rest, checks[i+1:]...)
		for _, tail := range permutations(rest) {
			out = append(out, append([]model.CheckStatus{checks[i]}, tail...))
		}
	}
	return out
}

func TestFindApprovalGate_FirstPendingMatchWins(t *testing.T) {
	const marker = "start-testing"
	checks := []model.CheckStatus{
		gateCheck("ci/start-testing-a", model.StatusStatePending, "https://x/workflow-run/a"),
		gateCheck("ci/start-testing-done", model.StatusStateSuccess, "https://x/workflow-run/done"),
		gateCheck("ci/lint", model.StatusStatePending, "https://x/workflow-run/lint"),
		gateCheck("ci/start-testing-b", model.StatusStatePending, "https://x/workflow-run/b"),
		gateCheck("ci/Start-Testing-c", model.StatusStatePending, "https://x/workflow-run/c"),
	}

	orderings := permutations(checks)
	require.Len(t, orderings, 120)

	for _, statuses := range orderings {
		want := -1
		for i, c := range statuses {
			if c.State == model.StatusStatePending && strings.Contains(c.Context, marker) {
				want = i
				break
			}
		}
		require.NotEqual(t, -1, want)

		order := make([]string, len(statuses))
		for i, c := range statuses {
			order[i] = c.Context
		}

		got, ok := FindApprovalGate(&model.CommitStatusReport{Statuses: statuses}, marker)

		require.True(t, ok, "order %v", order)
		assert.Equal(t, statuses[want], got, "order %v", order)
	}
}

func TestFindApprovalGate_NoMatch(t *testing.T) {
	tests := []struct {
		name   string
		report *model.CommitStatusReport
	}{
		{name: "nil report", report: nil},
		{name: "no statuses", report: &model.CommitStatusReport{}},
		{name: "marker absent", report: &model.CommitStatusReport{Statuses: []model.CheckStatus{
			gateCheck("ci/lint", model.StatusStatePending, "https://x/workflow-run/a"),
		}}},
		{name: "gate not pending", report: &model.CommitStatusReport{Statuses: []model.CheckStatus{
			gateCheck("ci/start-testing", model.StatusStateSuccess, "https://x/workflow-run/a"),
			gateCheck("ci/start-testing", model.StatusStateFailure, "https://x/workflow-run/b"),
			gateCheck("ci/start-testing", model.StatusStateError, "https://x/workflow-run/c"),
		}}},
		{name: "marker case differs", report: &model.CommitStatusReport{Statuses: []model.CheckStatus{
			gateCheck("ci/Start-Testing", model.StatusStatePending, "https://x/workflow-run/a"),
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := FindApprovalGate(tt.report, "start-testing")
			assert.False(t, ok)
		})
	}
}

// --- ExtractWorkflowID ---

func TestExtractWorkflowID(t *testing.T) {
	pattern := regexp.MustCompile(`workflow-run/([\w-]+)`)

	tests := []struct {
		name   string
		url    string
		want   string
		wantOK bool
	}{
		{name: "trailing path", url: "https://x/workflow-run/abc-123/foo", want: "abc-123", wantOK: true},
		{name: "uuid", url: "https://app.circleci.com/pipelines/workflow-run/5f2c1a4e-9b7d-4c3e-8a1f-0d6e2b9c7a11", want: "5f2c1a4e-9b7d-4c3e-8a1f-0d6e2b9c7a11", wantOK: true},
		{name: "stops at query", url: "https://x/workflow-run/wf_1?tab=jobs", want: "wf_1", wantOK: true},
		{name: "stops at dot", url: "https://x/workflow-run/wf-1.json", want: "wf-1", wantOK: true},
		{name: "first match wins", url: "https://x/workflow-run/first/workflow-run/second", want: "first", wantOK: true},
		{name: "no segment", url: "https://x/pipelines/gh/acme/widgets/42", wantOK: false},
		{name: "empty id", url: "https://x/workflow-run/", wantOK: false},
		{name: "empty url", url: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractWorkflowID(pattern, tt.url)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// --- FindPendingApprovalJob ---

func TestFindPendingApprovalJob(t *testing.T) {
	tests := []struct {
		name     string
		jobs     []model.WorkflowJob
		wantName string
		wantOK   bool
	}{
		{
			name:     "single on-hold approval",
			jobs:     []model.WorkflowJob{buildJob("build", model.JobStatusSuccess), approvalJob("hold", model.JobStatusOnHold, "req-9")},
			wantName: "hold",
			wantOK:   true,
		},
		{
			name: "first on-hold approval wins",
			jobs: []model.WorkflowJob{
				approvalJob("hold-1", model.JobStatusOnHold, "req-1"),
				approvalJob("hold-2", model.JobStatusOnHold, "req-2"),
			},
			wantName: "hold-1",
			wantOK:   true,
		},
		{
			name: "approval with request id but not on hold is skipped",
			jobs: []model.WorkflowJob{
				approvalJob("approved", model.JobStatusSuccess, "req-1"),
				approvalJob("hold", model.JobStatusOnHold, "req-2"),
			},
			wantName: "hold",
			wantOK:   true,
		},
		{
			name:   "on-hold build job is not an approval",
			jobs:   []model.WorkflowJob{buildJob("build", model.JobStatusOnHold)},
			wantOK: false,
		},
		{
			name:   "no on-hold jobs",
			jobs:   []model.WorkflowJob{approvalJob("hold", model.JobStatusBlocked, "req-1"), buildJob("build", model.JobStatusRunning)},
			wantOK: false,
		},
		{
			name:   "empty",
			jobs:   nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindPendingApprovalJob(&model.WorkflowJobSet{WorkflowID: "wf-1", Jobs: tt.jobs})

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, got.Name)
		})
	}

	_, ok := FindPendingApprovalJob(nil)
	assert.False(t, ok)
}

// --- ResolveAndApprove ---

func TestResolveAndApprove_Approves(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()}}
	workflows := &mockWorkflowClient{jobs: map[string]*model.WorkflowJobSet{
		"wf-1": {WorkflowID: "wf-1", Jobs: []model.WorkflowJob{approvalJob("hold", model.JobStatusOnHold, "req-9")}},
	}}
	r := newTestResolver(statuses, workflows)

	res, err := r.ResolveAndApprove(context.Background(), "main")

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, res.Outcome)
	assert.Equal(t, "main", res.Reference)
	require.NotNil(t, res.Gate)
	assert.Equal(t, "ci/start-testing-gate", res.Gate.Context)
	require.NotNil(t, res.Job)
	assert.Equal(t, "hold", res.Job.Name)
	assert.Equal(t, &model.ResolvedApproval{WorkflowID: "wf-1", ApprovalRequestID: "req-9"}, res.Approval)

	assert.Equal(t, []string{"main"}, statuses.calls)
	assert.Equal(t, []string{"wf-1"}, workflows.fetchCalls)
	assert.Equal(t, []approveCall{{"wf-1", "req-9"}}, workflows.approveCalls)
}

func TestResolveAndApprove_NoGateFoundMakesNoCICalls(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{
		"main": {
			State: model.StatusStatePending,
			Statuses: []model.CheckStatus{
				gateCheck("ci/circleci: build", model.StatusStatePending, "https://app.circleci.com/workflow-run/wf-1"),
			},
		},
	}}
	workflows := &mockWorkflowClient{}
	r := newTestResolver(statuses, workflows)

	res, err := r.ResolveAndApprove(context.Background(), "main")

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoGateFound, res.Outcome)
	assert.Nil(t, res.Gate)
	assert.Nil(t, res.Approval)
	assert.Zero(t, workflows.totalCalls())
}

func TestResolveAndApprove_NoOnHoldJob(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()}}
	workflows := &mockWorkflowClient{jobs: map[string]*model.WorkflowJobSet{
		"wf-1": {WorkflowID: "wf-1", Jobs: []model.WorkflowJob{
			buildJob("build", model.JobStatusSuccess),
			approvalJob("hold", model.JobStatusSuccess, "req-9"),
		}},
	}}
	r := newTestResolver(statuses, workflows)

	res, err := r.ResolveAndApprove(context.Background(), "main")

	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPendingApprovalJob)
	assert.NotErrorIs(t, err, ErrApprovalSubmissionFailed)

	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageSelectJob, re.Stage)
	assert.Equal(t, "main", re.Reference)
	assert.Empty(t, workflows.approveCalls)
}

func TestResolveAndApprove_OnHoldApprovalWithoutRequestID(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()}}
	workflows := &mockWorkflowClient{jobs: map[string]*model.WorkflowJobSet{
		"wf-1": {WorkflowID: "wf-1", Jobs: []model.WorkflowJob{approvalJob("hold", model.JobStatusOnHold, "")}},
	}}
	r := newTestResolver(statuses, workflows)

	_, err := r.ResolveAndApprove(context.Background(), "main")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPendingApprovalJob)
	assert.Contains(t, err.Error(), "without an approval request id")
	assert.Empty(t, workflows.approveCalls)
}

func TestResolveAndApprove_ApprovalRejectedIsNotRetried(t *testing.T) {
	rejected := driven.ClassifyHTTP(driven.OpApprove, http.StatusBadRequest, errors.New("Job is not on hold"))
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()}}
	workflows := &mockWorkflowClient{
		jobs: map[string]*model.WorkflowJobSet{
			"wf-1": {WorkflowID: "wf-1", Jobs: []model.WorkflowJob{approvalJob("hold", model.JobStatusOnHold, "req-9")}},
		},
		approveErr: rejected,
	}
	r := newTestResolver(statuses, workflows)

	res, err := r.ResolveAndApprove(context.Background(), "main")

	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApprovalSubmissionFailed)
	assert.ErrorIs(t, err, driven.ErrApprovalFailed)
	assert.ErrorIs(t, err, driven.ErrRemoteRejected)

	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageApprove, re.Stage)

	var ge *driven.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusBadRequest, ge.StatusCode)

	assert.Len(t, workflows.approveCalls, 1)
}

func TestResolveAndApprove_ExtractionFailure(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{
		"main": {Statuses: []model.CheckStatus{
			gateCheck("ci/start-testing", model.StatusStatePending, "https://app.circleci.com/pipelines/gh/acme/widgets/42"),
		}},
	}}
	workflows := &mockWorkflowClient{}
	r := newTestResolver(statuses, workflows)

	_, err := r.ResolveAndApprove(context.Background(), "main")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentifierExtractionFailed)

	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StageExtractWorkflowID, re.Stage)
	assert.Zero(t, workflows.totalCalls())
}

func TestResolveAndApprove_PropagatesGatewayErrors(t *testing.T) {
	tests := []struct {
		name      string
		statusErr error
		fetchErr  error
		wantStage Stage
		wantIs    []error
		wantNotIs []error
	}{
		{
			name:      "status transport failure",
			statusErr: driven.ClassifyHTTP(driven.OpFetchStatus, 0, errors.New("dial tcp: connection refused")),
			wantStage: StageFetchStatus,
			wantIs:    []error{driven.ErrTransport, driven.ErrStatusFetchFailed},
			wantNotIs: []error{driven.ErrJobFetchFailed, ErrApprovalSubmissionFailed},
		},
		{
			name:      "status rejected",
			statusErr: driven.ClassifyHTTP(driven.OpFetchStatus, http.StatusUnauthorized, errors.New("Bad credentials")),
			wantStage: StageFetchStatus,
			wantIs:    []error{driven.ErrRemoteRejected, driven.ErrStatusFetchFailed},
		},
		{
			name:      "status malformed",
			statusErr: driven.ClassifyHTTP(driven.OpFetchStatus, http.StatusOK, errors.New("missing state")),
			wantStage: StageFetchStatus,
			wantIs:    []error{driven.ErrMalformedResponse},
			wantNotIs: []error{driven.ErrStatusFetchFailed},
		},
		{
			name:      "jobs rejected",
			fetchErr:  driven.ClassifyHTTP(driven.OpFetchWorkflowJobs, http.StatusNotFound, errors.New("Workflow not found")),
			wantStage: StageFetchJobs,
			wantIs:    []error{driven.ErrRemoteRejected, driven.ErrJobFetchFailed},
			wantNotIs: []error{driven.ErrStatusFetchFailed},
		},
		{
			name:      "jobs malformed",
			fetchErr:  driven.ClassifyHTTP(driven.OpFetchWorkflowJobs, http.StatusOK, errors.New("missing items")),
			wantStage: StageFetchJobs,
			wantIs:    []error{driven.ErrMalformedResponse},
			wantNotIs: []error{driven.ErrJobFetchFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statuses := &mockStatusReader{
				reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()},
				err:     tt.statusErr,
			}
			workflows := &mockWorkflowClient{fetchErr: tt.fetchErr}
			r := newTestResolver(statuses, workflows)

			res, err := r.ResolveAndApprove(context.Background(), "main")

			assert.Nil(t, res)
			require.Error(t, err)

			var re *ResolutionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.wantStage, re.Stage)
			for _, target := range tt.wantIs {
				assert.ErrorIs(t, err, target)
			}
			for _, target := range tt.wantNotIs {
				assert.NotErrorIs(t, err, target)
			}
			assert.Empty(t, workflows.approveCalls)
		})
	}
}

func TestResolveAndApprove_CustomRules(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{
		"v1.2.0": {Statuses: []model.CheckStatus{
			gateCheck("ci/start-testing", model.StatusStatePending, "https://x/workflow-run/ignored"),
			gateCheck("release/hold-for-qa", model.StatusStatePending, "https://ci.example.com/runs/r-77"),
		}},
	}}
	workflows := &mockWorkflowClient{jobs: map[string]*model.WorkflowJobSet{
		"r-77": {WorkflowID: "r-77", Jobs: []model.WorkflowJob{approvalJob("qa", model.JobStatusOnHold, "req-77")}},
	}}
	rules := GateRules{ContextMarker: "hold-for-qa", WorkflowIDPattern: regexp.MustCompile(`runs/([a-z0-9-]+)`)}
	r := NewApprovalResolver(statuses, workflows, rules, nil)

	res, err := r.ResolveAndApprove(context.Background(), "v1.2.0")

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, res.Outcome)
	assert.Equal(t, []approveCall{{"r-77", "req-77"}}, workflows.approveCalls)
}

// --- Resolve (dry run) ---

func TestResolve_DoesNotApprove(t *testing.T) {
	statuses := &mockStatusReader{reports: map[string]*model.CommitStatusReport{"main": pendingGateReport()}}
	workflows := &mockWorkflowClient{jobs: map[string]*model.WorkflowJobSet{
		"wf-1": {WorkflowID: "wf-1", Jobs: []model.WorkflowJob{approvalJob("hold", model.JobStatusOnHold, "req-9")}},
	}}
	r := newTestResolver(statuses, workflows)

	res, err := r.Resolve(context.Background(), "main")

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeResolved, res.Outcome)
	assert.Equal(t, "req-9", res.Approval.ApprovalRequestID)
	assert.Equal(t, []string{"wf-1"}, workflows.fetchCalls)
	assert.Empty(t, workflows.approveCalls)
}

func TestResolve_NoGateFound(t *testing.T) {
	r := newTestResolver(&mockStatusReader{}, &mockWorkflowClient{})

	res, err := r.Resolve(context.Background(), "feature/x")

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoGateFound, res.Outcome)
	assert.Equal(t, "feature/x", res.Reference)
}

// --- Concurrency ---

func TestResolveAndApprove_ConcurrentResolutionsAreIndependent(t *testing.T) {
	const n = 20

	reports := make(map[string]*model.CommitStatusReport, n)
	jobs := make(map[string]*model.WorkflowJobSet, n)
	for i := range n {
		ref := fmt.Sprintf("ref-%d", i)
		wf := fmt.Sprintf("wf-%d", i)
		reports[ref] = &model.CommitStatusReport{Statuses: []model.CheckStatus{
			gateCheck("ci/start-testing", model.StatusStatePending, "https://x/workflow-run/"+wf),
		}}
		jobs[wf] = &model.WorkflowJobSet{WorkflowID: wf, Jobs: []model.WorkflowJob{
			approvalJob("hold", model.JobStatusOnHold, "req-"+wf),
		}}
	}
	workflows := &mockWorkflowClient{jobs: jobs}
	r := newTestResolver(&mockStatusReader{reports: reports}, workflows)

	results := make([]*model.Resolution, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.ResolveAndApprove(context.Background(), fmt.Sprintf("ref-%d", i))
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		wf := fmt.Sprintf("wf-%d", i)
		assert.Equal(t, wf, results[i].Approval.WorkflowID)
		assert.Equal(t, "req-"+wf, results[i].Approval.ApprovalRequestID)
	}
	assert.Len(t, workflows.approveCalls, n)
}
