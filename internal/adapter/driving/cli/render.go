package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ericfisherdev/cimanager/internal/application"
	"github.com/ericfisherdev/cimanager/internal/domain/model"
)

var (
	successText = color.New(color.FgGreen).SprintFunc()
	pendingText = color.New(color.FgYellow).SprintFunc()
	failureText = color.New(color.FgRed).SprintFunc()
	gateText    = color.New(color.FgCyan, color.Bold).SprintFunc()
	faintText   = color.New(color.Faint).SprintFunc()
)

func stateText(state string) string {
	switch state {
	case model.StatusStateSuccess:
		return successText(state)
	case model.StatusStatePending:
		return pendingText(state)
	case model.StatusStateFailure, model.StatusStateError:
		return failureText(state)
	default:
		return state
	}
}

// renderStatus prints the combined state followed by one line per check.
// The approval gate, if any, is marked.
func renderStatus(w io.Writer, s *application.StatusSummary) {
	fmt.Fprintf(w, "%s: %s\n", s.Reference, stateText(s.Report.State))
	if len(s.Report.Statuses) == 0 {
		fmt.Fprintln(w, faintText("  no status checks"))
		return
	}

	for _, c := range s.Report.Statuses {
		// Padding goes outside the colour codes.
		pad := strings.Repeat(" ", max(0, 8-len(c.State)))
		line := fmt.Sprintf("  %s%s %s", stateText(c.State), pad, c.Context)
		if c.Description != "" {
			line += faintText(" - " + c.Description)
		}
		if s.Gate != nil && c.ID == s.Gate.ID && c.Context == s.Gate.Context {
			line += "  " + gateText("<- approval gate")
		}
		fmt.Fprintln(w, line)
		if c.TargetURL != "" {
			fmt.Fprintf(w, "           %s\n", faintText(c.TargetURL))
		}
	}
}

func renderResolution(w io.Writer, res *model.Resolution) {
	switch res.Outcome {
	case model.OutcomeNoGateFound:
		fmt.Fprintf(w, "%s: no pending approval gate\n", res.Reference)
	case model.OutcomeResolved:
		fmt.Fprintf(w, "%s: would approve %s (workflow %s, approval request %s)\n",
			res.Reference, gateText(res.Job.Name), res.Approval.WorkflowID, res.Approval.ApprovalRequestID)
	case model.OutcomeApproved:
		fmt.Fprintf(w, "%s: %s %s (workflow %s)\n",
			res.Reference, successText("approved"), res.Job.Name, res.Approval.WorkflowID)
	}
}

func renderCredentials(w io.Writer, creds []model.Credential) error {
	if len(creds) == 0 {
		_, err := fmt.Fprintln(w, "no stored credentials")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tVALUE\tUPDATED")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Service, maskSecret(c.Value), c.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// maskSecret keeps the first four characters of values long enough that
// doing so still hides most of the secret.
func maskSecret(v string) string {
	if len(v) < 12 {
		return strings.Repeat("*", 8)
	}
	return v[:4] + strings.Repeat("*", 8)
}
