package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ericfisherdev/cimanager/internal/application"
	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitNoGate       = 3
	ExitInconsistent = 4 // GitHub shows a pending gate, CircleCI has no on-hold approval.
)

// Approver is the subset of application.ApprovalResolver used by the CLI.
type Approver interface {
	ResolveAndApprove(ctx context.Context, reference string) (*model.Resolution, error)
	Resolve(ctx context.Context, reference string) (*model.Resolution, error)
}

// StatusReporter is the subset of application.StatusService used by the CLI.
type StatusReporter interface {
	GetStatus(ctx context.Context, reference string) (*application.StatusSummary, error)
}

// Handler runs parsed commands. Dependencies a mode does not use may be nil.
type Handler struct {
	approver Approver
	status   StatusReporter
	store    driven.CredentialStore
	out      io.Writer
	logger   *slog.Logger
}

// NewHandler creates a new Handler writing results to out.
func NewHandler(approver Approver, status StatusReporter, store driven.CredentialStore, out io.Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		approver: approver,
		status:   status,
		store:    store,
		out:      out,
		logger:   logger,
	}
}

// Run executes cmd and returns the process exit code.
func (h *Handler) Run(ctx context.Context, cmd Command) int {
	var err error
	switch cmd.Mode {
	case ModeApprove:
		return h.approve(ctx, cmd)
	case ModeStatus:
		err = h.showStatus(ctx, cmd.Reference)
	case ModeCredentialsSet:
		err = h.setCredential(ctx, cmd.Service, cmd.Value)
	case ModeCredentialsList:
		err = h.listCredentials(ctx)
	case ModeCredentialsDelete:
		err = h.deleteCredential(ctx, cmd.Service)
	default:
		err = fmt.Errorf("%w: unsupported mode %s", ErrUsage, cmd.Mode)
	}

	if err != nil {
		h.logger.Error(cmd.Mode.String()+" failed", "error", err)
	}
	return ExitCode(err)
}

func (h *Handler) approve(ctx context.Context, cmd Command) int {
	resolve := h.approver.ResolveAndApprove
	if cmd.DryRun {
		resolve = h.approver.Resolve
	}

	res, err := resolve(ctx, cmd.Reference)
	if err != nil {
		if errors.Is(err, application.ErrNoPendingApprovalJob) {
			h.logger.Error("GitHub and CircleCI disagree: gate is pending but no approval job is on hold",
				"reference", cmd.Reference, "error", err)
		} else {
			h.logger.Error("approval failed", "reference", cmd.Reference, "error", err)
		}
		return ExitCode(err)
	}

	renderResolution(h.out, res)
	if res.Outcome == model.OutcomeNoGateFound {
		return ExitNoGate
	}
	return ExitOK
}

func (h *Handler) showStatus(ctx context.Context, reference string) error {
	summary, err := h.status.GetStatus(ctx, reference)
	if err != nil {
		return err
	}
	renderStatus(h.out, summary)
	return nil
}

func (h *Handler) setCredential(ctx context.Context, service, value string) error {
	if err := h.store.Set(ctx, service, value); err != nil {
		return err
	}
	h.logger.Info("credential stored", "service", service)
	_, err := fmt.Fprintf(h.out, "stored %s\n", service)
	return err
}

func (h *Handler) listCredentials(ctx context.Context) error {
	creds, err := h.store.List(ctx)
	if err != nil {
		return err
	}
	return renderCredentials(h.out, creds)
}

func (h *Handler) deleteCredential(ctx context.Context, service string) error {
	if err := h.store.Delete(ctx, service); err != nil {
		return err
	}
	h.logger.Info("credential deleted", "service", service)
	_, err := fmt.Fprintf(h.out, "deleted %s\n", service)
	return err
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, application.ErrNoPendingApprovalJob):
		return ExitInconsistent
	default:
		return ExitFailure
	}
}
