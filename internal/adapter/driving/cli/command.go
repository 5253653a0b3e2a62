// Package cli is the command-line driving adapter. It parses a subcommand
// into a Command, runs it against the application services and maps the
// result to a process exit code.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
)

// Mode is the operation selected once at startup.
type Mode int

const (
	ModeApprove Mode = iota + 1
	ModeStatus
	ModeCredentialsSet
	ModeCredentialsList
	ModeCredentialsDelete
)

func (m Mode) String() string {
	switch m {
	case ModeApprove:
		return "approve"
	case ModeStatus:
		return "status"
	case ModeCredentialsSet:
		return "credentials set"
	case ModeCredentialsList:
		return "credentials list"
	case ModeCredentialsDelete:
		return "credentials delete"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// NeedsGitHub reports whether the mode talks to GitHub.
func (m Mode) NeedsGitHub() bool {
	return m == ModeApprove || m == ModeStatus
}

// NeedsCircleCI reports whether the mode talks to CircleCI.
func (m Mode) NeedsCircleCI() bool {
	return m == ModeApprove
}

// NeedsStore reports whether the mode cannot run without the credential store.
func (m Mode) NeedsStore() bool {
	return m == ModeCredentialsSet || m == ModeCredentialsList || m == ModeCredentialsDelete
}

// Command is a parsed invocation.
type Command struct {
	Mode      Mode
	Reference string // approve, status
	DryRun    bool   // approve
	Service   string // credentials set, credentials delete
	Value     string // credentials set
}

// ErrUsage is wrapped by every ParseCommand error.
var ErrUsage = errors.New("usage error")

// Usage is printed on usage errors.
const Usage = `usage:
  cimanager [-config path] [-v] [-timeout 60s] approve [-dry-run] <reference>
  cimanager [-config path] [-v] [-timeout 60s] status <reference>
  cimanager [-config path] credentials set <service> <value>
  cimanager [-config path] credentials list
  cimanager [-config path] credentials delete <service>

services: github_username, github_token, circleci_token
`

// ParseCommand parses the arguments following the global flags.
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, usageErr("missing command")
	}

	switch args[0] {
	case "approve":
		return parseApprove(args[1:])
	case "status":
		ref, err := singleReference("status", args[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Mode: ModeStatus, Reference: ref}, nil
	case "credentials":
		return parseCredentials(args[1:])
	default:
		return Command{}, usageErr("unknown command %q", args[0])
	}
}

func parseApprove(args []string) (Command, error) {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dryRun := fs.Bool("dry-run", false, "resolve the approval without submitting it")
	if err := fs.Parse(args); err != nil {
		return Command{}, usageErr("approve: %v", err)
	}

	ref, err := singleReference("approve", fs.Args())
	if err != nil {
		return Command{}, err
	}
	return Command{Mode: ModeApprove, Reference: ref, DryRun: *dryRun}, nil
}

func singleReference(name string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", usageErr("%s takes exactly one reference", name)
	}
	return args[0], nil
}

func parseCredentials(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, usageErr("credentials: missing subcommand")
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return Command{}, usageErr("credentials set takes <service> <value>")
		}
		if err := checkService(args[1]); err != nil {
			return Command{}, err
		}
		if args[2] == "" {
			return Command{}, usageErr("credentials set: value must not be empty")
		}
		return Command{Mode: ModeCredentialsSet, Service: args[1], Value: args[2]}, nil
	case "list":
		if len(args) != 1 {
			return Command{}, usageErr("credentials list takes no arguments")
		}
		return Command{Mode: ModeCredentialsList}, nil
	case "delete":
		if len(args) != 2 {
			return Command{}, usageErr("credentials delete takes <service>")
		}
		if err := checkService(args[1]); err != nil {
			return Command{}, err
		}
		return Command{Mode: ModeCredentialsDelete, Service: args[1]}, nil
	default:
		return Command{}, usageErr("credentials: unknown subcommand %q", args[0])
	}
}

func checkService(service string) error {
	if !model.IsKnownService(service) {
		return usageErr("unknown service %q (want one of %s)", service, strings.Join(model.KnownServices, ", "))
	}
	return nil
}

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}
