package model

import (
	"fmt"
	"slices"
	"time"
)

// Service keys under which credentials are stored.
const (
	ServiceGitHubUsername = "github_username"
	ServiceGitHubToken    = "github_token"
	ServiceCircleCIToken  = "circleci_token"
)

// KnownServices lists every credential key the tool understands.
var KnownServices = []string{ServiceGitHubUsername, ServiceGitHubToken, ServiceCircleCIToken}

// Credential holds a stored credential value. Service identifies the
// credential ("github_token", "circleci_token", ...).
type Credential struct {
	ID        int64
	Service   string
	Value     string
	UpdatedAt time.Time
}

// ServiceCredentials is the full set of credentials needed to talk to GitHub
// and CircleCI.
type ServiceCredentials struct {
	GitHubUsername string
	GitHubToken    string
	CircleCIToken  string
}

// IsKnownService reports whether service is one of KnownServices.
func IsKnownService(service string) bool {
	return slices.Contains(KnownServices, service)
}

// Validate returns an error naming the first missing credential. The CircleCI
// token is only required when needCircleCI is true (the status mode never
// talks to CircleCI).
func (c ServiceCredentials) Validate(needCircleCI bool) error {
	switch {
	case c.GitHubUsername == "":
		return fmt.Errorf("missing credential %q", ServiceGitHubUsername)
	case c.GitHubToken == "":
		return fmt.Errorf("missing credential %q", ServiceGitHubToken)
	case needCircleCI && c.CircleCIToken == "":
		return fmt.Errorf("missing credential %q", ServiceCircleCIToken)
	}
	return nil
}
