// Package config loads application configuration from a file with
// environment variable overrides.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
)

// Defaults.
const (
	DefaultPath              = "~/.ci_manager/config"
	DefaultStorePath         = "~/.ci_manager/credentials.db"
	DefaultCachePath         = "~/.ci_manager/http-cache"
	DefaultContextMarker     = "start-testing"
	DefaultWorkflowIDPattern = `workflow-run/([\w-]+)`
	DefaultGitHubAPIURL      = "https://api.github.com/"
	DefaultCircleCIAPIURL    = "https://circleci.com/api/v2/"
)

// Config holds the application configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Repo        string      `toml:"repo" yaml:"repo"`
	RepoOwner   string      `toml:"repo_owner" yaml:"repo_owner"`
	UserAgent   string      `toml:"user_agent" yaml:"user_agent"`
	Credentials Credentials `toml:"credentials" yaml:"credentials"`
	Gate        Gate        `toml:"gate" yaml:"gate"`
	Endpoints   Endpoints   `toml:"endpoints" yaml:"endpoints"`
	Store       Store       `toml:"store" yaml:"store"`
	Cache       Cache       `toml:"cache" yaml:"cache"`

	workflowIDRe *regexp.Regexp
	secretKey    []byte
}

// Credentials holds service credentials given in the file or the environment.
type Credentials struct {
	GitHubUsername string `toml:"github_username" yaml:"github_username"`
	GitHubToken    string `toml:"github_token" yaml:"github_token"`
	CircleCIToken  string `toml:"circleci_token" yaml:"circleci_token"`
}

// Gate holds the two conventions linking a GitHub status check to a CircleCI
// workflow. Neither is a documented contract of either service.
type Gate struct {
	// ContextMarker is the substring identifying an approval gate check.
	ContextMarker string `toml:"context_marker" yaml:"context_marker"`
	// WorkflowIDPattern extracts the workflow ID from the check's target URL;
	// capture group 1 is the ID.
	WorkflowIDPattern string `toml:"workflow_id_pattern" yaml:"workflow_id_pattern"`
}

// Endpoints holds the API roots of both hosts.
type Endpoints struct {
	GitHubAPIURL   string `toml:"github_api_url" yaml:"github_api_url"`
	CircleCIAPIURL string `toml:"circleci_api_url" yaml:"circleci_api_url"`
}

// Store configures the optional encrypted credential store.
type Store struct {
	Path      string `toml:"path" yaml:"path"`
	SecretKey string `toml:"secret_key" yaml:"secret_key"` // 64 hex chars; store disabled when empty.
}

// Cache configures the on-disk HTTP cache for GitHub responses. Entries are
// revalidated on every request, so the cache only saves rate limit budget.
type Cache struct {
	Path string `toml:"path" yaml:"path"`
}

// ResolvePath returns the config file path: explicit wins, then
// CIMANAGER_CONFIG, then DefaultPath. A leading ~ is expanded.
func ResolvePath(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = os.Getenv("CIMANAGER_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expanding config path %q: %w", path, err)
	}
	return expanded, nil
}

// Load reads the config file at path and returns a validated Config.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
// Unknown keys are rejected. Environment variables override file values:
// CIMANAGER_GITHUB_USERNAME, CIMANAGER_GITHUB_TOKEN, CIMANAGER_CIRCLECI_TOKEN,
// CIMANAGER_SECRET_KEY, CIMANAGER_STORE_PATH, CIMANAGER_CACHE_PATH.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CIMANAGER_GITHUB_USERNAME", &cfg.Credentials.GitHubUsername},
		{"CIMANAGER_GITHUB_TOKEN", &cfg.Credentials.GitHubToken},
		{"CIMANAGER_CIRCLECI_TOKEN", &cfg.Credentials.CircleCIToken},
		{"CIMANAGER_SECRET_KEY", &cfg.Store.SecretKey},
		{"CIMANAGER_STORE_PATH", &cfg.Store.Path},
		{"CIMANAGER_CACHE_PATH", &cfg.Cache.Path},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Gate.ContextMarker == "" {
		cfg.Gate.ContextMarker = DefaultContextMarker
	}
	if cfg.Gate.WorkflowIDPattern == "" {
		cfg.Gate.WorkflowIDPattern = DefaultWorkflowIDPattern
	}
	if cfg.Endpoints.GitHubAPIURL == "" {
		cfg.Endpoints.GitHubAPIURL = DefaultGitHubAPIURL
	}
	if cfg.Endpoints.CircleCIAPIURL == "" {
		cfg.Endpoints.CircleCIAPIURL = DefaultCircleCIAPIURL
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = DefaultCachePath
	}
}

func (c *Config) validate() error {
	if c.Repo == "" {
		return errors.New("config: repo is required")
	}
	if c.RepoOwner == "" {
		return errors.New("config: repo_owner is required")
	}

	re, err := regexp.Compile(c.Gate.WorkflowIDPattern)
	if err != nil {
		return fmt.Errorf("config: gate.workflow_id_pattern %q: %w", c.Gate.WorkflowIDPattern, err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("config: gate.workflow_id_pattern %q must contain a capture group", c.Gate.WorkflowIDPattern)
	}
	c.workflowIDRe = re

	storePath, err := homedir.Expand(c.Store.Path)
	if err != nil {
		return fmt.Errorf("config: store.path %q: %w", c.Store.Path, err)
	}
	c.Store.Path = storePath

	cachePath, err := homedir.Expand(c.Cache.Path)
	if err != nil {
		return fmt.Errorf("config: cache.path %q: %w", c.Cache.Path, err)
	}
	c.Cache.Path = cachePath

	if c.Store.SecretKey != "" {
		key, err := hex.DecodeString(c.Store.SecretKey)
		if err != nil {
			return fmt.Errorf("config: store.secret_key (CIMANAGER_SECRET_KEY) is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("config: store.secret_key (CIMANAGER_SECRET_KEY) must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
		c.secretKey = key
	}
	return nil
}

// WorkflowIDRegexp returns the compiled workflow ID pattern.
func (c *Config) WorkflowIDRegexp() *regexp.Regexp {
	return c.workflowIDRe
}

// SecretKey returns the decoded credential store key, or nil when unset.
func (c *Config) SecretKey() []byte {
	return c.secretKey
}

// HasStore reports whether the encrypted credential store is enabled.
func (c *Config) HasStore() bool {
	return c.secretKey != nil
}

// EffectiveUserAgent returns UserAgent, falling back to the GitHub username.
func (c *Config) EffectiveUserAgent(creds model.ServiceCredentials) string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return creds.GitHubUsername
}

// ServiceCredentials returns the credentials from the file and environment.
func (c *Config) ServiceCredentials() model.ServiceCredentials {
	return model.ServiceCredentials{
		GitHubUsername: c.Credentials.GitHubUsername,
		GitHubToken:    c.Credentials.GitHubToken,
		CircleCIToken:  c.Credentials.CircleCIToken,
	}
}
