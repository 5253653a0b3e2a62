package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	circleciadapter "github.com/ericfisherdev/cimanager/internal/adapter/driven/circleci"
	githubadapter "github.com/ericfisherdev/cimanager/internal/adapter/driven/github"
	sqliteadapter "github.com/ericfisherdev/cimanager/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/cimanager/internal/adapter/driving/cli"
	"github.com/ericfisherdev/cimanager/internal/application"
	"github.com/ericfisherdev/cimanager/internal/config"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// 1. Parse global flags and the command.
	fs := flag.NewFlagSet("cimanager", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, cli.Usage) }
	configPath := fs.String("config", "", "config file (default $CIMANAGER_CONFIG or "+config.DefaultPath+")")
	verbose := fs.Bool("v", false, "enable debug logging")
	timeout := fs.Duration("timeout", 60*time.Second, "overall deadline for the command, 0 disables")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK
		}
		return cli.ExitUsage
	}

	logger := newLogger(stderr, *verbose)
	slog.SetDefault(logger)

	cmd, err := cli.ParseCommand(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "%v\n\n%s", err, cli.Usage)
		return cli.ExitUsage
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM) and the deadline.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	// 3. Load configuration (fail fast on invalid files).
	path, err := config.ResolvePath(*configPath)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return cli.ExitFailure
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return cli.ExitFailure
	}
	logger.Debug("config loaded",
		"path", path,
		"repo", cfg.RepoOwner+"/"+cfg.Repo,
		"context_marker", cfg.Gate.ContextMarker,
		"workflow_id_pattern", cfg.Gate.WorkflowIDPattern,
		"store_enabled", cfg.HasStore(),
		"cache_path", cfg.Cache.Path,
	)

	// 4. Wire adapters and services for the selected mode.
	handler, cleanup, err := wire(ctx, cfg, cmd.Mode, stdout, logger)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return cli.ExitFailure
	}
	defer cleanup()

	// 5. Run.
	return handler.Run(ctx, cmd)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    color.NoColor,
	}))
}

func wire(ctx context.Context, cfg *config.Config, mode cli.Mode, stdout io.Writer, logger *slog.Logger) (*cli.Handler, func(), error) {
	cleanup := func() {}

	// Open the encrypted credential store only when a key is configured.
	var store driven.CredentialStore
	if cfg.HasStore() {
		db, err := sqliteadapter.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}
		store = sqliteadapter.NewCredentialRepo(db, cfg.SecretKey())
		logger.Debug("credential store opened", "path", cfg.Store.Path)
	} else if mode.NeedsStore() {
		return nil, cleanup, driven.ErrEncryptionKeyNotSet
	}

	if !mode.NeedsGitHub() {
		return cli.NewHandler(nil, nil, store, stdout, logger), cleanup, nil
	}

	// Stored credentials take priority over config and env values.
	creds, err := application.ResolveCredentials(ctx, store, cfg.ServiceCredentials())
	if err != nil {
		return nil, cleanup, err
	}
	if err := creds.Validate(mode.NeedsCircleCI()); err != nil {
		return nil, cleanup, err
	}
	userAgent := cfg.EffectiveUserAgent(creds)

	ghClient, err := githubadapter.NewClient(githubadapter.Options{
		BaseURL:   cfg.Endpoints.GitHubAPIURL,
		Owner:     cfg.RepoOwner,
		Repo:      cfg.Repo,
		Username:  creds.GitHubUsername,
		Token:     creds.GitHubToken,
		UserAgent: userAgent,
		CacheDir:  cfg.Cache.Path,
	})
	if err != nil {
		return nil, cleanup, err
	}
	statusSvc := application.NewStatusService(ghClient, cfg.Gate.ContextMarker)

	if !mode.NeedsCircleCI() {
		return cli.NewHandler(nil, statusSvc, store, stdout, logger), cleanup, nil
	}

	ciClient, err := circleciadapter.NewClientWithHTTPClient(&http.Client{}, cfg.Endpoints.CircleCIAPIURL, creds.CircleCIToken, userAgent)
	if err != nil {
		return nil, cleanup, err
	}
	resolver := application.NewApprovalResolver(ghClient, ciClient, application.GateRules{
		ContextMarker:     cfg.Gate.ContextMarker,
		WorkflowIDPattern: cfg.WorkflowIDRegexp(),
	}, logger)

	return cli.NewHandler(resolver, statusSvc, store, stdout, logger), cleanup, nil
}
