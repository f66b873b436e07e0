package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fragcache/internal/config"
	"github.com/roach88/fragcache/internal/repository"
)

// Error codes for JSON output.
const (
	ErrCodeConfig   = "E_CONFIG"
	ErrCodeDatabase = "E_DATABASE"
	ErrCodeLock     = "E_LOCK"
)

// shutdownTimeout bounds how long a command waits for queued
// invalidations to leave before closing the repository.
const shutdownTimeout = 5 * time.Second

// RepoOptions locates the repository of commands that open one.
type RepoOptions struct {
	*RootOptions
	Config   string // .yaml, .yml or .cue file
	Database string // SQLite path, overrides the config's database
}

func addRepoFlags(cmd *cobra.Command, opts *RepoOptions) {
	cmd.Flags().StringVar(&opts.Config, "config", "", "repository config file (.yaml, .yml or .cue)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides the config)")
}

// loadConfig reads --config, or starts from the defaults, and applies --db.
// With mustExist the SQLite database has to be present already.
func loadConfig(opts *RepoOptions, mustExist bool) (*config.Config, error) {
	if opts.Config == "" && opts.Database == "" {
		return nil, NewExitError(ExitCommandError, "either --config or --db is required")
	}
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database.Dialect = "sqlite"
		cfg.Database.DSN = opts.Database
	}

	if mustExist && cfg.Database.Dialect == "sqlite" {
		if _, err := os.Stat(cfg.Database.DSN); os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, "database not found: "+cfg.Database.DSN)
		}
	}
	return cfg, nil
}

// configureLogging installs the default slog handler on w. Verbose lowers
// the level to Debug.
func configureLogging(w io.Writer, verbose bool, level slog.Level) {
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// withRepository opens the repository of cfg, runs it while fn executes,
// and shuts it down afterwards. Invalidations fn produced are handed to
// the cluster before shutdown.
func withRepository(ctx context.Context, cfg *config.Config, fn func(context.Context, *repository.Repository) error, opts ...repository.Option) (err error) {
	repo, err := repository.Open(cfg, append([]repository.Option{repository.WithLogger(slog.Default())}, opts...)...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open repository", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- repo.Run(runCtx) }()

	defer func() {
		if iv := repo.Cluster(); iv != nil {
			// Run returns once the queued batch was sent.
			iv.Close()
		} else {
			cancel()
		}
		select {
		case runErr := <-done:
			if runErr != nil {
				slog.Warn("cluster stopped with error", "error", runErr)
			}
		case <-time.After(shutdownTimeout):
			slog.Warn("invalidations not sent before shutdown")
			cancel()
			<-done
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if closeErr := repo.Shutdown(shutdownCtx); closeErr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close repository", closeErr)
		}
	}()

	return fn(ctx, repo)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
