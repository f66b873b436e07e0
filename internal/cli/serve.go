package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fragcache/internal/repository"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	RepoOptions
	MetricsAddr string

	// Ready is called with the metrics address once the node serves
	// (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RepoOptions: RepoOptions{RootOptions: rootOpts}})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a repository node",
		Long: `Run a repository node: open the store, exchange invalidations with the
other nodes over the configured cluster transport, and expose the cache
gauges on /metrics, until interrupted.

Example:
  fragcache serve --config ./fragcache.yaml
  fragcache serve --db /tmp/test.db --metrics-addr 127.0.0.1:9191 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}
	addRepoFlags(cmd, &opts.RepoOptions)
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "metrics listen address (overrides the config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, slog.LevelInfo)

	cfg, err := loadConfig(&opts.RepoOptions, false)
	if err != nil {
		return err
	}
	addr := cfg.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	slog.Info("opening repository", "dialect", cfg.Database.Dialect, "dsn", cfg.Database.DSN, "transport", cfg.Cluster.Transport)
	repo, err := repository.Open(cfg, repository.WithLogger(slog.Default()), repository.WithRegisterer(reg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open repository", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := repo.Shutdown(shutdownCtx); closeErr != nil {
			slog.Error("error closing repository", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return repo.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	metricsAddr := ln.Addr().String()
	slog.Info("node started", "metrics", metricsAddr, "sessions", len(repo.Sessions()))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on http://%s/metrics\n", metricsAddr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(metricsAddr)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "node error", err)
	}

	slog.Info("node stopped gracefully")
	return nil
}
