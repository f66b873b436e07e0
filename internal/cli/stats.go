package cli

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fragcache/internal/repository"
)

// StatsResult is the output of the stats command.
type StatsResult struct {
	Dialect   string           `json:"dialect"`
	DSN       string           `json:"dsn"`
	Transport string           `json:"transport"`
	NodeID    string           `json:"node_id,omitempty"`
	Cache     repository.Stats `json:"cache"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Open a repository and print its cache gauges",
		Long: `Open the repository, check that the store is reachable, and print the
cache sizes and counters that serve exposes on /metrics.

Examples:
  fragcache stats --db ./fragcache.db
  fragcache stats --config ./fragcache.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(opts, cmd)
		},
	}
	addRepoFlags(cmd, opts)

	return cmd
}

func runStats(opts *RepoOptions, cmd *cobra.Command) error {
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts, true)
	if err != nil {
		return err
	}

	result := StatsResult{
		Dialect:   cfg.Database.Dialect,
		DSN:       cfg.Database.DSN,
		Transport: cfg.Cluster.Transport,
	}
	err = withRepository(commandContext(cmd), cfg, func(_ context.Context, repo *repository.Repository) error {
		if iv := repo.Cluster(); iv != nil {
			result.NodeID = iv.NodeID()
		}
		result.Cache = repo.Stats()
		return nil
	})
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, "failed to read stats", err)
	}

	if formatter.isJSON() {
		return formatter.Success(result)
	}

	pairs := [][2]string{
		{"database", result.Dialect + " " + result.DSN},
		{"transport", result.Transport},
	}
	if result.NodeID != "" {
		pairs = append(pairs, [2]string{"node", result.NodeID})
	}
	c := result.Cache
	for _, p := range []struct {
		key string
		n   int64
	}{
		{"sessions", int64(c.Sessions)},
		{"cached rows", int64(c.CachedRows)},
		{"cache hits", c.CacheHits},
		{"cache misses", c.CacheMisses},
		{"cached locks", int64(c.CachedLocks)},
		{"batches sent", c.SentBatches},
		{"batches received", c.RecvBatches},
	} {
		pairs = append(pairs, [2]string{p.key, strconv.FormatInt(p.n, 10)})
	}
	return formatter.KeyValues(pairs)
}
