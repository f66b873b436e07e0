package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fragcache/internal/dialect"
	"github.com/roach88/fragcache/internal/store"
)

// InitResult describes an initialized database.
type InitResult struct {
	Dialect string   `json:"dialect"`
	DSN     string   `json:"dsn"`
	Tables  []string `json:"tables"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the repository schema",
		Long: `Create the tables of the repository model in the database.

Safe to run on an existing database: tables that exist are kept.

Examples:
  fragcache init --db ./fragcache.db
  fragcache init --config ./fragcache.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}
	addRepoFlags(cmd, opts)

	return cmd
}

func runInit(opts *RepoOptions, cmd *cobra.Command) error {
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts, false)
	if err != nil {
		return err
	}
	d, err := dialect.ByName(cfg.Database.Dialect)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid dialect", err)
	}

	formatter.VerboseLog("opening %s database %s", d.Name, cfg.Database.DSN)
	st, err := store.OpenDialect(d, cfg.Database.DSN)
	if err != nil {
		return formatter.Fail(ErrCodeDatabase, "failed to initialize database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	result := InitResult{Dialect: d.Name, DSN: cfg.Database.DSN}
	for _, t := range st.Model().Tables() {
		result.Tables = append(result.Tables, t.Name)
	}

	if formatter.isJSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s database at %s (%d tables)\n", result.Dialect, result.DSN, len(result.Tables))
	for _, name := range result.Tables {
		formatter.VerboseLog("  %s", name)
	}
	return nil
}
