package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fragcache/internal/lock"
	"github.com/roach88/fragcache/internal/repository"
)

// LockOptions holds flags for the lock commands.
type LockOptions struct {
	RepoOptions
	Owner string
	Force bool
}

// LockResult is the outcome of a lock command.
type LockResult struct {
	ID       string     `json:"id"`
	Locked   bool       `json:"locked"`
	Owner    string     `json:"owner,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Acquired bool       `json:"acquired,omitempty"`
	Removed  bool       `json:"removed,omitempty"`
	Refused  bool       `json:"refused,omitempty"`
}

func (r LockResult) String() string {
	switch {
	case r.Acquired:
		return fmt.Sprintf("%s: locked by %s", r.ID, r.Owner)
	case r.Refused:
		return fmt.Sprintf("%s: held by %s since %s, not removed", r.ID, r.Owner, r.Created.Format(time.RFC3339))
	case r.Removed:
		return fmt.Sprintf("%s: lock of %s removed", r.ID, r.Owner)
	case r.Locked:
		return fmt.Sprintf("%s: locked by %s since %s", r.ID, r.Owner, r.Created.Format(time.RFC3339))
	}
	return r.ID + ": unlocked"
}

// NewLockCommand creates the lock command and its subcommands.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LockOptions{RepoOptions: RepoOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and change document locks",
		Long: `Get, set and remove document locks.

Lock changes are sent to the other cluster nodes before the command exits.

Exit codes:
  0 - Operation done
  1 - Lock held by another owner
  2 - Command error (invalid paths, database errors, etc.)

Examples:
  fragcache lock get doc-1 --db ./fragcache.db
  fragcache lock set doc-1 --owner alice --config ./fragcache.yaml
  fragcache lock remove doc-1 --owner alice --db ./fragcache.db
  fragcache lock remove doc-1 --force --db ./fragcache.db`,
	}
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "repository config file (.yaml, .yml or .cue)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides the config)")

	get := &cobra.Command{
		Use:           "get <id>",
		Short:         "Show the lock of a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(opts, cmd, args[0], getLock)
		},
	}

	set := &cobra.Command{
		Use:           "set <id>",
		Short:         "Lock a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(opts, cmd, args[0], setLock)
		},
	}
	set.Flags().StringVar(&opts.Owner, "owner", "", "lock owner (required)")
	_ = set.MarkFlagRequired("owner")

	remove := &cobra.Command{
		Use:           "remove <id>",
		Short:         "Unlock a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Owner == "" && !opts.Force {
				return NewExitError(ExitCommandError, "remove needs --owner or --force")
			}
			return runLock(opts, cmd, args[0], removeLock)
		},
	}
	remove.Flags().StringVar(&opts.Owner, "owner", "", "owner removing the lock")
	remove.Flags().BoolVar(&opts.Force, "force", false, "remove whoever holds the lock")

	cmd.AddCommand(get, set, remove)
	return cmd
}

type lockOp func(ctx context.Context, m *lock.Manager, opts *LockOptions, id string) (LockResult, error)

func runLock(opts *LockOptions, cmd *cobra.Command, id string, op lockOp) error {
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(&opts.RepoOptions, false)
	if err != nil {
		return err
	}

	var result LockResult
	err = withRepository(commandContext(cmd), cfg, func(ctx context.Context, repo *repository.Repository) error {
		var opErr error
		result, opErr = op(ctx, repo.Locks(), opts, id)
		return opErr
	})
	if err != nil {
		return formatter.Fail(ErrCodeLock, "lock operation failed", err)
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if result.Refused || (cmd.Name() == "set" && !result.Acquired && result.Owner != opts.Owner) {
		return NewExitError(ExitFailure, fmt.Sprintf("%s is locked by %s", id, result.Owner))
	}
	return nil
}

func heldResult(id string, l *lock.Lock) LockResult {
	if l == nil {
		return LockResult{ID: id}
	}
	created := l.Created
	return LockResult{ID: id, Locked: true, Owner: l.Owner, Created: &created, Refused: l.Failed}
}

func getLock(ctx context.Context, m *lock.Manager, _ *LockOptions, id string) (LockResult, error) {
	l, err := m.GetLock(ctx, id)
	if err != nil {
		return LockResult{}, err
	}
	return heldResult(id, l), nil
}

func setLock(ctx context.Context, m *lock.Manager, opts *LockOptions, id string) (LockResult, error) {
	held, err := m.SetLock(ctx, id, lock.Lock{Owner: opts.Owner})
	if err != nil {
		return LockResult{}, err
	}
	if held != nil {
		return heldResult(id, held), nil
	}
	l, err := m.GetLock(ctx, id)
	if err != nil {
		return LockResult{}, err
	}
	res := heldResult(id, l)
	res.Acquired = true
	return res, nil
}

func removeLock(ctx context.Context, m *lock.Manager, opts *LockOptions, id string) (LockResult, error) {
	if opts.Force {
		// A forced removal does not read the lock, so report the holder
		// seen just before.
		prior, err := m.GetLock(ctx, id)
		if err != nil {
			return LockResult{}, err
		}
		if _, err := m.RemoveLock(ctx, id, "", true); err != nil {
			return LockResult{}, err
		}
		res := heldResult(id, prior)
		res.Removed, res.Locked = prior != nil, false
		return res, nil
	}

	l, err := m.RemoveLock(ctx, id, opts.Owner, false)
	if err != nil {
		return LockResult{}, err
	}
	res := heldResult(id, l)
	if l != nil && !l.Failed {
		res.Locked = false
		res.Removed = true
	}
	return res, nil
}
