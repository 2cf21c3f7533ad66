// Command exhibitctl runs maintenance tasks against the exhibit bundler database and
// stamps local PDFs without a running server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bundle"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/jobs"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
	repo "github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg    *common.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "exhibitctl",
		Short:         "Exhibit bundler maintenance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = common.NewLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.AddCommand(a.migrateCmd(), a.healthCmd(), a.reapCmd(), newStampCmd())
	return root
}

func (a *app) openDB(ctx context.Context) (*repo.DB, error) {
	dbCfg := a.cfg.Database
	dbCfg.AutoMigrate = false
	if dbCfg.DSN == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	return repo.Connect(ctx, dbCfg, a.logger)
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func (a *app) healthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Ping the database and the lock backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.HealthCheck(cmd.Context(), timeout); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "DB health: OK")

			locker, err := locking.Open(a.cfg.Lock, a.logger)
			if err != nil {
				return err
			}
			if rl, ok := locker.(*locking.RedisLocker); ok {
				defer rl.Close()
				if err := rl.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("lock health: FAIL (%w)", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock health: OK (%s)\n", a.cfg.Lock.Backend)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "ping timeout")
	return cmd
}

func (a *app) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper pass: time out stuck jobs and requeue retryable failures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := storage.Open(ctx, a.cfg.Storage, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			locker, err := locking.Open(a.cfg.Lock, a.logger)
			if err != nil {
				return err
			}

			// Without a queue, requeued jobs stay pending for the next daemon start.
			orch := jobs.NewOrchestrator(db,
				repo.NewExhibitRepository(db, a.logger),
				repo.NewBundleJobRepository(db, a.logger),
				store, locker,
				bates.NewStamper(a.logger), bundle.NewAssembler(a.logger),
				jobs.ConfigFrom(a.cfg.Bundle, a.cfg.Lock), a.logger)
			rep, err := orch.Reap(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "timed out: %d, requeued: %d, exhausted: %d\n",
				rep.TimedOut, rep.Requeued, rep.Exhausted)
			return nil
		},
	}
}
