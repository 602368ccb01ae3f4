package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fahrettinrizaergin/docker-manager/internal/app/migrate"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/logger"
)

func main() {
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "dockmgr-migrate",
		Short:         "Apply or inspect the dockmgr database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")

	withRunner := func(fn func(context.Context, *migrate.Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadAPIConfig()
			log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			runner, err := migrate.New(pool, cfg.MigrationsDir, log)
			if err != nil {
				return fmt.Errorf("configure migration runner: %w", err)
			}
			defer runner.Close()
			if err := fn(ctx, runner); err != nil {
				return err
			}
			log.Info("migration command completed", "command", cmd.Name())
			return nil
		}
	}

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back to --target, or one step when unset",
		RunE: withRunner(func(ctx context.Context, r *migrate.Runner) error {
			return r.Down(ctx, target)
		}),
	}
	down.Flags().Int64Var(&target, "target", 0, "target version")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withRunner(func(ctx context.Context, r *migrate.Runner) error {
				return r.Ensure(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print applied and pending migrations",
			RunE: withRunner(func(ctx context.Context, r *migrate.Runner) error {
				versions, err := r.Status(ctx)
				if err != nil {
					return err
				}
				return printStatus(os.Stdout, versions)
			}),
		},
		down,
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printStatus(w io.Writer, versions []migrate.Version) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, v := range versions {
		state, at := "pending", "-"
		if v.Applied {
			state, at = "applied", v.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", v.Version, state, at, v.Path)
	}
	return tw.Flush()
}
