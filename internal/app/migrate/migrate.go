// Package migrate applies the goose schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fahrettinrizaergin/docker-manager/db/migrations"
)

const stepTimeout = time.Minute

// Runner drives a goose provider over the application's connection pool.
type Runner struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// Version is one row of Status output.
type Version struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// New builds a runner. An empty dir selects the SQL files compiled into the binary.
func New(pool *pgxpool.Pool, dir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("migrate: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}

	var fsys fs.FS = migrations.FS
	source := "embedded"
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("locate migrations dir: %w", err)
		}
		fsys, source = os.DirFS(dir), dir
	}

	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{
		pool:     pool,
		db:       db,
		provider: provider,
		log:      log.With("component", "migrate", "source", source),
	}, nil
}

// Ensure applies every pending migration.
func (r *Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	results, err := r.provider.Up(ctx)
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "took", res.Duration)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		r.log.Debug("schema up to date")
	}
	return nil
}

// Status lists every known migration in version order.
func (r *Runner) Status(ctx context.Context) ([]Version, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Version, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, Version{
			Version:   st.Source.Version,
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Down rolls back to target, or a single step when target is zero.
func (r *Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	if target <= 0 {
		res, err := r.provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("roll back latest migration: %w", err)
		}
		r.log.Info("migration rolled back", "version", res.Source.Version)
		return nil
	}
	results, err := r.provider.DownTo(ctx, target)
	for _, res := range results {
		r.log.Info("migration rolled back", "version", res.Source.Version)
	}
	if err != nil {
		return fmt.Errorf("roll back to version %d: %w", target, err)
	}
	return nil
}

// Ping checks the pool with a short deadline.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the sql handle and the pool beneath it.
func (r *Runner) Close() {
	_ = r.db.Close()
	r.pool.Close()
}
