// Package migrations runs the recorder schema migrations through golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tegrolink/db/migrations"
	"github.com/coachpo/tegrolink/internal/infra/telemetry"
	"github.com/coachpo/tegrolink/internal/observability"
)

// EmbeddedSource is the path label reported when the bundled migrations are used.
const EmbeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest migration.
// An empty migrationsDir selects the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	log := observability.OrNop(logger)
	runner, label, err := open(ctx, dsn, migrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.close()

	log.Info("running database migrations", observability.F("path", label))
	if err := runner.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "up", "noop", label)
			log.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "up", "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "up", "applied", label)
	log.Info("database migrations applied successfully")
	return nil
}

// Rollback reverts the most recent steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	log := observability.OrNop(logger)
	runner, label, err := open(ctx, dsn, migrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.close()

	log.Info("rolling back database migrations", observability.F("path", label), observability.F("steps", steps))
	if err := runner.m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "down", "noop", label)
			return nil
		}
		recordMigrationMetric(ctx, "down", "failed", label)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "down", "applied", label)
	log.Info("database migrations rolled back")
	return nil
}

// Version reports the current schema version and whether it is dirty.
func Version(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) (uint, bool, error) {
	runner, _, err := open(ctx, dsn, migrationsDir, observability.OrNop(logger))
	if err != nil {
		return 0, false, err
	}
	defer runner.close()

	version, dirty, err := runner.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migrations version: %w", err)
	}
	return version, dirty, nil
}

type runner struct {
	m      *migrate.Migrate
	db     *sql.DB
	logger observability.Logger
}

func (r *runner) close() {
	sourceErr, dbErr := r.m.Close()
	if sourceErr != nil {
		r.logger.Warn("database migrations source close", observability.Err(sourceErr))
	}
	if dbErr != nil {
		r.logger.Warn("database migrations db close", observability.Err(dbErr))
	}
	if err := r.db.Close(); err != nil {
		r.logger.Warn("database migrations connection close", observability.Err(err))
	}
}

// open validates the source before connecting so a bad path never dials the database.
func open(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) (*runner, string, error) {
	label := EmbeddedSource
	var resolvedDir string
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", err
		}
		resolvedDir = dir
		label = dir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if resolvedDir == "" {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("load embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	return &runner{m: m, db: db, logger: logger}, label, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("tegrolink_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
		attribute.String("migrations_path", path),
	))
}
