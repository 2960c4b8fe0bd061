// Command gateway runs the Tegro connector with its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tegrolink/internal/app/tracker"
	"github.com/coachpo/tegrolink/internal/domain/orderstore"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/infra/adapters/tegro"
	"github.com/coachpo/tegrolink/internal/infra/config"
	"github.com/coachpo/tegrolink/internal/infra/persistence/migrations"
	"github.com/coachpo/tegrolink/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tegrolink/internal/infra/server/http"
	"github.com/coachpo/tegrolink/internal/infra/telemetry"
	"github.com/coachpo/tegrolink/internal/observability"
	libtelemetry "github.com/coachpo/tegrolink/lib/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	configPathEnv            = "TEGROLINK_CONFIG"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	trackerEventBuffer       = 1024
)

func main() {
	cfgPathFlag, envFileFlag := parseFlags()
	if err := loadEnvFile(envFileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(appCfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		os.Exit(1)
	}
	observability.SetLogger(logger)
	if err := run(ctx, cancel, appCfg, logger); err != nil {
		logger.Error("gateway exited with error", observability.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, appCfg config.AppConfig, logger observability.Logger) error {
	telemetry.SetEnvironment(string(appCfg.Environment))
	_, shutdownTelemetry, err := libtelemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	logger.Info("configuration initialised",
		observability.F("environment", string(appCfg.Environment)),
		observability.F("metrics", appCfg.Telemetry.EnableMetrics && appCfg.Telemetry.OTLPEndpoint != ""))

	tegroCfg, err := tegro.ParseConfig(appCfg.Tegro)
	if err != nil {
		return fmt.Errorf("tegro config: %w", err)
	}

	pool, recorder, err := openRecorder(ctx, appCfg.Database, connectorName(tegroCfg), logger)
	if err != nil {
		return err
	}

	orders := tracker.New(
		tracker.WithEventBuffer(trackerEventBuffer),
		tracker.WithLogger(logger),
	)
	exchange, err := tegro.NewExchange(tegro.Options{
		Config:   tegroCfg,
		Tracker:  orders,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		closePool(pool)
		return fmt.Errorf("initialise tegro exchange: %w", err)
	}
	if err := exchange.Start(ctx); err != nil {
		closePool(pool)
		return fmt.Errorf("start tegro exchange: %w", err)
	}
	logger.Info("tegro connector started",
		observability.F("chain_id", exchange.ChainID()),
		observability.F("trading_pairs", tegroCfg.TradingPairs))

	var history httpserver.FillHistory
	if pg, ok := recorder.(*postgres.Recorder); ok {
		history = pg
	}
	apiServer := httpserver.New(appCfg.APIServer, httpserver.NewHandler(httpserver.Options{
		Environment: appCfg.Environment,
		Connector:   exchange,
		History:     history,
		Logger:      logger,

		AuthToken:      appCfg.APIServer.AuthToken,
		AllowedOrigins: appCfg.APIServer.AllowedOrigins,
	}))

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { logOrderEvents(ctx, orders, logger) })
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API stopped", observability.Err(err))
			cancel()
		}
	})
	logger.Info("control API listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")
	started := time.Now()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	serverCtx, serverCancel := context.WithTimeout(shutdownCtx, appCfg.APIServer.ShutdownTimeout)
	if err := apiServer.Shutdown(serverCtx); err != nil {
		logger.Warn("control API shutdown", observability.Err(err))
	}
	serverCancel()

	exchange.Stop()
	orders.Stop()
	lifecycle.Wait()
	closePool(pool)

	telemetryCtx, telemetryCancel := context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Warn("telemetry shutdown", observability.Err(err))
	}
	telemetryCancel()

	logger.Info("shutdown completed", observability.F("duration", time.Since(started).String()))
	return nil
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional dotenv file with TEGRO_API_KEY and TEGRO_API_SECRET")
	flag.Parse()
	return *cfgPath, *envFile
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configPathEnv)); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadEnvFile loads path when it exists. Variables already set in the environment win.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func newLogger(cfg config.LoggingConfig) (*observability.LogrusLogger, error) {
	return observability.NewLogrusLogger(observability.LogOptions{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAgeDays: cfg.MaxAgeDays,
		Component:  "gateway",
	})
}

// openRecorder returns a no-op recorder unless the database is enabled.
func openRecorder(ctx context.Context, cfg config.DatabaseConfig, connector string, logger observability.Logger) (*pgxpool.Pool, orderstore.Recorder, error) {
	if !cfg.Enabled {
		logger.Info("order recorder disabled")
		return nil, orderstore.Nop{}, nil
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, "recorder")
	logger.Info("order recorder enabled", observability.F("max_conns", cfg.MaxConns))
	return pool, postgres.NewRecorder(pool, connector), nil
}

func connectorName(cfg tegro.Config) string {
	if name := strings.TrimSpace(cfg.Name); name != "" {
		return name
	}
	return cfg.Domain
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

func logOrderEvents(ctx context.Context, orders *tracker.Tracker, logger observability.Logger) {
	events := orders.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			logger.Info("order event", eventFields(evt)...)
		}
	}
}

func eventFields(evt schema.Event) []observability.Field {
	fields := []observability.Field{
		observability.F("event", string(evt.Type)),
		observability.F("client_order_id", evt.Snapshot.ClientOrderID),
		observability.F("trading_pair", evt.Snapshot.TradingPair),
		observability.F("state", string(evt.Snapshot.State)),
	}
	if evt.Trade != nil {
		fields = append(fields,
			observability.F("trade_id", evt.Trade.TradeID),
			observability.F("fill_base", evt.Trade.FillBase.String()),
			observability.F("fill_price", evt.Trade.FillPrice.String()))
	}
	if evt.Order != nil && evt.Order.Reason != "" {
		fields = append(fields, observability.F("reason", evt.Order.Reason))
	}
	return fields
}
