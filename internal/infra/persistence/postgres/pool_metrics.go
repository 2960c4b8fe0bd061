package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tegrolink/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"tegrolink_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"tegrolink_db_pool_connections_idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"tegrolink_db_pool_connections_acquired", "Connections currently held by the recorder",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"tegrolink_db_pool_connections_constructing", "Connections currently being constructed",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable gauges over pool.Stat().
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "recorder"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
