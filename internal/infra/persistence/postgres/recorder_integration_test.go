//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/infra/config"
	"github.com/coachpo/tegrolink/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/tegrolink/internal/infra/persistence/postgres"
)

var (
	testPool *pgxpool.Pool
	testDSN  string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tegrolink"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	exitCode := 0
	if err := initialiseDatabase(ctx, container); err != nil {
		fmt.Fprintf(os.Stderr, "postgres recorder tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}
	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgresql://postgres:secret@%s:%s/tegrolink?sslmode=disable", host, port.Port())

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if lastErr = migrations.Apply(ctx, testDSN, "", nil); lastErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("apply migrations: %w", lastErr)
	}
	testPool, err = pgstore.Open(ctx, config.DatabaseConfig{DSN: testDSN, MaxConns: 4, MinConns: 1})
	return err
}

func TestRecorderRoundTrip(t *testing.T) {
	ctx := context.Background()
	rec := pgstore.NewRecorder(testPool, "tegro")

	order := schema.InFlightOrder{
		ClientOrderID: "TEGBUY-roundtrip",
		TradingPair:   "WETH-USDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.RequireFromString("2500"),
		Amount:        decimal.RequireFromString("0.2"),
		State:         schema.OrderStatePendingCreate,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, rec.RecordOrder(ctx, order))
	require.NoError(t, rec.RecordOrder(ctx, order), "re-recording must upsert")

	require.NoError(t, rec.RecordOrderUpdate(ctx, schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: "ex-1",
		TradingPair:     order.TradingPair,
		NewState:        schema.OrderStateOpen,
		Timestamp:       time.Now(),
	}))

	var state, exchangeID string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT state, exchange_order_id FROM tegro_orders WHERE client_order_id = $1`, order.ClientOrderID,
	).Scan(&state, &exchangeID))
	require.Equal(t, string(schema.OrderStateOpen), state)
	require.Equal(t, "ex-1", exchangeID)

	fill := schema.TradeUpdate{
		TradeID:         "trade-rt-1",
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: "ex-1",
		TradingPair:     order.TradingPair,
		Side:            schema.TradeSideBuy,
		FillBase:        decimal.RequireFromString("0.05"),
		FillQuote:       decimal.RequireFromString("125"),
		FillPrice:       decimal.RequireFromString("2500"),
		Fee:             schema.TradeFee{Token: "WETH", Amount: decimal.Zero},
		Timestamp:       time.Now(),
	}
	has, err := rec.HasFill(ctx, fill.TradeID)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, rec.RecordFill(ctx, fill, true))
	require.NoError(t, rec.RecordFill(ctx, fill, true), "duplicate trade ids are ignored")

	has, err = rec.HasFill(ctx, fill.TradeID)
	require.NoError(t, err)
	require.True(t, has)

	fills, err := rec.Fills(ctx, order.ClientOrderID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.True(t, fills[0].FillQuote.Equal(fill.FillQuote))
	require.Equal(t, schema.TradeSideBuy, fills[0].Side)

	found, ok, err := rec.OrderByExchangeID(ctx, "ex-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, order.ClientOrderID, found.ClientOrderID)
	require.Equal(t, schema.TradeSideBuy, found.Side)
	require.True(t, found.Amount.Equal(order.Amount))
	require.True(t, found.ExecutedAmount.Equal(fill.FillBase))

	_, ok, err = rec.OrderByExchangeID(ctx, "ex-missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecorderLatestBalances(t *testing.T) {
	ctx := context.Background()
	rec := pgstore.NewRecorder(testPool, "tegro-balances")

	require.NoError(t, rec.RecordBalances(ctx, []schema.Balance{
		{Asset: "USDT", Total: decimal.NewFromInt(100), Available: decimal.NewFromInt(80)},
	}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rec.RecordBalances(ctx, []schema.Balance{
		{Asset: "USDT", Total: decimal.NewFromInt(90), Available: decimal.NewFromInt(90)},
		{Asset: "WETH", Total: decimal.RequireFromString("0.5"), Available: decimal.RequireFromString("0.5")},
	}))

	balances, err := rec.LatestBalances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, "USDT", balances[0].Asset)
	require.True(t, balances[0].Total.Equal(decimal.NewFromInt(90)))
}

func TestMigrationsRollbackAndReapply(t *testing.T) {
	ctx := context.Background()
	version, dirty, err := migrations.Version(ctx, testDSN, "", nil)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	require.NoError(t, migrations.Rollback(ctx, testDSN, "", 1, nil))
	require.NoError(t, migrations.Apply(ctx, testDSN, "", nil))
}
