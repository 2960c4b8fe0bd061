// Package postgres implements the order history recorder on top of pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/internal/domain/orderstore"
	"github.com/coachpo/tegrolink/internal/domain/schema"
)

var _ orderstore.Recorder = (*Recorder)(nil)

// Recorder persists orders, state transitions, fills and balance snapshots.
type Recorder struct {
	pool      *pgxpool.Pool
	connector string
	now       func() time.Time
}

// NewRecorder constructs a Recorder backed by pool. connector labels balance rows.
func NewRecorder(pool *pgxpool.Pool, connector string) *Recorder {
	connector = strings.TrimSpace(connector)
	if connector == "" {
		connector = "tegro"
	}
	return &Recorder{pool: pool, connector: connector, now: time.Now}
}

const (
	orderUpsertSQL = `
INSERT INTO tegro_orders (
    client_order_id,
    connector,
    exchange_order_id,
    trading_pair,
    side,
    order_type,
    price,
    amount,
    state,
    created_at,
    updated_at
)
VALUES (
    @client_order_id,
    @connector,
    @exchange_order_id,
    @trading_pair,
    @side,
    @order_type,
    @price,
    @amount,
    @state,
    @created_at,
    NOW()
)
ON CONFLICT (client_order_id) DO UPDATE SET
    exchange_order_id = COALESCE(EXCLUDED.exchange_order_id, tegro_orders.exchange_order_id),
    state = EXCLUDED.state,
    updated_at = NOW();
`

	orderUpdateInsertSQL = `
INSERT INTO tegro_order_updates (
    id,
    client_order_id,
    exchange_order_id,
    trading_pair,
    state,
    reason,
    occurred_at
)
VALUES (
    @id,
    @client_order_id,
    @exchange_order_id,
    @trading_pair,
    @state,
    @reason,
    @occurred_at
);
`

	orderStateSQL = `
UPDATE tegro_orders
SET state = @state,
    exchange_order_id = COALESCE(@exchange_order_id, exchange_order_id),
    updated_at = NOW()
WHERE client_order_id = @client_order_id;
`

	fillInsertSQL = `
INSERT INTO tegro_fills (
    trade_id,
    client_order_id,
    exchange_order_id,
    trading_pair,
    side,
    fill_base,
    fill_quote,
    fill_price,
    fee_token,
    fee_amount,
    recreated,
    traded_at
)
VALUES (
    @trade_id,
    @client_order_id,
    @exchange_order_id,
    @trading_pair,
    @side,
    @fill_base,
    @fill_quote,
    @fill_price,
    @fee_token,
    @fee_amount,
    @recreated,
    @traded_at
)
ON CONFLICT (trade_id) DO NOTHING;
`

	fillExistsSQL = `SELECT EXISTS (SELECT 1 FROM tegro_fills WHERE trade_id = @trade_id);`

	balanceInsertSQL = `
INSERT INTO tegro_balance_snapshots (
    snapshot_id,
    connector,
    asset,
    total,
    available,
    captured_at
)
VALUES (
    @snapshot_id,
    @connector,
    @asset,
    @total,
    @available,
    @captured_at
);
`

	fillSelectSQL = `
SELECT
    trade_id,
    client_order_id,
    exchange_order_id,
    trading_pair,
    COALESCE(side, ''),
    fill_base::text,
    fill_quote::text,
    fill_price::text,
    COALESCE(fee_token, ''),
    fee_amount::text,
    traded_at
FROM tegro_fills
WHERE client_order_id = @client_order_id
ORDER BY traded_at, trade_id;
`

	orderByExchangeIDSQL = `
SELECT
    o.client_order_id,
    o.trading_pair,
    o.side,
    o.order_type,
    o.amount::text,
    o.state,
    o.created_at,
    COALESCE((SELECT SUM(f.fill_base) FROM tegro_fills f WHERE f.client_order_id = o.client_order_id), 0)::text
FROM tegro_orders o
WHERE o.exchange_order_id = @exchange_order_id
  AND o.connector = @connector
ORDER BY o.created_at DESC
LIMIT 1;
`

	latestBalancesSQL = `
SELECT asset, total::text, available::text
FROM tegro_balance_snapshots
WHERE snapshot_id = (
    SELECT snapshot_id
    FROM tegro_balance_snapshots
    WHERE connector = @connector
    ORDER BY captured_at DESC
    LIMIT 1
)
ORDER BY asset;
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (r *Recorder) ensurePool() (*pgxpool.Pool, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("recorder: nil pool")
	}
	return r.pool, nil
}

// RecordOrder inserts the order snapshot, or refreshes state and exchange id when it exists.
func (r *Recorder) RecordOrder(ctx context.Context, order schema.InFlightOrder) error {
	pool, err := r.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.ClientOrderID) == "" {
		return fmt.Errorf("recorder: client order id required")
	}
	amount, err := numericFromDecimal(order.Amount)
	if err != nil {
		return fmt.Errorf("recorder: amount: %w", err)
	}
	price, err := numericFromOptional(order.Price)
	if err != nil {
		return fmt.Errorf("recorder: price: %w", err)
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	args := pgx.NamedArgs{
		"client_order_id":   order.ClientOrderID,
		"connector":         r.connector,
		"exchange_order_id": nullableString(order.ExchangeOrderID),
		"trading_pair":      order.TradingPair,
		"side":              string(order.Side),
		"order_type":        string(order.Type),
		"price":             price,
		"amount":            amount,
		"state":             string(order.State),
		"created_at":        createdAt.UTC(),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("recorder: upsert order: %w", err)
	}
	return nil
}

// RecordOrderUpdate appends the transition and moves the order row to the new state.
func (r *Recorder) RecordOrderUpdate(ctx context.Context, update schema.OrderUpdate) error {
	if strings.TrimSpace(update.ClientOrderID) == "" {
		return fmt.Errorf("recorder: client order id required")
	}
	occurredAt := update.Timestamp
	if occurredAt.IsZero() {
		occurredAt = r.now()
	}
	return r.withTransaction(ctx, func(ctx context.Context, tx execer) error {
		args := pgx.NamedArgs{
			"id":                uuid.New(),
			"client_order_id":   update.ClientOrderID,
			"exchange_order_id": nullableString(update.ExchangeOrderID),
			"trading_pair":      update.TradingPair,
			"state":             string(update.NewState),
			"reason":            nullableString(update.Reason),
			"occurred_at":       occurredAt.UTC(),
		}
		if _, err := tx.Exec(ctx, orderUpdateInsertSQL, args); err != nil {
			return fmt.Errorf("recorder: insert order update: %w", err)
		}
		if _, err := tx.Exec(ctx, orderStateSQL, args); err != nil {
			return fmt.Errorf("recorder: update order state: %w", err)
		}
		return nil
	})
}

// RecordFill stores a fill once per trade id.
func (r *Recorder) RecordFill(ctx context.Context, fill schema.TradeUpdate, recreated bool) error {
	pool, err := r.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(fill.TradeID) == "" {
		return fmt.Errorf("recorder: trade id required")
	}
	base, err := numericFromDecimal(fill.FillBase)
	if err != nil {
		return fmt.Errorf("recorder: fill base: %w", err)
	}
	quote, err := numericFromDecimal(fill.FillQuote)
	if err != nil {
		return fmt.Errorf("recorder: fill quote: %w", err)
	}
	price, err := numericFromDecimal(fill.FillPrice)
	if err != nil {
		return fmt.Errorf("recorder: fill price: %w", err)
	}
	fee, err := numericFromDecimal(fill.Fee.Amount)
	if err != nil {
		return fmt.Errorf("recorder: fee: %w", err)
	}
	tradedAt := fill.Timestamp
	if tradedAt.IsZero() {
		tradedAt = r.now()
	}
	args := pgx.NamedArgs{
		"trade_id":          fill.TradeID,
		"client_order_id":   fill.ClientOrderID,
		"exchange_order_id": fill.ExchangeOrderID,
		"trading_pair":      fill.TradingPair,
		"side":              nullableString(string(fill.Side)),
		"fill_base":         base,
		"fill_quote":        quote,
		"fill_price":        price,
		"fee_token":         nullableString(fill.Fee.Token),
		"fee_amount":        fee,
		"recreated":         recreated,
		"traded_at":         tradedAt.UTC(),
	}
	if _, err := pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("recorder: insert fill: %w", err)
	}
	return nil
}

// HasFill reports whether tradeID was recorded by this or any earlier run.
func (r *Recorder) HasFill(ctx context.Context, tradeID string) (bool, error) {
	pool, err := r.ensurePool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, fillExistsSQL, pgx.NamedArgs{"trade_id": tradeID}).Scan(&exists); err != nil {
		return false, fmt.Errorf("recorder: lookup fill: %w", err)
	}
	return exists, nil
}

// RecordBalances writes one snapshot; every row shares the snapshot id and capture time.
func (r *Recorder) RecordBalances(ctx context.Context, balances []schema.Balance) error {
	if len(balances) == 0 {
		return nil
	}
	snapshotID := uuid.New()
	capturedAt := r.now().UTC()
	return r.withTransaction(ctx, func(ctx context.Context, tx execer) error {
		for _, balance := range balances {
			total, err := numericFromDecimal(balance.Total)
			if err != nil {
				return fmt.Errorf("recorder: %s total: %w", balance.Asset, err)
			}
			available, err := numericFromDecimal(balance.Available)
			if err != nil {
				return fmt.Errorf("recorder: %s available: %w", balance.Asset, err)
			}
			args := pgx.NamedArgs{
				"snapshot_id": snapshotID,
				"connector":   r.connector,
				"asset":       balance.Asset,
				"total":       total,
				"available":   available,
				"captured_at": capturedAt,
			}
			if _, err := tx.Exec(ctx, balanceInsertSQL, args); err != nil {
				return fmt.Errorf("recorder: insert balance %s: %w", balance.Asset, err)
			}
		}
		return nil
	})
}

// Fills returns the recorded fills of an order in trade time order.
func (r *Recorder) Fills(ctx context.Context, clientOrderID string) ([]schema.TradeUpdate, error) {
	pool, err := r.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, fillSelectSQL, pgx.NamedArgs{"client_order_id": clientOrderID})
	if err != nil {
		return nil, fmt.Errorf("recorder: query fills: %w", err)
	}
	defer rows.Close()

	var out []schema.TradeUpdate
	for rows.Next() {
		var (
			fill                         schema.TradeUpdate
			side                         string
			base, quote, price, feeValue string
		)
		if err := rows.Scan(&fill.TradeID, &fill.ClientOrderID, &fill.ExchangeOrderID, &fill.TradingPair,
			&side, &base, &quote, &price, &fill.Fee.Token, &feeValue, &fill.Timestamp); err != nil {
			return nil, fmt.Errorf("recorder: scan fill: %w", err)
		}
		fill.Side = schema.TradeSide(side)
		for _, field := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&fill.FillBase, base},
			{&fill.FillQuote, quote},
			{&fill.FillPrice, price},
			{&fill.Fee.Amount, feeValue},
		} {
			value, err := decimalFromText(&field.raw)
			if err != nil {
				return nil, fmt.Errorf("recorder: fill %s: %w", fill.TradeID, err)
			}
			*field.dst = value
		}
		out = append(out, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: iterate fills: %w", err)
	}
	return out, nil
}

// OrderByExchangeID resolves an order recorded by this or an earlier run.
func (r *Recorder) OrderByExchangeID(ctx context.Context, exchangeOrderID string) (schema.InFlightOrder, bool, error) {
	pool, err := r.ensurePool()
	if err != nil {
		return schema.InFlightOrder{}, false, err
	}
	exchangeOrderID = strings.TrimSpace(exchangeOrderID)
	if exchangeOrderID == "" || exchangeOrderID == schema.UnknownExchangeOrderID {
		return schema.InFlightOrder{}, false, nil
	}
	var (
		order                 schema.InFlightOrder
		side, orderType       string
		state                 string
		amount, executedTotal string
	)
	args := pgx.NamedArgs{"exchange_order_id": exchangeOrderID, "connector": r.connector}
	err = pool.QueryRow(ctx, orderByExchangeIDSQL, args).Scan(&order.ClientOrderID, &order.TradingPair,
		&side, &orderType, &amount, &state, &order.CreatedAt, &executedTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.InFlightOrder{}, false, nil
	}
	if err != nil {
		return schema.InFlightOrder{}, false, fmt.Errorf("recorder: lookup order: %w", err)
	}
	order.ExchangeOrderID = exchangeOrderID
	order.Side = schema.TradeSide(side)
	order.Type = schema.OrderType(orderType)
	order.State = schema.OrderState(state)
	if order.Amount, err = decimalFromText(&amount); err != nil {
		return schema.InFlightOrder{}, false, fmt.Errorf("recorder: order %s amount: %w", order.ClientOrderID, err)
	}
	if order.ExecutedAmount, err = decimalFromText(&executedTotal); err != nil {
		return schema.InFlightOrder{}, false, fmt.Errorf("recorder: order %s executed: %w", order.ClientOrderID, err)
	}
	return order, true, nil
}

// LatestBalances returns the most recent balance snapshot of the connector.
func (r *Recorder) LatestBalances(ctx context.Context) ([]schema.Balance, error) {
	pool, err := r.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, latestBalancesSQL, pgx.NamedArgs{"connector": r.connector})
	if err != nil {
		return nil, fmt.Errorf("recorder: query balances: %w", err)
	}
	defer rows.Close()

	var out []schema.Balance
	for rows.Next() {
		var (
			balance          schema.Balance
			total, available string
		)
		if err := rows.Scan(&balance.Asset, &total, &available); err != nil {
			return nil, fmt.Errorf("recorder: scan balance: %w", err)
		}
		if balance.Total, err = decimalFromText(&total); err != nil {
			return nil, fmt.Errorf("recorder: balance %s: %w", balance.Asset, err)
		}
		if balance.Available, err = decimalFromText(&available); err != nil {
			return nil, fmt.Errorf("recorder: balance %s: %w", balance.Asset, err)
		}
		out = append(out, balance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: iterate balances: %w", err)
	}
	return out, nil
}

func (r *Recorder) withTransaction(ctx context.Context, fn func(context.Context, execer) error) error {
	pool, err := r.ensurePool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
	})
	if err != nil {
		return fmt.Errorf("recorder: begin tx: %w", err)
	}
	if runErr := fn(ctx, tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("recorder: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("recorder: commit tx: %w", err)
	}
	return nil
}
