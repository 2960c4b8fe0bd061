// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

// Recorder persists the order, fill and balance history produced by the connector.
type Recorder interface {
	RecordOrder(ctx context.Context, order schema.InFlightOrder) error
	RecordOrderUpdate(ctx context.Context, update schema.OrderUpdate) error
	// RecordFill stores a fill. recreated marks fills for orders the tracker no longer knew.
	RecordFill(ctx context.Context, fill schema.TradeUpdate, recreated bool) error
	// HasFill reports whether a trade id was stored by any previous run.
	HasFill(ctx context.Context, tradeID string) (bool, error)
	RecordBalances(ctx context.Context, balances []schema.Balance) error
	// OrderByExchangeID returns a recorded order with ExecutedAmount summed from its recorded fills.
	OrderByExchangeID(ctx context.Context, exchangeOrderID string) (schema.InFlightOrder, bool, error)
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordOrder(context.Context, schema.InFlightOrder) error     { return nil }
func (Nop) RecordOrderUpdate(context.Context, schema.OrderUpdate) error { return nil }
func (Nop) RecordFill(context.Context, schema.TradeUpdate, bool) error  { return nil }
func (Nop) HasFill(context.Context, string) (bool, error)               { return false, nil }
func (Nop) RecordBalances(context.Context, []schema.Balance) error      { return nil }

func (Nop) OrderByExchangeID(context.Context, string) (schema.InFlightOrder, bool, error) {
	return schema.InFlightOrder{}, false, nil
}
