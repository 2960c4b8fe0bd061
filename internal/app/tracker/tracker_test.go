package tracker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

func newOrder(clientID string) schema.InFlightOrder {
	return schema.InFlightOrder{
		ClientOrderID: clientID,
		TradingPair:   "WETH-USDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.RequireFromString("2500"),
		Amount:        decimal.RequireFromString("1"),
	}
}

func drain(t *testing.T, tr *Tracker) []schema.Event {
	t.Helper()
	var out []schema.Event
	for {
		select {
		case evt := <-tr.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestStartTrackingDefaultsToPendingCreate(t *testing.T) {
	tr := New()
	tr.StartTracking(newOrder("HB001"))

	order, ok := tr.Order("HB001")
	require.True(t, ok)
	require.Equal(t, schema.OrderStatePendingCreate, order.State)
	require.False(t, order.CreatedAt.IsZero())
	require.Len(t, tr.FillableOrders(), 1)
	require.Empty(t, tr.UpdatableOrders())
}

func TestOrderAcceptedEmitsCreated(t *testing.T) {
	tr := New()
	tr.StartTracking(newOrder("HB001"))

	ok := tr.ProcessOrderUpdate(schema.OrderUpdate{
		ClientOrderID:   "HB001",
		ExchangeOrderID: "0xabc",
		NewState:        schema.OrderStateOpen,
	})
	require.True(t, ok)

	events := drain(t, tr)
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeOrderCreated, events[0].Type)
	require.Equal(t, "0xabc", events[0].Order.ExchangeOrderID)

	byExchange, ok := tr.OrderByExchangeID("0xabc")
	require.True(t, ok)
	require.Equal(t, "HB001", byExchange.ClientOrderID)
	require.Len(t, tr.UpdatableOrders(), 1)
}

func TestDuplicateCancelIsNoop(t *testing.T) {
	tr := New()
	tr.StartTracking(newOrder("HB001"))
	tr.ProcessOrderUpdate(schema.OrderUpdate{ClientOrderID: "HB001", ExchangeOrderID: "0xabc", NewState: schema.OrderStateOpen})
	drain(t, tr)

	cancel := schema.OrderUpdate{ClientOrderID: "HB001", ExchangeOrderID: "0xabc", NewState: schema.OrderStateCanceled}
	require.True(t, tr.ProcessOrderUpdate(cancel))
	require.False(t, tr.ProcessOrderUpdate(cancel))

	events := drain(t, tr)
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeOrderCancelled, events[0].Type)

	_, ok := tr.Order("HB001")
	require.False(t, ok, "terminal orders must be removed")
}

func TestUnknownStateIsIgnored(t *testing.T) {
	tr := New()
	tr.StartTracking(newOrder("HB001"))
	require.False(t, tr.ProcessOrderUpdate(schema.OrderUpdate{ClientOrderID: "HB001", NewState: schema.OrderStateUnknown}))
	order, _ := tr.Order("HB001")
	require.Equal(t, schema.OrderStatePendingCreate, order.State)
}

func TestTradeUpdatesAccumulateAndComplete(t *testing.T) {
	tr := New()
	tr.StartTracking(newOrder("HB001"))
	tr.ProcessOrderUpdate(schema.OrderUpdate{ClientOrderID: "HB001", ExchangeOrderID: "0xabc", NewState: schema.OrderStateOpen})
	drain(t, tr)

	first := schema.TradeUpdate{
		TradeID:         "t-1",
		ExchangeOrderID: "0xabc",
		FillBase:        decimal.RequireFromString("0.4"),
		FillPrice:       decimal.RequireFromString("2500"),
	}
	require.True(t, tr.ProcessTradeUpdate(first))
	require.False(t, tr.ProcessTradeUpdate(first), "duplicate trade ids are dropped")

	order, ok := tr.Order("HB001")
	require.True(t, ok)
	require.Equal(t, schema.OrderStatePartiallyFilled, order.State)
	require.True(t, order.ExecutedAmount.Equal(decimal.RequireFromString("0.4")))

	second := first
	second.TradeID = "t-2"
	second.FillBase = decimal.RequireFromString("0.6")
	require.True(t, tr.ProcessTradeUpdate(second))

	events := drain(t, tr)
	require.Len(t, events, 3)
	require.Equal(t, schema.EventTypeOrderFilled, events[0].Type)
	require.Equal(t, "HB001", events[0].Trade.ClientOrderID)
	require.Equal(t, schema.EventTypeOrderFilled, events[1].Type)
	require.Equal(t, schema.EventTypeOrderCompleted, events[2].Type)

	_, ok = tr.Order("HB001")
	require.False(t, ok)
	require.True(t, tr.SeenTrade("t-2"))
}

func TestTradeForUntrackedOrderIsRejected(t *testing.T) {
	tr := New()
	require.False(t, tr.ProcessTradeUpdate(schema.TradeUpdate{TradeID: "t-9", ExchangeOrderID: "0xdead"}))
	require.False(t, tr.SeenTrade("t-9"))

	require.True(t, tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "t-9", ExchangeOrderID: "0xdead"}))
	require.False(t, tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "t-9", ExchangeOrderID: "0xdead"}))

	events := drain(t, tr)
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeFillRecreated, events[0].Type)
}

func TestTradeHistoryIsBounded(t *testing.T) {
	tr := New(WithTradeHistory(2))
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "a"})
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "b"})
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "c"})
	require.False(t, tr.SeenTrade("a"))
	require.True(t, tr.SeenTrade("b"))
	require.True(t, tr.SeenTrade("c"))
}

func TestFullBufferDropsOldest(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	tr := New(WithEventBuffer(1), WithClock(func() time.Time { return fixed }))
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "first"})
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "second"})

	events := drain(t, tr)
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeFillRecreated, events[0].Type)
	require.Equal(t, "second", events[0].Trade.TradeID)
	require.Equal(t, fixed, events[0].Timestamp)
	require.Equal(t, uint64(1), tr.Dropped())
}

func TestStopClosesEvents(t *testing.T) {
	tr := New()
	tr.Stop()
	tr.Stop()
	tr.RecordRecreatedFill(schema.TradeUpdate{TradeID: "late"})
	_, open := <-tr.Events()
	require.False(t, open)
}
