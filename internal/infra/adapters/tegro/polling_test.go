package tegro

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

func TestMapOrderState(t *testing.T) {
	cases := map[string]schema.OrderState{
		"pending":       schema.OrderStatePendingCreate,
		"Active":        schema.OrderStateOpen,
		"open":          schema.OrderStateOpen,
		"Partial":       schema.OrderStatePartiallyFilled,
		"matched":       schema.OrderStateFilled,
		"completed":     schema.OrderStateCompleted,
		"SoftCancelled": schema.OrderStatePendingCancel,
		"cancelled":     schema.OrderStateCanceled,
		"Canceled":      schema.OrderStateCanceled,
		"failed":        schema.OrderStateFailed,
		"exploded":      schema.OrderStateUnknown,
		"":              schema.OrderStateUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, mapOrderState(raw), raw)
	}
}

func TestStatusPollAppliesVenueState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/market/orders/user/", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/"+testWallet))
		require.Equal(t, "0xabc", r.URL.Query().Get("order_id"))
		_, _ = w.Write([]byte(`{"order_id":"0xabc","status":"cancelled","timestamp":1709294334}`))
	})
	h := newHarness(t, mux)
	h.trackOpen(t, "HB0050", "0xabc", "1")

	h.exchange.updateOrderStatus(context.Background())

	_, ok := h.tracker.Order("HB0050")
	require.False(t, ok)
	events := drainEvents(h.tracker)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderCancelled}, eventTypes(events))
	require.Equal(t, int64(1709294334), events[0].Order.Timestamp.Unix())
}

func TestStatusPollSkipsOrdersWithoutUsableID(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/market/orders/user/", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := newHarness(t, mux)
	h.trackOpen(t, "HB0051", schema.UnknownExchangeOrderID, "1")

	h.exchange.updateOrderStatus(context.Background())
	require.Zero(t, hits.Load())
}

func TestStatusPollFailsOrderAfterRepeatedNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/market/orders/user/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Order not found"}`))
	})
	h := newHarness(t, mux)
	h.trackOpen(t, "HB0052", "0xgone", "1")

	for i := 0; i < maxOrderNotFound-1; i++ {
		h.exchange.updateOrderStatus(context.Background())
		_, ok := h.tracker.Order("HB0052")
		require.True(t, ok)
	}
	h.exchange.updateOrderStatus(context.Background())
	_, ok := h.tracker.Order("HB0052")
	require.False(t, ok)

	events := drainEvents(h.tracker)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFailure}, eventTypes(events))
	require.Equal(t, "order not found on exchange", events[0].Order.Reason)
}

func TestStatusPollResetsNotFoundCountOnSuccess(t *testing.T) {
	var missing atomic.Bool
	missing.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/market/orders/user/", func(w http.ResponseWriter, _ *http.Request) {
		if missing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"order_id":"0xflaky","status":"open"}]`))
	})
	h := newHarness(t, mux)
	h.trackOpen(t, "HB0053", "0xflaky", "1")

	for i := 0; i < maxOrderNotFound-1; i++ {
		h.exchange.updateOrderStatus(context.Background())
	}
	missing.Store(false)
	h.exchange.updateOrderStatus(context.Background())
	missing.Store(true)
	for i := 0; i < maxOrderNotFound-1; i++ {
		h.exchange.updateOrderStatus(context.Background())
	}

	order, ok := h.tracker.Order("HB0053")
	require.True(t, ok)
	require.Equal(t, schema.OrderStateOpen, order.State)
}

const tradeHistoryBody = `[{"id":"t-1","orderId":"0xdef","symbol":"WETH_USDT","market_id":"84532_0x6464e14854d58feb60e130873329d77fcd2d8eb7_0xe5ae73187d0fed71bda83089488736cadcbf072d","price":2500,"amount":"0.4","timestamp":1709294334,"fee":"0","taker_type":"buy"}]`

func tradeHistoryMux(t *testing.T, queries chan<- string) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/market/orders/trades/", func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			select {
			case queries <- r.URL.RawQuery:
			default:
			}
		}
		_, _ = w.Write([]byte(tradeHistoryBody))
	})
	return mux
}

func TestTradeHistoryAppliesTrackedFill(t *testing.T) {
	queries := make(chan string, 4)
	h := newHarness(t, tradeHistoryMux(t, queries))
	h.trackOpen(t, "HB0060", "0xdef", "1")

	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))

	query := <-queries
	require.Contains(t, query, "symbol=WETH_USDT")
	require.Contains(t, query, "chain_id=84532")
	require.NotContains(t, query, "startTime")

	order, ok := h.tracker.Order("HB0060")
	require.True(t, ok)
	require.Equal(t, "0.4", order.ExecutedAmount.String())
	require.Equal(t, schema.OrderStatePartiallyFilled, order.State)

	fills := h.recorder.recordedFills()
	require.Len(t, fills, 1)
	require.False(t, fills[0].recreated)
	require.Equal(t, "1000", fills[0].fill.FillQuote.String())
	require.Equal(t, "WETH", fills[0].fill.Fee.Token)

	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))
	require.Contains(t, <-queries, "startTime=")
	require.Len(t, h.recorder.recordedFills(), 1)
}

func TestTradeHistoryRecreatesMissingFill(t *testing.T) {
	h := newHarness(t, tradeHistoryMux(t, nil))
	h.exchange.rememberOrder("0xdef", schema.InFlightOrder{
		ClientOrderID: "HB0061",
		TradingPair:   "WETH-USDT",
		Side:          schema.TradeSideBuy,
	})

	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))
	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))

	fills := h.recorder.recordedFills()
	require.Len(t, fills, 1)
	require.True(t, fills[0].recreated)
	require.Equal(t, "HB0061", fills[0].fill.ClientOrderID)

	events := drainEvents(h.tracker)
	require.Equal(t, []schema.EventType{schema.EventTypeFillRecreated}, eventTypes(events))
}

func TestTradeHistoryIgnoresUnknownOrders(t *testing.T) {
	h := newHarness(t, tradeHistoryMux(t, nil))
	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))
	require.Empty(t, h.recorder.recordedFills())
}

func TestTradesPollDue(t *testing.T) {
	h := newHarness(t, nil)
	e := h.exchange
	e.opts.Config.ShortPollInterval = 10 * time.Second
	e.opts.Config.LongPollInterval = 120 * time.Second

	base := time.Unix(14_166_667*120, 0).UTC()
	require.True(t, e.tradesPollDue(base))

	e.lastPoll = base.Add(time.Second)
	require.False(t, e.tradesPollDue(base.Add(30*time.Second)))
	require.True(t, e.tradesPollDue(base.Add(121*time.Second)))

	h.trackOpen(t, "HB0070", "0x70", "1")
	require.True(t, e.tradesPollDue(base.Add(11*time.Second)))
	require.False(t, e.tradesPollDue(base.Add(5*time.Second)))
}

func TestTradeHistorySkipsFullyFilledKnownOrder(t *testing.T) {
	h := newHarness(t, tradeHistoryMux(t, nil))
	h.exchange.rememberOrder("0xdef", schema.InFlightOrder{
		ClientOrderID:  "HB0062",
		TradingPair:    "WETH-USDT",
		Side:           schema.TradeSideBuy,
		Amount:         mustDecimal(t, "0.4"),
		ExecutedAmount: mustDecimal(t, "0.4"),
	})

	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))
	require.Empty(t, h.recorder.recordedFills())
	require.Empty(t, drainEvents(h.tracker))
}

func TestTradeHistoryFallsBackToRecordedOrders(t *testing.T) {
	h := newHarness(t, tradeHistoryMux(t, nil))
	h.recorder.history = map[string]schema.InFlightOrder{
		"0xdef": {
			ClientOrderID:   "HB0063",
			ExchangeOrderID: "0xdef",
			TradingPair:     "WETH-USDT",
			Side:            schema.TradeSideSell,
			Amount:          mustDecimal(t, "1"),
		},
	}

	require.NoError(t, h.exchange.updateOrderFillsFromTrades(context.Background()))

	fills := h.recorder.recordedFills()
	require.Len(t, fills, 1)
	require.True(t, fills[0].recreated)
	require.Equal(t, "HB0063", fills[0].fill.ClientOrderID)
	require.Equal(t, schema.TradeSideSell, fills[0].fill.Side)

	known, ok := h.exchange.lookupKnownOrder("0xdef")
	require.True(t, ok)
	require.Equal(t, "0.4", known.executed.String())
}

func TestKnownOrdersArePruned(t *testing.T) {
	h := newHarness(t, nil)
	h.exchange.rememberOrder("0xold", schema.InFlightOrder{ClientOrderID: "HB0064", TradingPair: "WETH-USDT"})

	h.exchange.pruneKnownOrders(time.Now().Add(time.Hour))
	_, ok := h.exchange.lookupKnownOrder("0xold")
	require.True(t, ok)

	h.exchange.pruneKnownOrders(time.Now().Add(knownOrderTTL + time.Hour))
	_, ok = h.exchange.lookupKnownOrder("0xold")
	require.False(t, ok)
}

func TestStatusPollExpiresUnknownPlacements(t *testing.T) {
	h := newHarness(t, nil)
	h.trackOpen(t, "HB0054", schema.UnknownExchangeOrderID, "1")

	h.exchange.updateOrderStatus(context.Background())
	_, ok := h.tracker.Order("HB0054")
	require.True(t, ok)

	h.exchange.clock = func() time.Time { return time.Now().Add(unknownOrderTimeout + time.Minute) }
	h.exchange.updateOrderStatus(context.Background())
	_, ok = h.tracker.Order("HB0054")
	require.False(t, ok)

	events := drainEvents(h.tracker)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFailure}, eventTypes(events))
	require.Equal(t, unknownOutcomeReason, events[0].Order.Reason)
}

func TestStatusPollMatchedOrderUsesTradeHistory(t *testing.T) {
	mux := tradeHistoryMux(t, nil)
	mux.HandleFunc("/market/orders/user/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"order_id":"0xdef","status":"matched","timestamp":1709294334}`))
	})
	h := newHarness(t, mux)
	h.trackOpen(t, "HB0055", "0xdef", "0.4")

	h.exchange.updateOrderStatus(context.Background())

	_, ok := h.tracker.Order("HB0055")
	require.False(t, ok)
	events := drainEvents(h.tracker)
	require.Equal(t, []schema.EventType{schema.EventTypeOrderFilled, schema.EventTypeOrderCompleted}, eventTypes(events))
	require.Equal(t, "t-1", events[0].Trade.TradeID)
}
