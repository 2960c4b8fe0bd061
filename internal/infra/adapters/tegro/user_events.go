package tegro

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

type userOrderEvent struct {
	OrderID      flexString      `json:"orderId"`
	OrderIDSnake flexString      `json:"order_id"`
	MarketID     string          `json:"marketId"`
	Side         string          `json:"side"`
	Status       string          `json:"status"`
	Time         tegroTime       `json:"time"`
	Price        decimal.Decimal `json:"price"`
	Quantity     flexString      `json:"quantity"`
}

func (ev userOrderEvent) orderID() string {
	if id := ev.OrderID.String(); id != "" {
		return id
	}
	return ev.OrderIDSnake.String()
}

func (ev userOrderEvent) quantity() (decimal.Decimal, bool) {
	qty, err := decimal.NewFromString(strings.TrimSpace(ev.Quantity.String()))
	return qty, err == nil
}

type userTradeEvent struct {
	ID        flexString      `json:"id"`
	OrderID   flexString      `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Time      tegroTime       `json:"time"`
	Timestamp tegroTime       `json:"timestamp"`
}

// userStreamEventListener applies wallet-channel frames until the stream closes or ctx ends.
func (e *Exchange) userStreamEventListener(ctx context.Context) error {
	events := e.user.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.handleUserEvent(ctx, raw); err != nil {
				e.logger.Error("tegro: user stream event failed", observability.Err(err))
				if err := sleepCtx(ctx, userStreamBackoff); err != nil {
					return err
				}
			}
		}
	}
}

func (e *Exchange) handleUserEvent(ctx context.Context, raw []byte) error {
	frame, err := decodeFrame(raw)
	if err != nil {
		return fmt.Errorf("decode user frame: %w", err)
	}
	e.metrics.recordFrame(ctx, streamUser, frame.Action)

	body := frame.Data
	if len(body) == 0 {
		body = raw
	}
	switch frame.Action {
	case actionOrderPlaced, actionOrderSubmitted:
		var ev userOrderEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", frame.RawAction, err)
		}
		e.applyUserOrderEvent(ctx, ev)
		return nil
	case actionUserTradeCreated, actionUserTradeUpdated:
		var ev userTradeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", frame.RawAction, err)
		}
		e.applyUserTradeEvent(ctx, ev)
		return nil
	case actionSubscribe:
		return nil
	default:
		e.unknownUserFrames.Add(1)
		e.logger.Debug("tegro: dropping unrecognised user frame", observability.F("action", frame.RawAction))
		return nil
	}
}

// applyUserOrderEvent applies the order state. Fills come from trade events and trade history only.
func (e *Exchange) applyUserOrderEvent(ctx context.Context, ev userOrderEvent) {
	exchangeOrderID := ev.orderID()
	if exchangeOrderID == "" {
		return
	}
	order, ok := e.tracker.OrderByExchangeID(exchangeOrderID)
	if !ok {
		if order, ok = e.claimUnknownOrder(ctx, exchangeOrderID, ev); !ok {
			return
		}
	}
	ts := ev.Time.Time()
	if ts.IsZero() {
		ts = e.now()
	}
	e.settleOrderUpdate(ctx, order, schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     order.TradingPair,
		NewState:        mapOrderState(ev.Status),
		Timestamp:       ts,
	})
}

// claimUnknownOrder attaches a venue id to the oldest order whose placement reply was lost and
// whose pair, side, price and amount match the event.
func (e *Exchange) claimUnknownOrder(ctx context.Context, exchangeOrderID string, ev userOrderEvent) (schema.InFlightOrder, bool) {
	pair, ok := e.symbols.PairForMarketID(ev.MarketID)
	if !ok {
		return schema.InFlightOrder{}, false
	}
	side, ok := schema.ParseTradeSide(ev.Side)
	if !ok {
		return schema.InFlightOrder{}, false
	}
	qty, ok := ev.quantity()
	if !ok {
		return schema.InFlightOrder{}, false
	}

	var (
		match schema.InFlightOrder
		found bool
	)
	for _, order := range e.tracker.FillableOrders() {
		if order.ExchangeOrderID != schema.UnknownExchangeOrderID || order.TradingPair != pair || order.Side != side {
			continue
		}
		if !order.Amount.Equal(qty) || !order.Price.Equal(ev.Price) {
			continue
		}
		if !found || order.CreatedAt.Before(match.CreatedAt) {
			match, found = order, true
		}
	}
	if !found {
		return schema.InFlightOrder{}, false
	}
	if !e.applyOrderUpdate(ctx, schema.OrderUpdate{
		ClientOrderID:   match.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     match.TradingPair,
		NewState:        match.State,
		Timestamp:       e.now(),
	}) {
		return schema.InFlightOrder{}, false
	}
	match.ExchangeOrderID = exchangeOrderID
	e.rememberOrder(exchangeOrderID, match)
	e.logger.Info("tegro: matched venue order to unconfirmed placement",
		observability.F("client_order_id", match.ClientOrderID),
		observability.F("exchange_order_id", exchangeOrderID))
	return match, true
}

func (e *Exchange) applyUserTradeEvent(ctx context.Context, ev userTradeEvent) {
	exchangeOrderID := ev.OrderID.String()
	tradeID := ev.ID.String()
	if exchangeOrderID == "" || tradeID == "" {
		return
	}
	order, ok := e.tracker.OrderByExchangeID(exchangeOrderID)
	if !ok {
		return
	}
	ts := ev.Time.Time()
	if ts.IsZero() {
		ts = ev.Timestamp.Time()
	}
	if ts.IsZero() {
		ts = e.now()
	}
	e.applyTrade(ctx, schema.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     order.TradingPair,
		Side:            order.Side,
		FillBase:        ev.Amount,
		FillQuote:       ev.Amount.Mul(ev.Price),
		FillPrice:       ev.Price,
		Fee:             schema.TradeFee{Token: baseAsset(order.TradingPair), Amount: decimal.Zero},
		Timestamp:       ts,
	})
}

func (e *Exchange) applyTrade(ctx context.Context, trade schema.TradeUpdate) {
	if !e.tracker.ProcessTradeUpdate(trade) {
		return
	}
	e.noteFill(trade.ExchangeOrderID, trade.FillBase)
	if err := e.recorder.RecordFill(ctx, trade, false); err != nil {
		e.logger.Warn("tegro: record fill failed", observability.F("trade_id", trade.TradeID), observability.Err(err))
	}
	e.metrics.recordTradeUpdate(ctx, trade.TradingPair, false)
	if _, tracked := e.tracker.Order(trade.ClientOrderID); tracked {
		return
	}
	completed := schema.OrderUpdate{
		ClientOrderID:   trade.ClientOrderID,
		ExchangeOrderID: trade.ExchangeOrderID,
		TradingPair:     trade.TradingPair,
		NewState:        schema.OrderStateFilled,
		Timestamp:       trade.Timestamp,
	}
	if err := e.recorder.RecordOrderUpdate(ctx, completed); err != nil {
		e.logger.Warn("tegro: record order update failed",
			observability.F("client_order_id", trade.ClientOrderID), observability.Err(err))
	}
}

// UnknownUserFrames counts wallet-channel frames dropped because their action was not recognised.
func (e *Exchange) UnknownUserFrames() uint64 { return e.unknownUserFrames.Load() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
