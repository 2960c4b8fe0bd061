package tegro

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/tegrolink/errs"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	unknownOrderTimeout  = 5 * time.Minute
	unknownOutcomeReason = "placement outcome unknown"
	tradeLookback        = time.Minute
)

var orderStates = map[string]schema.OrderState{
	"pending":       schema.OrderStatePendingCreate,
	"active":        schema.OrderStateOpen,
	"open":          schema.OrderStateOpen,
	"partial":       schema.OrderStatePartiallyFilled,
	"matched":       schema.OrderStateFilled,
	"completed":     schema.OrderStateCompleted,
	"softcancelled": schema.OrderStatePendingCancel,
	"cancelled":     schema.OrderStateCanceled,
	"canceled":      schema.OrderStateCanceled,
	"failed":        schema.OrderStateFailed,
}

// mapOrderState translates a venue status string. Unrecognised values map to UNKNOWN.
func mapOrderState(raw string) schema.OrderState {
	if state, ok := orderStates[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return schema.OrderStateUnknown
}

type orderStatusRecord struct {
	OrderID      flexString `json:"order_id"`
	OrderIDCamel flexString `json:"orderId"`
	Status       string     `json:"status"`
	Timestamp    tegroTime  `json:"timestamp"`
	Time         tegroTime  `json:"time"`
}

func (r orderStatusRecord) orderID() string {
	if id := r.OrderID.String(); id != "" {
		return id
	}
	return r.OrderIDCamel.String()
}

func (r orderStatusRecord) at() time.Time {
	if !r.Timestamp.IsZero() {
		return r.Timestamp.Time()
	}
	return r.Time.Time()
}

type tradeRecord struct {
	ID           flexString      `json:"id"`
	OrderID      flexString      `json:"orderId"`
	OrderIDSnake flexString      `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Time         tegroTime       `json:"time"`
	Timestamp    tegroTime       `json:"timestamp"`
	Fee          decimal.Decimal `json:"fee"`
	TakerType    string          `json:"taker_type"`
}

func (r tradeRecord) orderID() string {
	if id := r.OrderID.String(); id != "" {
		return id
	}
	return r.OrderIDSnake.String()
}

func (r tradeRecord) at() time.Time {
	if !r.Time.IsZero() {
		return r.Time.Time()
	}
	return r.Timestamp.Time()
}

// statusPollingLoop runs the periodic trade, status and balance reconciliation.
func (e *Exchange) statusPollingLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Config.OrderStatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Exchange) pollOnce(ctx context.Context) {
	now := e.now()
	if e.tradesPollDue(now) {
		if err := e.updateOrderFillsFromTrades(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("tegro: trade history poll failed", observability.Err(err))
		}
	}
	e.updateOrderStatus(ctx)
	if err := e.updateBalances(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("tegro: balance update failed", observability.Err(err))
	}
	e.pruneKnownOrders(now)
	e.pollMu.Lock()
	e.lastPoll = now
	e.pollMu.Unlock()
}

// tradesPollDue polls on every long interval tick, and on every short tick while orders are in flight.
func (e *Exchange) tradesPollDue(now time.Time) bool {
	e.pollMu.Lock()
	last := e.lastPoll
	e.pollMu.Unlock()
	if last.IsZero() {
		return true
	}
	interval := e.opts.Config.LongPollInterval
	if len(e.tracker.FillableOrders()) > 0 {
		interval = e.opts.Config.ShortPollInterval
	}
	if interval <= 0 {
		return true
	}
	return now.UnixNano()/int64(interval) > last.UnixNano()/int64(interval)
}

// updateOrderStatus polls every acknowledged order concurrently.
func (e *Exchange) updateOrderStatus(ctx context.Context) {
	e.expireUnknownOrders(ctx)
	var orders []schema.InFlightOrder
	for _, order := range e.tracker.UpdatableOrders() {
		if order.HasExchangeID() {
			orders = append(orders, order)
		}
	}
	if len(orders) == 0 {
		return
	}
	mapper := iter.Mapper[schema.InFlightOrder, error]{MaxGoroutines: e.opts.Config.StatusConcurrency}
	results := mapper.Map(orders, func(order *schema.InFlightOrder) error {
		update, err := e.requestOrderStatus(ctx, *order)
		if err != nil {
			return err
		}
		e.resetNotFound(order.ClientOrderID)
		e.settleOrderUpdate(ctx, *order, update)
		return nil
	})
	for i, err := range results {
		if err == nil || ctx.Err() != nil {
			continue
		}
		e.handleStatusError(ctx, orders[i], err)
	}
}

func (e *Exchange) handleStatusError(ctx context.Context, order schema.InFlightOrder, err error) {
	if !IsOrderNotFoundDuringStatusUpdate(err) {
		e.logger.Warn("tegro: order status request failed",
			observability.F("client_order_id", order.ClientOrderID), observability.Err(err))
		return
	}
	e.ordersMu.Lock()
	e.notFound[order.ClientOrderID]++
	count := e.notFound[order.ClientOrderID]
	if count >= maxOrderNotFound {
		delete(e.notFound, order.ClientOrderID)
	}
	e.ordersMu.Unlock()

	e.logger.Debug("tegro: order not found during status update",
		observability.F("client_order_id", order.ClientOrderID), observability.F("attempt", count))
	if count < maxOrderNotFound {
		return
	}
	e.applyOrderUpdate(ctx, schema.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		TradingPair:     order.TradingPair,
		NewState:        schema.OrderStateFailed,
		Timestamp:       e.now(),
		Reason:          "order not found on exchange",
	})
}

// expireUnknownOrders fails orders whose placement reply was lost and that no stream event claimed in time.
func (e *Exchange) expireUnknownOrders(ctx context.Context) {
	now := e.now()
	for _, order := range e.tracker.FillableOrders() {
		if order.ExchangeOrderID != schema.UnknownExchangeOrderID || now.Sub(order.CreatedAt) < unknownOrderTimeout {
			continue
		}
		e.logger.Warn("tegro: giving up on order with unknown placement outcome",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("age", now.Sub(order.CreatedAt).String()))
		e.metrics.recordRejected(ctx, order, unknownOutcomeReason)
		e.applyOrderUpdate(ctx, schema.OrderUpdate{
			ClientOrderID: order.ClientOrderID,
			TradingPair:   order.TradingPair,
			NewState:      schema.OrderStateFailed,
			Timestamp:     now,
			Reason:        unknownOutcomeReason,
		})
	}
}

// settleOrderUpdate applies a venue state. A fill reported by state alone pulls the pair's trade
// history first, so the fill is applied under the venue trade id before the order leaves the tracker.
func (e *Exchange) settleOrderUpdate(ctx context.Context, order schema.InFlightOrder, update schema.OrderUpdate) {
	if update.NewState == schema.OrderStateFilled && order.Remaining().IsPositive() {
		since := order.CreatedAt
		if !since.IsZero() {
			since = since.Add(-tradeLookback)
		}
		if err := e.fetchPairTrades(ctx, order.TradingPair, since); err != nil && ctx.Err() == nil {
			e.logger.Warn("tegro: trade fetch for filled order failed",
				observability.F("client_order_id", order.ClientOrderID), observability.Err(err))
		}
		if _, ok := e.tracker.Order(order.ClientOrderID); !ok {
			return
		}
	}
	e.applyOrderUpdate(ctx, update)
}

func (e *Exchange) resetNotFound(clientOrderID string) {
	e.ordersMu.Lock()
	delete(e.notFound, clientOrderID)
	e.ordersMu.Unlock()
}

func (e *Exchange) requestOrderStatus(ctx context.Context, order schema.InFlightOrder) (schema.OrderUpdate, error) {
	query := url.Values{}
	query.Set("order_id", order.ExchangeOrderID)
	path := pathUserOrders + "/" + e.opts.wallet()
	var records oneOrMany[orderStatusRecord]
	if err := e.rest.get(ctx, pathUserOrders, path, query, &records); err != nil {
		return schema.OrderUpdate{}, err
	}
	for _, rec := range records {
		if rec.orderID() != order.ExchangeOrderID {
			continue
		}
		ts := rec.at()
		if ts.IsZero() {
			ts = e.now()
		}
		return schema.OrderUpdate{
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ExchangeOrderID,
			TradingPair:     order.TradingPair,
			NewState:        mapOrderState(rec.Status),
			Timestamp:       ts,
		}, nil
	}
	return schema.OrderUpdate{}, errs.New(e.name, errs.CodeNotFound,
		errs.WithMessage("order "+order.ExchangeOrderID+" missing from status response"),
		errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
}

// updateOrderFillsFromTrades reconciles fills from the wallet trade history of every configured pair.
func (e *Exchange) updateOrderFillsFromTrades(ctx context.Context) error {
	e.pollMu.Lock()
	since := e.lastTradesPoll
	e.pollMu.Unlock()
	started := e.now()

	var failures []error
	for _, pair := range e.opts.Config.TradingPairs {
		if _, ok := e.symbols.market(pair); !ok {
			continue
		}
		if err := e.fetchPairTrades(ctx, pair, since); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", pair, err))
		}
	}
	if err := errors.Join(failures...); err != nil {
		return fmt.Errorf("tegro trade history poll: %w", err)
	}
	e.pollMu.Lock()
	e.lastTradesPoll = started
	e.pollMu.Unlock()
	return nil
}

// fetchPairTrades applies the wallet trades of pair newer than since; a zero since fetches the full history.
func (e *Exchange) fetchPairTrades(ctx context.Context, pair string, since time.Time) error {
	rec, ok := e.symbols.market(pair)
	if !ok {
		return e.invalidPair(pair)
	}
	query := url.Values{}
	query.Set("symbol", rec.Symbol)
	query.Set("chain_id", strconv.FormatInt(e.opts.chainID, 10))
	query.Set("market_id", rec.ID)
	if !since.IsZero() {
		query.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	path := pathUserTrades + "/" + e.opts.wallet()
	var trades oneOrMany[tradeRecord]
	if err := e.rest.get(ctx, pathUserTrades, path, query, &trades); err != nil {
		return err
	}
	for _, trade := range trades {
		e.applyTradeRecord(ctx, pair, trade)
	}
	return nil
}

func (e *Exchange) applyTradeRecord(ctx context.Context, pair string, rec tradeRecord) {
	tradeID := rec.ID.String()
	exchangeOrderID := rec.orderID()
	if tradeID == "" || exchangeOrderID == "" {
		return
	}
	ts := rec.at()
	if ts.IsZero() {
		ts = e.now()
	}
	trade := schema.TradeUpdate{
		TradeID:         tradeID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     pair,
		FillBase:        rec.Amount,
		FillQuote:       rec.Amount.Mul(rec.Price),
		FillPrice:       rec.Price,
		Fee:             schema.TradeFee{Token: baseAsset(pair), Amount: decimal.Zero},
		Timestamp:       ts,
	}

	if order, ok := e.tracker.OrderByExchangeID(exchangeOrderID); ok {
		trade.ClientOrderID = order.ClientOrderID
		trade.Side = order.Side
		e.applyTrade(ctx, trade)
		return
	}

	if e.tracker.SeenTrade(tradeID) {
		return
	}
	known, ok := e.resolveKnownOrder(ctx, exchangeOrderID)
	if !ok {
		return
	}
	if known.covered() {
		e.logger.Debug("tegro: order already fully filled; not recreating trade",
			observability.F("client_order_id", known.clientOrderID), observability.F("trade_id", tradeID))
		return
	}
	recorded, err := e.recorder.HasFill(ctx, tradeID)
	if err != nil {
		e.logger.Warn("tegro: fill lookup failed", observability.F("trade_id", tradeID), observability.Err(err))
		return
	}
	if recorded {
		return
	}
	trade.ClientOrderID = known.clientOrderID
	trade.Side = known.side
	e.logger.Info("tegro: recreating missing trade fill",
		observability.F("client_order_id", known.clientOrderID),
		observability.F("exchange_order_id", exchangeOrderID),
		observability.F("trade_id", tradeID),
		observability.F("amount", rec.Amount.String()),
		observability.F("price", rec.Price.String()))
	if !e.tracker.RecordRecreatedFill(trade) {
		return
	}
	e.noteFill(exchangeOrderID, trade.FillBase)
	if err := e.recorder.RecordFill(ctx, trade, true); err != nil {
		e.logger.Warn("tegro: record recreated fill failed", observability.F("trade_id", tradeID), observability.Err(err))
	}
	e.metrics.recordTradeUpdate(ctx, pair, true)
}

func baseAsset(pair string) string {
	base, _, _ := strings.Cut(pair, "-")
	return base
}
