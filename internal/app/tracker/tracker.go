// Package tracker keeps the in-memory book of in-flight orders and turns
// order and trade updates into host-visible events.
package tracker

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	defaultEventBuffer  = 256
	defaultTradeHistory = 4096
)

// Option customises a Tracker.
type Option func(*Tracker)

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.bufferSize = size
		}
	}
}

// WithTradeHistory bounds how many trade ids are remembered for deduplication.
func WithTradeHistory(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.maxTrades = size
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger observability.Logger) Option {
	return func(t *Tracker) {
		t.logger = observability.OrNop(logger)
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	orders     map[string]*schema.InFlightOrder
	byExchange map[string]string
	seenTrades map[string]struct{}
	tradeOrder []string
	maxTrades  int
	bufferSize int
	events     chan schema.Event
	closed     bool
	dropped    uint64
	logger     observability.Logger
	now        func() time.Time
}

// New constructs an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		orders:     make(map[string]*schema.InFlightOrder),
		byExchange: make(map[string]string),
		seenTrades: make(map[string]struct{}),
		maxTrades:  defaultTradeHistory,
		bufferSize: defaultEventBuffer,
		logger:     observability.OrNop(nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.events = make(chan schema.Event, t.bufferSize)
	return t
}

// Events exposes the event stream. The channel is closed by Stop.
func (t *Tracker) Events() <-chan schema.Event {
	return t.events
}

// Dropped reports how many events were discarded because the consumer lagged.
func (t *Tracker) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// StartTracking registers a new order. Re-registering a client id is ignored.
func (t *Tracker) StartTracking(order schema.InFlightOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[order.ClientOrderID]; exists {
		return
	}
	if order.State == "" {
		order.State = schema.OrderStatePendingCreate
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now()
	}
	order.UpdatedAt = order.CreatedAt
	tracked := order
	t.orders[order.ClientOrderID] = &tracked
	if tracked.HasExchangeID() {
		t.byExchange[tracked.ExchangeOrderID] = tracked.ClientOrderID
	}
}

// Order returns a copy of the tracked order.
func (t *Tracker) Order(clientOrderID string) (schema.InFlightOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[clientOrderID]
	if !ok {
		return schema.InFlightOrder{}, false
	}
	return *order, true
}

// OrderByExchangeID resolves a tracked order from the venue id.
func (t *Tracker) OrderByExchangeID(exchangeOrderID string) (schema.InFlightOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order := t.lookupLocked("", exchangeOrderID)
	if order == nil {
		return schema.InFlightOrder{}, false
	}
	return *order, true
}

// FillableOrders returns every tracked order that can still receive fills.
func (t *Tracker) FillableOrders() []schema.InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.InFlightOrder, 0, len(t.orders))
	for _, order := range t.orders {
		if order.State.IsTerminal() {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// UpdatableOrders returns tracked orders the venue has acknowledged with an id.
func (t *Tracker) UpdatableOrders() []schema.InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.InFlightOrder, 0, len(t.orders))
	for _, order := range t.orders {
		if order.State.IsTerminal() || strings.TrimSpace(order.ExchangeOrderID) == "" {
			continue
		}
		out = append(out, *order)
	}
	return out
}

// ProcessOrderUpdate applies a state transition. It returns false when the
// order is not tracked or the update carries nothing new.
func (t *Tracker) ProcessOrderUpdate(update schema.OrderUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	order := t.lookupLocked(update.ClientOrderID, update.ExchangeOrderID)
	if order == nil {
		return false
	}
	if update.NewState == schema.OrderStateUnknown || update.NewState == "" {
		t.logger.Debug("ignoring unrecognised order state",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("state", string(update.NewState)))
		return false
	}

	previousState := order.State
	idChanged := t.assignExchangeIDLocked(order, update.ExchangeOrderID)
	if previousState == update.NewState && !idChanged {
		return false
	}

	order.State = update.NewState
	order.UpdatedAt = t.stamp(update.Timestamp)
	if update.ClientOrderID == "" {
		update.ClientOrderID = order.ClientOrderID
	}
	if update.ExchangeOrderID == "" {
		update.ExchangeOrderID = order.ExchangeOrderID
	}
	if update.TradingPair == "" {
		update.TradingPair = order.TradingPair
	}

	evtType, emit := schema.EventTypeForState(update.NewState)
	if update.NewState == schema.OrderStateOpen && previousState != schema.OrderStatePendingCreate {
		emit = false
	}
	if emit {
		u := update
		t.emitLocked(schema.Event{Type: evtType, Order: &u, Snapshot: *order, Timestamp: order.UpdatedAt})
	}
	if order.State.IsTerminal() {
		t.removeLocked(order)
	}
	return true
}

// ProcessTradeUpdate applies a fill. It returns false for duplicate trade ids
// and for fills whose order is not tracked.
func (t *Tracker) ProcessTradeUpdate(trade schema.TradeUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, seen := t.seenTrades[trade.TradeID]; seen {
		return false
	}
	order := t.lookupLocked(trade.ClientOrderID, trade.ExchangeOrderID)
	if order == nil {
		return false
	}
	t.rememberTradeLocked(trade.TradeID)
	t.assignExchangeIDLocked(order, trade.ExchangeOrderID)

	if trade.ClientOrderID == "" {
		trade.ClientOrderID = order.ClientOrderID
	}
	if trade.TradingPair == "" {
		trade.TradingPair = order.TradingPair
	}
	if trade.Side == "" {
		trade.Side = order.Side
	}
	order.ExecutedAmount = order.ExecutedAmount.Add(trade.FillBase)
	order.UpdatedAt = t.stamp(trade.Timestamp)

	fill := trade
	t.emitLocked(schema.Event{Type: schema.EventTypeOrderFilled, Trade: &fill, Snapshot: *order, Timestamp: order.UpdatedAt})

	if order.Amount.IsPositive() && order.ExecutedAmount.GreaterThanOrEqual(order.Amount) {
		order.State = schema.OrderStateFilled
		done := schema.OrderUpdate{
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ExchangeOrderID,
			TradingPair:     order.TradingPair,
			NewState:        schema.OrderStateFilled,
			Timestamp:       order.UpdatedAt,
		}
		t.emitLocked(schema.Event{Type: schema.EventTypeOrderCompleted, Order: &done, Snapshot: *order, Timestamp: order.UpdatedAt})
		t.removeLocked(order)
		return true
	}
	if order.ExecutedAmount.GreaterThan(decimal.Zero) && !order.State.IsTerminal() &&
		order.State != schema.OrderStatePendingCancel {
		order.State = schema.OrderStatePartiallyFilled
	}
	return true
}

// RecordRecreatedFill publishes a fill for an order that is no longer tracked.
// It returns false when the trade id was already seen.
func (t *Tracker) RecordRecreatedFill(trade schema.TradeUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.seenTrades[trade.TradeID]; seen {
		return false
	}
	t.rememberTradeLocked(trade.TradeID)
	fill := trade
	t.emitLocked(schema.Event{
		Type:      schema.EventTypeFillRecreated,
		Trade:     &fill,
		Timestamp: t.stamp(trade.Timestamp),
	})
	return true
}

// SeenTrade reports whether a trade id has already been applied.
func (t *Tracker) SeenTrade(tradeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seenTrades[tradeID]
	return ok
}

// Stop closes the event channel. Later events are discarded.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

func (t *Tracker) lookupLocked(clientOrderID, exchangeOrderID string) *schema.InFlightOrder {
	if clientOrderID != "" {
		if order, ok := t.orders[clientOrderID]; ok {
			return order
		}
	}
	if exchangeOrderID != "" {
		if clientID, ok := t.byExchange[exchangeOrderID]; ok {
			return t.orders[clientID]
		}
	}
	return nil
}

func (t *Tracker) assignExchangeIDLocked(order *schema.InFlightOrder, exchangeOrderID string) bool {
	exchangeOrderID = strings.TrimSpace(exchangeOrderID)
	if exchangeOrderID == "" || exchangeOrderID == order.ExchangeOrderID {
		return false
	}
	if order.ExchangeOrderID != "" {
		delete(t.byExchange, order.ExchangeOrderID)
	}
	order.ExchangeOrderID = exchangeOrderID
	if order.HasExchangeID() {
		t.byExchange[exchangeOrderID] = order.ClientOrderID
	}
	return true
}

func (t *Tracker) removeLocked(order *schema.InFlightOrder) {
	delete(t.orders, order.ClientOrderID)
	if order.ExchangeOrderID != "" {
		delete(t.byExchange, order.ExchangeOrderID)
	}
}

func (t *Tracker) rememberTradeLocked(tradeID string) {
	if tradeID == "" {
		return
	}
	t.seenTrades[tradeID] = struct{}{}
	t.tradeOrder = append(t.tradeOrder, tradeID)
	if len(t.tradeOrder) > t.maxTrades {
		evicted := t.tradeOrder[0]
		t.tradeOrder = t.tradeOrder[1:]
		delete(t.seenTrades, evicted)
	}
}

func (t *Tracker) emitLocked(evt schema.Event) {
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
		return
	default:
	}
	select {
	case <-t.events:
		t.dropped++
		t.logger.Warn("tracker event buffer full; dropped oldest event", observability.F("type", string(evt.Type)))
	default:
	}
	select {
	case t.events <- evt:
	default:
		t.dropped++
	}
}

func (t *Tracker) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now()
	}
	return ts
}
