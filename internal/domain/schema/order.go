package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide captures the direction of an order or fill.
type TradeSide string

const (
	// TradeSideBuy indicates buy side orders and fills.
	TradeSideBuy TradeSide = "BUY"
	// TradeSideSell indicates sell side orders and fills.
	TradeSideSell TradeSide = "SELL"
)

// ParseTradeSide normalises venue side strings such as "buy" or "Sell".
func ParseTradeSide(raw string) (TradeSide, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "bid":
		return TradeSideBuy, true
	case "sell", "ask":
		return TradeSideSell, true
	default:
		return "", false
	}
}

// OrderType enumerates order types understood by the connector.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeLimitMaker represents post-only limit orders.
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "MARKET"
)

// IsLimit reports whether the order type carries a price.
func (t OrderType) IsLimit() bool {
	return t == OrderTypeLimit || t == OrderTypeLimitMaker
}

// OrderState enumerates the lifecycle states of a tracked order.
type OrderState string

const (
	// OrderStateUnknown covers venue states the connector does not recognise.
	OrderStateUnknown         OrderState = "UNKNOWN"
	OrderStatePendingCreate   OrderState = "PENDING_CREATE"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCompleted       OrderState = "COMPLETED"
	OrderStatePendingCancel   OrderState = "PENDING_CANCEL"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether no further transitions may follow the state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCompleted, OrderStateCanceled, OrderStateFailed:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order still rests on the venue.
func (s OrderState) IsOpen() bool {
	switch s {
	case OrderStateOpen, OrderStatePartiallyFilled, OrderStatePendingCancel:
		return true
	default:
		return false
	}
}

// InFlightOrder is the locally tracked view of an order submitted to the venue.
type InFlightOrder struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	Side            TradeSide       `json:"side"`
	Type            OrderType       `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	ExecutedAmount  decimal.Decimal `json:"executed_amount"`
	State           OrderState      `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Remaining returns the amount still unfilled.
func (o InFlightOrder) Remaining() decimal.Decimal {
	left := o.Amount.Sub(o.ExecutedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// HasExchangeID reports whether the venue has acknowledged the order with a usable id.
func (o InFlightOrder) HasExchangeID() bool {
	id := strings.TrimSpace(o.ExchangeOrderID)
	return id != "" && id != UnknownExchangeOrderID
}

// UnknownExchangeOrderID marks orders whose placement outcome could not be confirmed.
const UnknownExchangeOrderID = "UNKNOWN"

// OrderUpdate is an immutable state transition for a tracked order.
type OrderUpdate struct {
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	TradingPair     string     `json:"trading_pair"`
	NewState        OrderState `json:"new_state"`
	Timestamp       time.Time  `json:"timestamp"`
	Reason          string     `json:"reason,omitempty"`
}

// TradeFee captures the fee charged on a fill.
type TradeFee struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeUpdate is an immutable fill against a tracked order.
type TradeUpdate struct {
	TradeID         string          `json:"trade_id"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TradingPair     string          `json:"trading_pair"`
	Side            TradeSide       `json:"side,omitempty"`
	FillBase        decimal.Decimal `json:"fill_base"`
	FillQuote       decimal.Decimal `json:"fill_quote"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	Fee             TradeFee        `json:"fee"`
	Timestamp       time.Time       `json:"timestamp"`
}

// CancellationResult reports the outcome of a single cancel attempt.
type CancellationResult struct {
	ClientOrderID string `json:"client_order_id"`
	Success       bool   `json:"success"`
}
