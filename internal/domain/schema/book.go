package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookMessageType discriminates order book messages.
type OrderBookMessageType string

const (
	OrderBookSnapshot OrderBookMessageType = "SNAPSHOT"
	OrderBookDiff     OrderBookMessageType = "DIFF"
	OrderBookTrade    OrderBookMessageType = "TRADE"
)

// PriceLevel describes one side of the book at a single price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookMessage is a host-facing book snapshot, diff or public trade.
// Bids and Asks are set for snapshots and diffs; the trade fields for trades.
type OrderBookMessage struct {
	Type        OrderBookMessageType `json:"type"`
	TradingPair string               `json:"trading_pair"`
	UpdateID    int64                `json:"update_id"`
	Timestamp   time.Time            `json:"timestamp"`
	Bids        []PriceLevel         `json:"bids,omitempty"`
	Asks        []PriceLevel         `json:"asks,omitempty"`

	TradeID   string          `json:"trade_id,omitempty"`
	TradeSide TradeSide       `json:"trade_side,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
}
