package tegro

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

type bookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// bookPayload matches both the REST depth reply ("Bids"/"Asks") and the diff body.
type bookPayload struct {
	Timestamp int64       `json:"timestamp"`
	Symbol    string      `json:"symbol"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

type diffFrame struct {
	Action string      `json:"action"`
	Data   bookPayload `json:"data"`
}

type tradePayload struct {
	ID         flexString      `json:"id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	TakerType  string          `json:"takerType"`
	TakerTypeS string          `json:"taker_type"`
	Time       tegroTime       `json:"time"`
}

type tradeFrame struct {
	Action string       `json:"action"`
	Data   tradePayload `json:"data"`
}

// SnapshotFrom converts a REST depth reply into a snapshot message.
// The update id is the payload timestamp.
func SnapshotFrom(raw []byte, ts time.Time, pair string) (schema.OrderBookMessage, error) {
	var payload bookPayload
	if err := decodeEnvelope(raw, &payload); err != nil {
		return schema.OrderBookMessage{}, fmt.Errorf("decode order book snapshot: %w", err)
	}
	return schema.OrderBookMessage{
		Type:        schema.OrderBookSnapshot,
		TradingPair: pair,
		UpdateID:    payload.Timestamp,
		Timestamp:   ts,
		Bids:        toPriceLevels(payload.Bids),
		Asks:        toPriceLevels(payload.Asks),
	}, nil
}

// DiffFrom converts an order_book_diff frame into a diff message.
// The update id is data.timestamp.
func DiffFrom(raw []byte, ts time.Time, pair string) (schema.OrderBookMessage, error) {
	var frame diffFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return schema.OrderBookMessage{}, fmt.Errorf("decode order book diff: %w", err)
	}
	if pair == "" {
		pair = pairFromSymbol(frame.Data.Symbol)
	}
	return schema.OrderBookMessage{
		Type:        schema.OrderBookDiff,
		TradingPair: pair,
		UpdateID:    frame.Data.Timestamp,
		Timestamp:   ts,
		Bids:        toPriceLevels(frame.Data.Bids),
		Asks:        toPriceLevels(frame.Data.Asks),
	}, nil
}

// TradeFrom converts a trade_updated frame into a trade message.
func TradeFrom(raw []byte, ts time.Time) (schema.OrderBookMessage, error) {
	var frame tradeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return schema.OrderBookMessage{}, fmt.Errorf("decode trade: %w", err)
	}
	data := frame.Data
	takerType := data.TakerType
	if strings.TrimSpace(takerType) == "" {
		takerType = data.TakerTypeS
	}
	side, ok := schema.ParseTradeSide(takerType)
	if !ok {
		return schema.OrderBookMessage{}, fmt.Errorf("decode trade: unknown taker type %q", takerType)
	}
	if !data.Time.IsZero() {
		ts = data.Time.Time()
	}
	return schema.OrderBookMessage{
		Type:        schema.OrderBookTrade,
		TradingPair: pairFromSymbol(data.Symbol),
		UpdateID:    ts.UnixMilli(),
		Timestamp:   ts,
		TradeID:     data.ID.String(),
		TradeSide:   side,
		Price:       data.Price,
		Amount:      data.Amount,
	}, nil
}

func toPriceLevels(levels []bookLevel) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		out = append(out, schema.PriceLevel{Price: level.Price, Quantity: level.Quantity})
	}
	return out
}

func pairFromSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "_", "-"))
}
