package schema

import "github.com/shopspring/decimal"

// TradingRule captures the venue limits for a trading pair.
type TradingRule struct {
	TradingPair            string          `json:"trading_pair"`
	MinOrderSize           decimal.Decimal `json:"min_order_size"`
	MinPriceIncrement      decimal.Decimal `json:"min_price_increment"`
	MinBaseAmountIncrement decimal.Decimal `json:"min_base_amount_increment"`
	MinNotional            decimal.Decimal `json:"min_notional"`
}

// QuantizeAmount rounds amount down to the base increment.
func (r TradingRule) QuantizeAmount(amount decimal.Decimal) decimal.Decimal {
	return quantizeDown(amount, r.MinBaseAmountIncrement)
}

// QuantizePrice rounds price down to the price increment.
func (r TradingRule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	return quantizeDown(price, r.MinPriceIncrement)
}

func quantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Balance is the wallet balance of a single asset.
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// PairPrice is the last traded price of a venue symbol.
type PairPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}
