package tegro

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

const verifiedMarketState = "verified"

// maxAmountScale caps the base amount precision; tokens with 18 decimals still trade in 0.0001 steps.
const maxAmountScale = 4

type marketTicker struct {
	Price decimal.Decimal `json:"price"`
}

type marketRecord struct {
	ID                   string       `json:"id"`
	Symbol               string       `json:"symbol"`
	ChainID              int64        `json:"chain_id"`
	State                string       `json:"state"`
	BaseContractAddress  string       `json:"base_contract_address"`
	QuoteContractAddress string       `json:"quote_contract_address"`
	BaseSymbol           string       `json:"base_symbol"`
	QuoteSymbol          string       `json:"quote_symbol"`
	BaseDecimal          int32        `json:"base_decimal"`
	QuoteDecimal         int32        `json:"quote_decimal"`
	Ticker               marketTicker `json:"ticker"`
}

func (m marketRecord) verified() bool {
	return strings.EqualFold(strings.TrimSpace(m.State), verifiedMarketState)
}

// tradingPair converts "WETH_USDT" into "WETH-USDT".
func (m marketRecord) tradingPair() (string, bool) {
	base, quote, ok := strings.Cut(strings.TrimSpace(m.Symbol), "_")
	if !ok || base == "" || quote == "" {
		return "", false
	}
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote), true
}

// SymbolMap maps Tegro market symbols to host trading pairs and back.
type SymbolMap struct {
	mu      sync.RWMutex
	toPair  map[string]string
	toExch  map[string]string
	markets map[string]marketRecord
}

// NewSymbolMap returns an empty symbol map.
func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		toPair:  make(map[string]string),
		toExch:  make(map[string]string),
		markets: make(map[string]marketRecord),
	}
}

// replace rebuilds the map from verified market entries.
func (m *SymbolMap) replace(records []marketRecord) {
	toPair := make(map[string]string, len(records))
	toExch := make(map[string]string, len(records))
	markets := make(map[string]marketRecord, len(records))
	for _, rec := range records {
		if !rec.verified() {
			continue
		}
		pair, ok := rec.tradingPair()
		if !ok {
			continue
		}
		symbol := strings.TrimSpace(rec.Symbol)
		toPair[symbol] = pair
		toExch[pair] = symbol
		markets[pair] = rec
	}
	m.mu.Lock()
	m.toPair = toPair
	m.toExch = toExch
	m.markets = markets
	m.mu.Unlock()
}

// PairFor returns the trading pair for an exchange symbol.
func (m *SymbolMap) PairFor(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pair, ok := m.toPair[strings.TrimSpace(symbol)]
	return pair, ok
}

// SymbolFor returns the exchange symbol for a trading pair.
func (m *SymbolMap) SymbolFor(pair string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	symbol, ok := m.toExch[strings.ToUpper(strings.TrimSpace(pair))]
	return symbol, ok
}

func (m *SymbolMap) market(pair string) (marketRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.markets[strings.ToUpper(strings.TrimSpace(pair))]
	return rec, ok
}

// PairForMarketID returns the trading pair of a venue market id such as "84532_<base>_<quote>".
func (m *SymbolMap) PairForMarketID(marketID string) (string, bool) {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for pair, rec := range m.markets {
		if strings.EqualFold(rec.ID, marketID) {
			return pair, true
		}
	}
	return "", false
}

// tradingRulesFrom derives trading rules from market entries, skipping the ones it cannot parse.
func tradingRulesFrom(records []marketRecord, logger observability.Logger) map[string]schema.TradingRule {
	logger = observability.OrNop(logger)
	rules := make(map[string]schema.TradingRule, len(records))
	for _, rec := range records {
		if !rec.verified() {
			continue
		}
		pair, ok := rec.tradingPair()
		if !ok {
			logger.Warn("tegro: skipping market with malformed symbol", observability.F("symbol", rec.Symbol))
			continue
		}
		if rec.QuoteDecimal < 0 || rec.QuoteDecimal > 18 || rec.BaseDecimal < 0 || rec.BaseDecimal > 18 {
			logger.Warn("tegro: skipping market with invalid token decimals",
				observability.F("symbol", rec.Symbol),
				observability.F("base_decimal", rec.BaseDecimal),
				observability.F("quote_decimal", rec.QuoteDecimal))
			continue
		}
		amountStep := decimal.New(1, -min(rec.BaseDecimal, maxAmountScale))
		quoteUnit := decimal.New(1, -rec.QuoteDecimal)
		rules[pair] = schema.TradingRule{
			TradingPair:            pair,
			MinOrderSize:           amountStep,
			MinPriceIncrement:      quoteUnit,
			MinBaseAmountIncrement: amountStep,
			MinNotional:            quoteUnit,
		}
	}
	return rules
}
