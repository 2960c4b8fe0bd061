package tegro

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

func TestNewExchangeValidatesOptions(t *testing.T) {
	_, err := NewExchange(Options{Config: Config{Domain: DomainMainnet}})
	require.Error(t, err)

	_, err = NewExchange(Options{Config: Config{Domain: DomainMainnet, Chain: "optimism", WalletAddress: testWallet}})
	require.Error(t, err)

	_, err = NewExchange(Options{Config: Config{WalletAddress: testWallet, PrivateKey: "zz"}})
	require.Error(t, err)

	e, err := NewExchange(Options{Config: Config{WalletAddress: testWallet}})
	require.NoError(t, err)
	require.Equal(t, DomainMainnet, e.Name())
	require.EqualValues(t, 8453, e.ChainID())
}

func TestExchangeTradingRulesAndOrderTypes(t *testing.T) {
	h := newHarness(t, nil)

	rules := h.exchange.TradingRules()
	require.Len(t, rules, 1)
	require.Equal(t, "WETH-USDT", rules[0].TradingPair)

	_, ok := h.exchange.TradingRule("btc-usdt")
	require.False(t, ok)

	require.Equal(t, []schema.OrderType{schema.OrderTypeLimit, schema.OrderTypeLimitMaker}, h.exchange.SupportedOrderTypes())
}

func TestExchangeRateLimitsLinkToGlobal(t *testing.T) {
	h := newHarness(t, nil)
	limits := h.exchange.RateLimits()
	require.Equal(t, limitGlobal, limits[0].LimitID)
	for _, limit := range limits[1:] {
		require.Equal(t, []string{limitGlobal}, limit.Linked, limit.LimitID)
	}
	require.Len(t, limits, len(restLimitIDs)+1)
}

func TestGetAllPairsPricesSkipsUnverified(t *testing.T) {
	h := newHarness(t, nil)
	prices, err := h.exchange.GetAllPairsPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Equal(t, "WETH-USDT", prices[0].Symbol)
	require.Equal(t, "2500", prices[0].Price.String())
}

func TestGetOpenOrdersFiltersPendingCreates(t *testing.T) {
	h := newHarness(t, nil)
	h.trackOpen(t, "HB0090", "0x90", "1")
	h.tracker.StartTracking(schema.InFlightOrder{
		ClientOrderID: "HB0091",
		TradingPair:   "WETH-USDT",
		Side:          schema.TradeSideSell,
		Type:          schema.OrderTypeLimit,
	})

	open := h.exchange.GetOpenOrders()
	require.Len(t, open, 1)
	require.Equal(t, "HB0090", open[0].ClientOrderID)
	require.Len(t, h.exchange.InFlightOrders(), 2)
}
