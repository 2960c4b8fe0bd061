package tegro

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tegrolink/internal/app/tracker"
	"github.com/coachpo/tegrolink/internal/domain/schema"
)

const (
	testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testWallet     = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	testBaseToken  = "0x6464e14854d58feb60e130873329d77fcd2d8eb7"
	testQuoteToken = "0xe5ae73187d0fed71bda83089488736cadcbf072d"
	testMarketID   = "84532_0x6464e14854d58feb60e130873329d77fcd2d8eb7_0xe5ae73187d0fed71bda83089488736cadcbf072d"
)

const marketListBody = `{"data":[
	{"id":"84532_0x6464e14854d58feb60e130873329d77fcd2d8eb7_0xe5ae73187d0fed71bda83089488736cadcbf072d",
	 "base_contract_address":"0x6464e14854d58feb60e130873329d77fcd2d8eb7",
	 "quote_contract_address":"0xe5ae73187d0fed71bda83089488736cadcbf072d",
	 "chain_id":84532,"symbol":"WETH_USDT","state":"verified",
	 "base_symbol":"WETH","quote_symbol":"USDT","base_decimal":18,"quote_decimal":6,
	 "ticker":{"price":2500}},
	{"id":"84532_btc_usdt","base_contract_address":"0x01","quote_contract_address":"0x02",
	 "chain_id":84532,"symbol":"BTC_USDT","state":"unverified",
	 "base_symbol":"BTC","quote_symbol":"USDT","base_decimal":8,"quote_decimal":6,
	 "ticker":{"price":60000}}
]}`

const typedDataBody = `{"message":"success","data":{
	"limit_order":{
		"chain_id":84532,
		"base_asset":"0x6464e14854d58feb60e130873329d77fcd2d8eb7",
		"quote_asset":"0xe5ae73187d0fed71bda83089488736cadcbf072d",
		"side":0,
		"volume_precision":"100000000000000000",
		"price_precision":"2500000000",
		"raw_order_data":"{\"baseToken\":\"0x6464e14854d58feb60e130873329d77fcd2d8eb7\",\"quoteToken\":\"0xe5ae73187d0fed71bda83089488736cadcbf072d\",\"price\":2500000000,\"totalQuantity\":\"100000000000000000\",\"isBuy\":true,\"salt\":277028180,\"maker\":\"0x2c7536E3605D9C16a7a3D7b1898e529396a65c23\"}",
		"signed_order_type":"tegro",
		"market_id":"84532_0x6464e14854d58feb60e130873329d77fcd2d8eb7_0xe5ae73187d0fed71bda83089488736cadcbf072d"
	},
	"sign_data":{
		"types":{"Order":[
			{"name":"baseToken","type":"address"},
			{"name":"quoteToken","type":"address"},
			{"name":"price","type":"uint256"},
			{"name":"totalQuantity","type":"uint256"},
			{"name":"isBuy","type":"bool"},
			{"name":"salt","type":"uint256"},
			{"name":"maker","type":"address"}
		]},
		"primaryType":"Order",
		"domain":{"name":"TegroDEX","version":"1","chainId":84532,"verifyingContract":"0xa492c74aac592f7951d98000a602a22157019563"}
	}
}}`

type recordedFill struct {
	fill      schema.TradeUpdate
	recreated bool
}

type memRecorder struct {
	mu       sync.Mutex
	orders   []schema.InFlightOrder
	updates  []schema.OrderUpdate
	fills    []recordedFill
	balances []schema.Balance
	history  map[string]schema.InFlightOrder
}

func (r *memRecorder) RecordOrder(_ context.Context, order schema.InFlightOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
	return nil
}

func (r *memRecorder) RecordOrderUpdate(_ context.Context, update schema.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *memRecorder) RecordFill(_ context.Context, fill schema.TradeUpdate, recreated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, recordedFill{fill: fill, recreated: recreated})
	return nil
}

func (r *memRecorder) HasFill(_ context.Context, tradeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.fills {
		if f.fill.TradeID == tradeID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRecorder) RecordBalances(_ context.Context, balances []schema.Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances = balances
	return nil
}

func (r *memRecorder) OrderByExchangeID(_ context.Context, exchangeOrderID string) (schema.InFlightOrder, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.history[exchangeOrderID]
	return order, ok, nil
}

func (r *memRecorder) recordedFills() []recordedFill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFill(nil), r.fills...)
}

type harness struct {
	exchange *Exchange
	tracker  *tracker.Tracker
	recorder *memRecorder
	server   *httptest.Server
}

// newHarness serves market/list from the fixture and routes everything else to mux.
func newHarness(t *testing.T, mux *http.ServeMux) *harness {
	t.Helper()
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("/market/list", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(marketListBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tr := tracker.New(tracker.WithEventBuffer(64))
	rec := &memRecorder{}
	e, err := NewExchange(Options{
		Config: Config{
			Domain:        DomainTestnet,
			Chain:         "base",
			WalletAddress: testWallet,
			PrivateKey:    testPrivateKey,
			TradingPairs:  []string{"WETH-USDT"},
			RESTBaseURL:   srv.URL,
			WebsocketURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		},
		Tracker:  tr,
		Recorder: rec,
	})
	require.NoError(t, err)
	require.NoError(t, e.refreshMarkets(context.Background()))
	return &harness{exchange: e, tracker: tr, recorder: rec, server: srv}
}

func (h *harness) trackOpen(t *testing.T, clientID, exchangeID string, amount string) schema.InFlightOrder {
	t.Helper()
	order := schema.InFlightOrder{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     "WETH-USDT",
		Side:            schema.TradeSideBuy,
		Type:            schema.OrderTypeLimit,
		Price:           mustDecimal(t, "2500"),
		Amount:          mustDecimal(t, amount),
		State:           schema.OrderStateOpen,
	}
	h.tracker.StartTracking(order)
	return order
}

func filledBase(events []schema.Event) decimal.Decimal {
	total := decimal.Zero
	for _, evt := range events {
		if evt.Trade != nil {
			total = total.Add(evt.Trade.FillBase)
		}
	}
	return total
}

func drainEvents(tr *tracker.Tracker) []schema.Event {
	var out []schema.Event
	for {
		select {
		case evt := <-tr.Events():
			out = append(out, evt)
		case <-time.After(20 * time.Millisecond):
			return out
		}
	}
}

func eventTypes(events []schema.Event) []schema.EventType {
	out := make([]schema.EventType, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func mustDecimal(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}
