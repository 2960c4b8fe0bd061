package tegro

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/errs"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

const streamMarket = "market"

// MarketDataSource streams public trades and book diffs and pulls REST snapshots.
type MarketDataSource struct {
	opts    Options
	rest    *restClient
	symbols *SymbolMap
	refresh func(ctx context.Context) error
	conn    *streamConn
	logger  observability.Logger
	metrics *exchangeMetrics
	clock   func() time.Time

	trades    chan schema.OrderBookMessage
	diffs     chan schema.OrderBookMessage
	snapshots chan schema.OrderBookMessage

	unknownFrames atomic.Uint64
	dropped       atomic.Uint64
}

func newMarketDataSource(opts Options, rest *restClient, symbols *SymbolMap, refresh func(context.Context) error, auth *Authenticator, metrics *exchangeMetrics) *MarketDataSource {
	m := &MarketDataSource{
		opts:      opts,
		rest:      rest,
		symbols:   symbols,
		refresh:   refresh,
		logger:    opts.Logger,
		metrics:   metrics,
		clock:     time.Now,
		trades:    make(chan schema.OrderBookMessage, defaultStreamBuffer),
		diffs:     make(chan schema.OrderBookMessage, defaultStreamBuffer),
		snapshots: make(chan schema.OrderBookMessage, defaultStreamBuffer),
	}
	m.conn = newStreamConn(streamMarket, opts.websocketURL(), m.channelIDs, m.handleFrame, auth, opts.Logger, metrics)
	return m
}

// Run keeps the market stream connected until ctx ends.
func (m *MarketDataSource) Run(ctx context.Context) error {
	return m.conn.run(ctx)
}

// State reports the market stream connection state.
func (m *MarketDataSource) State() ConnectionState { return m.conn.State() }

// Trades carries public trades.
func (m *MarketDataSource) Trades() <-chan schema.OrderBookMessage { return m.trades }

// Diffs carries order book diffs.
func (m *MarketDataSource) Diffs() <-chan schema.OrderBookMessage { return m.diffs }

// Snapshots carries periodic REST snapshots.
func (m *MarketDataSource) Snapshots() <-chan schema.OrderBookMessage { return m.snapshots }

// Dropped counts queued messages evicted because no consumer kept up.
func (m *MarketDataSource) Dropped() uint64 { return m.dropped.Load() }

// UnknownFrames counts frames dropped because their action was not recognised.
func (m *MarketDataSource) UnknownFrames() uint64 { return m.unknownFrames.Load() }

// channelIDs refreshes the market list and maps each configured pair to <chainId>/<base token address>.
func (m *MarketDataSource) channelIDs(ctx context.Context) ([]string, error) {
	if m.refresh != nil {
		if err := m.refresh(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(m.opts.Config.TradingPairs))
	for _, pair := range m.opts.Config.TradingPairs {
		rec, ok := m.symbols.market(pair)
		if !ok {
			m.logger.Warn("tegro: no verified market for trading pair", observability.F("pair", pair))
			continue
		}
		chainID := rec.ChainID
		if chainID == 0 {
			chainID = m.opts.chainID
		}
		out = append(out, strconv.FormatInt(chainID, 10)+"/"+strings.ToLower(rec.BaseContractAddress))
	}
	return out, nil
}

func (m *MarketDataSource) handleFrame(ctx context.Context, raw []byte) error {
	frame, err := decodeFrame(raw)
	if err != nil {
		return fmt.Errorf("decode market frame: %w", err)
	}
	m.metrics.recordFrame(ctx, streamMarket, frame.Action)

	switch frame.Action {
	case actionTradeUpdated:
		msg, err := TradeFrom(raw, m.clock().UTC())
		if err != nil {
			return err
		}
		msg.TradingPair = m.resolvePair(msg.TradingPair)
		m.publish(m.trades, msg)
		return nil
	case actionOrderBookDiff:
		msg, err := DiffFrom(raw, m.clock().UTC(), "")
		if err != nil {
			return err
		}
		msg.TradingPair = m.resolvePair(msg.TradingPair)
		m.publish(m.diffs, msg)
		return nil
	case actionSubscribe:
		return nil
	default:
		m.unknownFrames.Add(1)
		m.logger.Debug("tegro: dropping unrecognised market frame", observability.F("action", frame.RawAction))
		return nil
	}
}

// publish never blocks the read loop: a full queue loses its oldest message.
func (m *MarketDataSource) publish(ch chan schema.OrderBookMessage, msg schema.OrderBookMessage) {
	if !offer(ch, msg) {
		return
	}
	if m.dropped.Add(1) == 1 {
		m.logger.Warn("tegro: market data queue full; dropping oldest messages", observability.F("type", string(msg.Type)))
	}
}

// resolvePair prefers the symbol map over the plain underscore conversion.
func (m *MarketDataSource) resolvePair(converted string) string {
	if pair, ok := m.symbols.PairFor(strings.ReplaceAll(converted, "-", "_")); ok {
		return pair
	}
	return converted
}

// GetNewOrderBook fetches a fresh REST snapshot for pair.
func (m *MarketDataSource) GetNewOrderBook(ctx context.Context, pair string) (schema.OrderBookMessage, error) {
	rec, ok := m.symbols.market(pair)
	if !ok {
		return schema.OrderBookMessage{}, errs.New(m.opts.Config.Name, errs.CodeInvalid,
			errs.WithMessage("unknown trading pair "+pair), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	query := url.Values{}
	query.Set("market_symbol", rec.Symbol)
	query.Set("chain_id", strconv.FormatInt(m.opts.chainID, 10))
	query.Set("market_id", rec.ID)

	var raw json.RawMessage
	if err := m.rest.get(ctx, pathDepth, pathDepth, query, &raw); err != nil {
		return schema.OrderBookMessage{}, err
	}
	return SnapshotFrom(raw, m.clock().UTC(), pair)
}

// ListenForOrderBookSnapshots publishes a snapshot per pair now and then on every interval.
func (m *MarketDataSource) ListenForOrderBookSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Config.SnapshotInterval)
	defer ticker.Stop()
	for {
		for _, pair := range m.opts.Config.TradingPairs {
			msg, err := m.GetNewOrderBook(ctx, pair)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("tegro: order book snapshot failed", observability.F("pair", pair), observability.Err(err))
				continue
			}
			m.publish(m.snapshots, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetLastTradedPrices returns the ticker price for each pair.
func (m *MarketDataSource) GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		symbol, ok := m.symbols.SymbolFor(pair)
		if !ok {
			return nil, errs.New(m.opts.Config.Name, errs.CodeInvalid,
				errs.WithMessage("unknown trading pair "+pair), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
		query := url.Values{}
		query.Set("symbol", symbol)
		query.Set("chain_id", strconv.FormatInt(m.opts.chainID, 10))
		var rec marketRecord
		if err := m.rest.get(ctx, pathMarket, pathMarket, query, &rec); err != nil {
			return nil, err
		}
		out[pair] = rec.Ticker.Price
	}
	return out, nil
}

// offer queues v without blocking and reports whether an older value was evicted to make room.
func offer[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return true
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
