package tegro

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tegrolink/errs"
	"github.com/coachpo/tegrolink/internal/app/tracker"
	"github.com/coachpo/tegrolink/internal/domain/orderstore"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

// OrderTracker is the in-flight order bookkeeping the exchange reports into.
type OrderTracker interface {
	StartTracking(order schema.InFlightOrder)
	Order(clientOrderID string) (schema.InFlightOrder, bool)
	OrderByExchangeID(exchangeOrderID string) (schema.InFlightOrder, bool)
	FillableOrders() []schema.InFlightOrder
	UpdatableOrders() []schema.InFlightOrder
	ProcessOrderUpdate(update schema.OrderUpdate) bool
	ProcessTradeUpdate(trade schema.TradeUpdate) bool
	RecordRecreatedFill(trade schema.TradeUpdate) bool
	SeenTrade(tradeID string) bool
}

const knownOrderTTL = 24 * time.Hour

// knownOrder remembers an accepted order after the tracker drops it, so late trades can still be attributed.
type knownOrder struct {
	clientOrderID string
	tradingPair   string
	side          schema.TradeSide
	amount        decimal.Decimal
	executed      decimal.Decimal
	touched       time.Time
}

// covered reports whether the fills seen so far add up to the whole order.
func (k knownOrder) covered() bool {
	return k.amount.IsPositive() && k.executed.GreaterThanOrEqual(k.amount)
}

// Exchange is the Tegro connector facade used by the trading host.
type Exchange struct {
	opts     Options
	name     string
	signer   Signer
	auth     *Authenticator
	rest     *restClient
	symbols  *SymbolMap
	tracker  OrderTracker
	recorder orderstore.Recorder
	logger   observability.Logger
	metrics  *exchangeMetrics
	clock    func() time.Time
	ids      *orderIDGenerator

	market *MarketDataSource
	user   *UserStreamDataSource

	rulesMu sync.RWMutex
	rules   map[string]schema.TradingRule

	balanceMu sync.RWMutex
	balances  map[string]schema.Balance

	ordersMu    sync.Mutex
	notFound    map[string]int
	knownOrders map[string]knownOrder

	pollMu         sync.Mutex
	lastPoll       time.Time
	lastTradesPoll time.Time

	unknownUserFrames atomic.Uint64

	started atomic.Bool
	runMu   sync.RWMutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// NewExchange validates the options and wires the REST client, streams and tracker.
func NewExchange(opts Options) (*Exchange, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}
	if opts.Signer == nil && strings.TrimSpace(opts.Config.PrivateKey) != "" {
		signer, err := NewKeySigner(opts.Config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("tegro: load private key: %w", err)
		}
		opts.Signer = signer
	}
	if opts.Signer != nil && !strings.EqualFold(opts.Signer.Address().Hex(), opts.wallet()) {
		opts.Logger.Warn("tegro: signing key does not match wallet address",
			observability.F("wallet", opts.wallet()), observability.F("signer", opts.Signer.Address().Hex()))
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.New(tracker.WithLogger(opts.Logger))
	}

	e := &Exchange{
		opts:        opts,
		name:        opts.Config.Name,
		signer:      opts.Signer,
		symbols:     NewSymbolMap(),
		tracker:     opts.Tracker,
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		clock:       time.Now,
		rules:       make(map[string]schema.TradingRule),
		balances:    make(map[string]schema.Balance),
		notFound:    make(map[string]int),
		knownOrders: make(map[string]knownOrder),
		runCtx:      context.Background(),
	}
	e.ids = newOrderIDGenerator(e.now)
	e.metrics = newExchangeMetrics(e.name, opts.Config.Chain, e.Balances)
	e.auth = NewAuthenticator(opts.Signer, opts.wallet())
	e.rest = newRESTClient(opts, e.auth, e.metrics)
	e.market = newMarketDataSource(opts, e.rest, e.symbols, e.refreshMarkets, e.auth, e.metrics)
	e.user = newUserStreamDataSource(opts, e.auth, e.metrics)
	return e, nil
}

// Name returns the configured connector name.
func (e *Exchange) Name() string { return e.name }

// ChainID returns the numeric chain id orders are signed for.
func (e *Exchange) ChainID() int64 { return e.opts.chainID }

// Market exposes the public market data source.
func (e *Exchange) Market() *MarketDataSource { return e.market }

// UserStream exposes the wallet stream data source.
func (e *Exchange) UserStream() *UserStreamDataSource { return e.user }

// Symbols exposes the trading pair symbol map.
func (e *Exchange) Symbols() *SymbolMap { return e.symbols }

// Start loads markets and launches the streams and polling loops.
func (e *Exchange) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("tegro exchange requires context")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("tegro exchange already started")
	}
	if err := e.refreshMarkets(ctx); err != nil {
		e.started.Store(false)
		return fmt.Errorf("initialize symbol map: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runMu.Lock()
	e.runCtx = runCtx
	e.cancel = cancel
	e.runMu.Unlock()

	if err := e.updateBalances(runCtx); err != nil {
		e.logger.Warn("tegro: initial balance update failed", observability.Err(err))
	}

	e.goLoop(runCtx, "market stream", e.market.Run)
	e.goLoop(runCtx, "order book snapshots", e.market.ListenForOrderBookSnapshots)
	e.goLoop(runCtx, "user stream", e.user.Run)
	e.goLoop(runCtx, "user stream listener", e.userStreamEventListener)
	e.goLoop(runCtx, "status polling", e.statusPollingLoop)
	e.goLoop(runCtx, "trading rules", e.tradingRulesLoop)

	e.logger.Info("tegro: exchange started",
		observability.F("domain", e.opts.Config.Domain),
		observability.F("chain", e.opts.Config.Chain),
		observability.F("pairs", strings.Join(e.opts.Config.TradingPairs, ",")))
	return nil
}

// Stop cancels every background loop and waits for them to return.
func (e *Exchange) Stop() {
	e.runMu.RLock()
	cancel := e.cancel
	e.runMu.RUnlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Exchange) goLoop(ctx context.Context, name string, loop func(context.Context) error) {
	e.wg.Go(func() {
		if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("tegro: background loop stopped", observability.F("loop", name), observability.Err(err))
		}
	})
}

func (e *Exchange) context() context.Context {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	return e.runCtx
}

func (e *Exchange) now() time.Time {
	return e.clock().UTC()
}

// marketListQuery filters market/list to verified markets of the configured chain.
func (e *Exchange) marketListQuery() url.Values {
	query := url.Values{}
	query.Set("chain_id", strconv.FormatInt(e.opts.chainID, 10))
	query.Set("verified", "true")
	return query
}

func (e *Exchange) fetchMarkets(ctx context.Context) ([]marketRecord, error) {
	var markets oneOrMany[marketRecord]
	if err := e.rest.get(ctx, pathMarketList, pathMarketList, e.marketListQuery(), &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// refreshMarkets rebuilds the symbol map and trading rules from market/list.
func (e *Exchange) refreshMarkets(ctx context.Context) error {
	markets, err := e.fetchMarkets(ctx)
	if err != nil {
		return err
	}
	e.symbols.replace(markets)
	rules := tradingRulesFrom(markets, e.logger)
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()
	return nil
}

func (e *Exchange) tradingRulesLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Config.TradingRulesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.refreshMarkets(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("tegro: trading rules refresh failed", observability.Err(err))
			}
		}
	}
}

// TradingRule returns the current rule for pair.
func (e *Exchange) TradingRule(pair string) (schema.TradingRule, bool) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	rule, ok := e.rules[strings.ToUpper(strings.TrimSpace(pair))]
	return rule, ok
}

// TradingRules returns every trading rule sorted by pair.
func (e *Exchange) TradingRules() []schema.TradingRule {
	e.rulesMu.RLock()
	out := make([]schema.TradingRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	e.rulesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}

// SupportedOrderTypes lists the order types Tegro accepts.
func (e *Exchange) SupportedOrderTypes() []schema.OrderType {
	return []schema.OrderType{schema.OrderTypeLimit, schema.OrderTypeLimitMaker}
}

func (e *Exchange) supportsOrderType(orderType schema.OrderType) bool {
	for _, supported := range e.SupportedOrderTypes() {
		if supported == orderType {
			return true
		}
	}
	return false
}

// RateLimits reports the REST throttles.
func (e *Exchange) RateLimits() []RateLimit {
	return e.rest.rateLimits()
}

// GetAllPairsPrices returns the ticker price of every verified market.
func (e *Exchange) GetAllPairsPrices(ctx context.Context) ([]schema.PairPrice, error) {
	markets, err := e.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.PairPrice, 0, len(markets))
	for _, rec := range markets {
		if !rec.verified() {
			continue
		}
		pair, ok := rec.tradingPair()
		if !ok {
			continue
		}
		out = append(out, schema.PairPrice{Symbol: pair, Price: rec.Ticker.Price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetLastTradedPrices returns the ticker price for each pair.
func (e *Exchange) GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	return e.market.GetLastTradedPrices(ctx, pairs)
}

// GetOpenOrders returns tracked orders still resting on the book.
func (e *Exchange) GetOpenOrders() []schema.InFlightOrder {
	orders := e.tracker.FillableOrders()
	out := orders[:0]
	for _, order := range orders {
		if order.State.IsOpen() {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InFlightOrders returns every tracked order that can still change.
func (e *Exchange) InFlightOrders() []schema.InFlightOrder {
	return e.tracker.FillableOrders()
}

// Balances returns the last wallet balances sorted by asset.
func (e *Exchange) Balances() []schema.Balance {
	e.balanceMu.RLock()
	out := make([]schema.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	e.balanceMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

type balanceRecord struct {
	Symbol  string          `json:"symbol"`
	Balance decimal.Decimal `json:"balance"`
}

// updateBalances replaces the balance table with the wallet's current holdings.
func (e *Exchange) updateBalances(ctx context.Context) error {
	path := fmt.Sprintf("%s/%d/%s", pathBalances, e.opts.chainID, e.opts.wallet())
	var records oneOrMany[balanceRecord]
	if err := e.rest.get(ctx, pathBalances, path, nil, &records); err != nil {
		return err
	}
	next := make(map[string]schema.Balance, len(records))
	for _, rec := range records {
		asset := strings.TrimSpace(rec.Symbol)
		if asset == "" {
			continue
		}
		next[asset] = schema.Balance{Asset: asset, Total: rec.Balance, Available: rec.Balance}
	}
	e.balanceMu.Lock()
	e.balances = next
	e.balanceMu.Unlock()

	snapshot := e.Balances()
	if err := e.recorder.RecordBalances(ctx, snapshot); err != nil {
		e.logger.Warn("tegro: record balances failed", observability.Err(err))
	}
	return nil
}

func (e *Exchange) rememberOrder(exchangeOrderID string, order schema.InFlightOrder) {
	if exchangeOrderID == "" || exchangeOrderID == schema.UnknownExchangeOrderID {
		return
	}
	e.ordersMu.Lock()
	e.knownOrders[exchangeOrderID] = knownOrder{
		clientOrderID: order.ClientOrderID,
		tradingPair:   order.TradingPair,
		side:          order.Side,
		amount:        order.Amount,
		executed:      order.ExecutedAmount,
		touched:       e.now(),
	}
	e.ordersMu.Unlock()
}

func (e *Exchange) lookupKnownOrder(exchangeOrderID string) (knownOrder, bool) {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	known, ok := e.knownOrders[exchangeOrderID]
	return known, ok
}

// noteFill adds an applied fill to the remembered order.
func (e *Exchange) noteFill(exchangeOrderID string, base decimal.Decimal) {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	known, ok := e.knownOrders[exchangeOrderID]
	if !ok {
		return
	}
	known.executed = known.executed.Add(base)
	known.touched = e.now()
	e.knownOrders[exchangeOrderID] = known
}

// resolveKnownOrder checks memory first, then the recorder for orders placed by an earlier run.
func (e *Exchange) resolveKnownOrder(ctx context.Context, exchangeOrderID string) (knownOrder, bool) {
	if known, ok := e.lookupKnownOrder(exchangeOrderID); ok {
		return known, true
	}
	order, ok, err := e.recorder.OrderByExchangeID(ctx, exchangeOrderID)
	if err != nil {
		e.logger.Warn("tegro: recorded order lookup failed",
			observability.F("exchange_order_id", exchangeOrderID), observability.Err(err))
		return knownOrder{}, false
	}
	if !ok {
		return knownOrder{}, false
	}
	e.rememberOrder(exchangeOrderID, order)
	return e.lookupKnownOrder(exchangeOrderID)
}

// pruneKnownOrders forgets orders with no fill activity for knownOrderTTL.
func (e *Exchange) pruneKnownOrders(now time.Time) {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	for id, known := range e.knownOrders {
		if now.Sub(known.touched) > knownOrderTTL {
			delete(e.knownOrders, id)
		}
	}
}

func (e *Exchange) invalidPair(pair string) error {
	return errs.New(e.name, errs.CodeInvalid,
		errs.WithMessage("unknown trading pair "+pair),
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
}

// IsOrderNotFoundDuringStatusUpdate reports whether a status poll failed because the venue lost the order.
func IsOrderNotFoundDuringStatusUpdate(err error) bool {
	return errs.HasCanonical(err, errs.CanonicalOrderNotFound)
}

// IsOrderNotFoundDuringCancel reports whether a cancel failed because the venue does not know the order.
func IsOrderNotFoundDuringCancel(err error) bool {
	return isOrderNotFound(err)
}
