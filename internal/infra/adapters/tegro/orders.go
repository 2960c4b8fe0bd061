package tegro

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/errs"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	sideBuy  = "buy"
	sideSell = "sell"
)

type generateRequest struct {
	MarketSymbol  string `json:"market_symbol"`
	ChainID       int64  `json:"chain_id"`
	WalletAddress string `json:"wallet_address"`
	Side          string `json:"side"`
	Amount        string `json:"amount"`
	Price         string `json:"price,omitempty"`
}

type signData struct {
	Domain      apitypes.TypedDataDomain   `json:"domain"`
	Types       map[string][]apitypes.Type `json:"types"`
	PrimaryType string                     `json:"primaryType"`
}

type limitOrderData struct {
	RawOrderData    string          `json:"raw_order_data"`
	Side            json.RawMessage `json:"side"`
	VolumePrecision json.RawMessage `json:"volume_precision"`
	PricePrecision  json.RawMessage `json:"price_precision"`
	MarketID        string          `json:"market_id"`
	SignedOrderType string          `json:"signed_order_type"`
}

type typedDataResponse struct {
	SignData   signData       `json:"sign_data"`
	LimitOrder limitOrderData `json:"limit_order"`
}

type placeOrderRequest struct {
	MarketSymbol    string          `json:"market_symbol"`
	ChainID         int64           `json:"chain_id"`
	WalletAddress   string          `json:"wallet_address"`
	Side            json.RawMessage `json:"side,omitempty"`
	VolumePrecision json.RawMessage `json:"volume_precision,omitempty"`
	PricePrecision  json.RawMessage `json:"price_precision,omitempty"`
	RawOrderData    string          `json:"raw_order_data"`
	MarketID        string          `json:"market_id"`
	SignedOrderType string          `json:"signed_order_type"`
	Signature       string          `json:"signature"`
}

type placeOrderResponse struct {
	OrderID      flexString `json:"orderId"`
	OrderIDSnake flexString `json:"order_id"`
	ID           flexString `json:"id"`
	Status       string     `json:"status"`
	Time         tegroTime  `json:"time"`
}

func (r placeOrderResponse) orderID() string {
	for _, candidate := range []flexString{r.OrderID, r.OrderIDSnake, r.ID} {
		if id := strings.TrimSpace(candidate.String()); id != "" {
			return id
		}
	}
	return ""
}

type cancelRequest struct {
	ChainID       int64  `json:"chain_id"`
	WalletAddress string `json:"wallet_address"`
	OrderID       string `json:"order_id,omitempty"`
}

type cancelRecord struct {
	ID                flexString            `json:"id"`
	OrderID           flexString            `json:"orderId"`
	OrderIDSnake      flexString            `json:"order_id"`
	CancelledOrderIDs oneOrMany[flexString] `json:"cancelled_order_ids"`
}

func (r cancelRecord) matches(exchangeOrderID string) bool {
	for _, candidate := range []flexString{r.ID, r.OrderID, r.OrderIDSnake} {
		if candidate.String() == exchangeOrderID {
			return true
		}
	}
	for _, candidate := range r.CancelledOrderIDs {
		if candidate.String() == exchangeOrderID {
			return true
		}
	}
	return false
}

// Buy starts an asynchronous buy and returns its client order id.
func (e *Exchange) Buy(pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) string {
	return e.submit(schema.TradeSideBuy, pair, amount, orderType, price)
}

// Sell starts an asynchronous sell and returns its client order id.
func (e *Exchange) Sell(pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) string {
	return e.submit(schema.TradeSideSell, pair, amount, orderType, price)
}

func (e *Exchange) submit(side schema.TradeSide, pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) string {
	clientOrderID := e.ids.next(side)
	ctx := e.context()
	e.wg.Go(func() {
		e.createOrder(ctx, side, clientOrderID, pair, amount, orderType, price)
	})
	return clientOrderID
}

// createOrder quantizes, tracks, validates and places an order.
// Validation failures mark the order failed without calling the venue.
func (e *Exchange) createOrder(ctx context.Context, side schema.TradeSide, clientOrderID, pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	rule, hasRule := e.TradingRule(pair)

	if orderType.IsLimit() {
		orderType = schema.OrderTypeLimit
		price = rule.QuantizePrice(price)
	}
	quantized := rule.QuantizeAmount(amount)

	order := schema.InFlightOrder{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		Side:          side,
		Type:          orderType,
		Price:         price,
		Amount:        quantized,
		State:         schema.OrderStatePendingCreate,
		CreatedAt:     e.now(),
	}
	e.tracker.StartTracking(order)
	if err := e.recorder.RecordOrder(ctx, order); err != nil {
		e.logger.Warn("tegro: record order failed", observability.F("client_order_id", clientOrderID), observability.Err(err))
	}

	if !hasRule {
		e.failOrder(ctx, order, "unknown trading pair")
		return
	}
	if !e.supportsOrderType(orderType) {
		e.logger.Error("tegro: unsupported order type", observability.F("order_type", string(orderType)))
		e.failOrder(ctx, order, string(errs.CanonicalUnsupportedOrderType))
		return
	}
	if quantized.LessThan(rule.MinOrderSize) {
		e.logger.Warn("tegro: order amount below minimum order size",
			observability.F("client_order_id", clientOrderID),
			observability.F("amount", amount.String()),
			observability.F("min_order_size", rule.MinOrderSize.String()))
		e.failOrder(ctx, order, string(errs.CanonicalBelowMinSize))
		return
	}
	notional := e.notional(ctx, pair, price, quantized)
	if notional.LessThan(rule.MinNotional) {
		e.logger.Warn("tegro: order notional below minimum notional",
			observability.F("client_order_id", clientOrderID),
			observability.F("notional", notional.String()),
			observability.F("min_notional", rule.MinNotional.String()))
		e.failOrder(ctx, order, string(errs.CanonicalBelowMinNotional))
		return
	}

	exchangeOrderID, ts, err := e.placeOrder(ctx, order)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("tegro: order submission failed",
			observability.F("client_order_id", clientOrderID),
			observability.F("side", string(side)),
			observability.F("pair", pair),
			observability.F("amount", quantized.String()),
			observability.F("price", price.String()),
			observability.Err(err))
		e.failOrder(ctx, order, "submission failed")
		return
	}

	e.rememberOrder(exchangeOrderID, order)
	update := schema.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     pair,
		NewState:        schema.OrderStateOpen,
		Timestamp:       ts,
	}
	e.applyOrderUpdate(ctx, update)
	order.ExchangeOrderID = exchangeOrderID
	e.metrics.recordPlaced(ctx, order)
}

// notional prices the order, falling back to the last traded price when no price was given.
func (e *Exchange) notional(ctx context.Context, pair string, price, amount decimal.Decimal) decimal.Decimal {
	if price.IsPositive() {
		return price.Mul(amount)
	}
	prices, err := e.market.GetLastTradedPrices(ctx, []string{pair})
	if err != nil {
		e.logger.Warn("tegro: last traded price unavailable", observability.F("pair", pair), observability.Err(err))
		return decimal.Zero
	}
	return prices[pair].Mul(amount)
}

func (e *Exchange) failOrder(ctx context.Context, order schema.InFlightOrder, reason string) {
	e.metrics.recordRejected(ctx, order, reason)
	e.applyOrderUpdate(ctx, schema.OrderUpdate{
		ClientOrderID: order.ClientOrderID,
		TradingPair:   order.TradingPair,
		NewState:      schema.OrderStateFailed,
		Timestamp:     e.now(),
		Reason:        reason,
	})
}

// applyOrderUpdate forwards an update to the tracker and records it when it changed state.
func (e *Exchange) applyOrderUpdate(ctx context.Context, update schema.OrderUpdate) bool {
	if !e.tracker.ProcessOrderUpdate(update) {
		return false
	}
	if err := e.recorder.RecordOrderUpdate(ctx, update); err != nil {
		e.logger.Warn("tegro: record order update failed",
			observability.F("client_order_id", update.ClientOrderID), observability.Err(err))
	}
	return true
}

// placeOrder requests typed data, signs it and submits the order.
// The venue's generic 503 reply yields the UNKNOWN exchange id instead of an error.
func (e *Exchange) placeOrder(ctx context.Context, order schema.InFlightOrder) (string, time.Time, error) {
	symbol, ok := e.symbols.SymbolFor(order.TradingPair)
	if !ok {
		return "", time.Time{}, e.invalidPair(order.TradingPair)
	}
	side := sideBuy
	if order.Side == schema.TradeSideSell {
		side = sideSell
	}
	gen := generateRequest{
		MarketSymbol:  symbol,
		ChainID:       e.opts.chainID,
		WalletAddress: e.opts.wallet(),
		Side:          side,
		Amount:        order.Amount.String(),
	}
	if order.Type.IsLimit() {
		gen.Price = order.Price.String()
	}

	var typed typedDataResponse
	if err := e.rest.post(ctx, pathGenerateSign, pathGenerateSign, gen, false, &typed); err != nil {
		return "", time.Time{}, err
	}
	td, err := typed.typedData()
	if err != nil {
		return "", time.Time{}, errs.New(e.name, errs.CodeExchange, errs.WithMessage("build typed data"), errs.WithCause(err))
	}
	signature, err := SignTypedData(e.signer, td)
	if err != nil {
		return "", time.Time{}, errs.New(e.name, errs.CodeAuth, errs.WithMessage("sign order"), errs.WithCause(err))
	}

	req := placeOrderRequest{
		MarketSymbol:    symbol,
		ChainID:         e.opts.chainID,
		WalletAddress:   e.opts.wallet(),
		Side:            typed.LimitOrder.Side,
		VolumePrecision: typed.LimitOrder.VolumePrecision,
		PricePrecision:  typed.LimitOrder.PricePrecision,
		RawOrderData:    typed.LimitOrder.RawOrderData,
		MarketID:        typed.LimitOrder.MarketID,
		SignedOrderType: typed.LimitOrder.SignedOrderType,
		Signature:       signature,
	}
	var resp placeOrderResponse
	if err := e.rest.post(ctx, pathOrders, pathOrders, req, false, &resp); err != nil {
		if isServerOverloaded(err) {
			e.logger.Warn("tegro: order outcome unknown after server overload",
				observability.F("client_order_id", order.ClientOrderID))
			return schema.UnknownExchangeOrderID, e.now(), nil
		}
		return "", time.Time{}, err
	}
	id := resp.orderID()
	if id == "" {
		return "", time.Time{}, errs.New(e.name, errs.CodeExchange, errs.WithMessage("order response without order id"))
	}
	ts := resp.Time.Time()
	if ts.IsZero() {
		ts = e.now()
	}
	return id, ts, nil
}

// typedData assembles the EIP-712 payload from the generate reply.
func (r typedDataResponse) typedData() (apitypes.TypedData, error) {
	orderTypes, ok := r.SignData.Types["Order"]
	if !ok || len(orderTypes) == 0 {
		return apitypes.TypedData{}, fmt.Errorf("typed data without Order type")
	}
	message, err := decodeOrderMessage(r.LimitOrder.RawOrderData)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	types := apitypes.Types{"Order": orderTypes}
	if domainTypes, ok := r.SignData.Types["EIP712Domain"]; ok && len(domainTypes) > 0 {
		types["EIP712Domain"] = domainTypes
	} else {
		types["EIP712Domain"] = domainTypesFor(r.SignData.Domain)
	}
	primary := strings.TrimSpace(r.SignData.PrimaryType)
	if primary == "" {
		primary = "Order"
	}
	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      r.SignData.Domain,
		Message:     message,
	}, nil
}

func domainTypesFor(domain apitypes.TypedDataDomain) []apitypes.Type {
	var out []apitypes.Type
	if domain.Name != "" {
		out = append(out, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		out = append(out, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		out = append(out, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		out = append(out, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		out = append(out, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return out
}

// decodeOrderMessage parses raw_order_data keeping integers exact.
func decodeOrderMessage(raw string) (apitypes.TypedDataMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty raw_order_data")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var message map[string]any
	if err := dec.Decode(&message); err != nil {
		return nil, fmt.Errorf("decode raw_order_data: %w", err)
	}
	for key, value := range message {
		message[key] = numbersToStrings(value)
	}
	return message, nil
}

func numbersToStrings(value any) any {
	switch v := value.(type) {
	case json.Number:
		return v.String()
	case map[string]any:
		for key, inner := range v {
			v[key] = numbersToStrings(inner)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = numbersToStrings(inner)
		}
		return v
	default:
		return value
	}
}

// CancelOrder cancels a tracked order and marks it canceled on success.
func (e *Exchange) CancelOrder(ctx context.Context, clientOrderID string) (schema.CancellationResult, error) {
	result := schema.CancellationResult{ClientOrderID: clientOrderID}
	order, ok := e.tracker.Order(clientOrderID)
	if !ok {
		return result, errs.New(e.name, errs.CodeNotFound,
			errs.WithMessage("order "+clientOrderID+" is not tracked"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	success, err := e.placeCancel(ctx, order)
	if err != nil {
		return result, err
	}
	if success {
		result.Success = true
		e.metrics.recordCancelled(ctx, order.TradingPair)
		e.applyOrderUpdate(ctx, schema.OrderUpdate{
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ExchangeOrderID,
			TradingPair:     order.TradingPair,
			NewState:        schema.OrderStateCanceled,
			Timestamp:       e.now(),
		})
	}
	return result, nil
}

// placeCancel asks the venue to cancel one order. An order the venue no longer knows counts as canceled.
func (e *Exchange) placeCancel(ctx context.Context, order schema.InFlightOrder) (bool, error) {
	if !order.HasExchangeID() {
		return false, errs.New(e.name, errs.CodeInvalid,
			errs.WithMessage("order "+order.ClientOrderID+" has no exchange order id"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	req := cancelRequest{
		ChainID:       e.opts.chainID,
		WalletAddress: e.opts.wallet(),
		OrderID:       order.ExchangeOrderID,
	}
	var records oneOrMany[cancelRecord]
	if err := e.rest.post(ctx, pathCancelOrder, pathCancelOrder, req, true, &records); err != nil {
		if IsOrderNotFoundDuringCancel(err) {
			return true, nil
		}
		return false, err
	}
	for _, rec := range records {
		if rec.matches(order.ExchangeOrderID) {
			return true, nil
		}
	}
	return false, nil
}

// CancelAll cancels every open order of the wallet. Orders whose placement reached the venue,
// including those with an unconfirmed id, are marked canceled.
func (e *Exchange) CancelAll(ctx context.Context) ([]schema.CancellationResult, error) {
	req := cancelRequest{
		ChainID:       e.opts.chainID,
		WalletAddress: e.opts.wallet(),
	}
	if err := e.rest.post(ctx, pathCancelAll, pathCancelAll, req, true, nil); err != nil {
		return nil, err
	}
	orders := e.tracker.FillableOrders()
	results := make([]schema.CancellationResult, 0, len(orders))
	for _, order := range orders {
		result := schema.CancellationResult{ClientOrderID: order.ClientOrderID}
		if order.ExchangeOrderID != "" {
			result.Success = e.applyOrderUpdate(ctx, schema.OrderUpdate{
				ClientOrderID:   order.ClientOrderID,
				ExchangeOrderID: order.ExchangeOrderID,
				TradingPair:     order.TradingPair,
				NewState:        schema.OrderStateCanceled,
				Timestamp:       e.now(),
			})
			if result.Success {
				e.metrics.recordCancelled(ctx, order.TradingPair)
			}
		}
		results = append(results, result)
	}
	return results, nil
}
