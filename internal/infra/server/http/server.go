// Package httpserver exposes the connector control API over HTTP.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tegrolink/errs"
	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/infra/config"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath       = "/healthz"
	balancesPath     = "/balances"
	pricesPath       = "/prices"
	tradingRulesPath = "/trading-rules"
	ordersPath       = "/orders"
	openOrdersPath   = "/orders/open"
	inFlightPath     = "/orders/in-flight"
	cancelAllPath    = "/orders/cancel-all"
	orderDetailPath  = "/orders/{pair}/{clientOrderID}"
	fillsPath        = "/fills/{clientOrderID}"
)

// Connector is the trading surface the control API drives.
type Connector interface {
	Name() string
	Balances() []schema.Balance
	GetAllPairsPrices(ctx context.Context) ([]schema.PairPrice, error)
	GetOpenOrders() []schema.InFlightOrder
	InFlightOrders() []schema.InFlightOrder
	TradingRules() []schema.TradingRule
	SupportedOrderTypes() []schema.OrderType
	Buy(pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) string
	Sell(pair string, amount decimal.Decimal, orderType schema.OrderType, price decimal.Decimal) string
	CancelOrder(ctx context.Context, clientOrderID string) (schema.CancellationResult, error)
	CancelAll(ctx context.Context) ([]schema.CancellationResult, error)
}

// FillHistory serves recorded fills. It is optional.
type FillHistory interface {
	Fills(ctx context.Context, clientOrderID string) ([]schema.TradeUpdate, error)
}

// Options configures NewHandler.
type Options struct {
	Environment config.Environment
	Connector   Connector
	History     FillHistory
	Logger      observability.Logger
	// AuthToken guards POST and DELETE routes. Empty disables them.
	AuthToken string
	// AllowedOrigins lists browser origins granted CORS access.
	AllowedOrigins []string
}

type httpServer struct {
	environment config.Environment
	connector   Connector
	history     FillHistory
	logger      observability.Logger
	authToken   []byte
}

type orderPayload struct {
	TradingPair string          `json:"trading_pair"`
	Side        string          `json:"side"`
	OrderType   string          `json:"order_type"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
}

// NewHandler builds the control API router.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		environment: opts.Environment,
		connector:   opts.Connector,
		history:     opts.History,
		logger:      observability.OrNop(opts.Logger),
		authToken:   []byte(strings.TrimSpace(opts.AuthToken)),
	}

	router := mux.NewRouter()
	router.HandleFunc(healthPath, server.health).Methods(http.MethodGet)
	router.HandleFunc(balancesPath, server.balances).Methods(http.MethodGet)
	router.HandleFunc(pricesPath, server.prices).Methods(http.MethodGet)
	router.HandleFunc(tradingRulesPath, server.tradingRules).Methods(http.MethodGet)
	router.HandleFunc(openOrdersPath, server.openOrders).Methods(http.MethodGet)
	router.HandleFunc(inFlightPath, server.inFlightOrders).Methods(http.MethodGet)
	router.HandleFunc(cancelAllPath, server.requireToken(server.cancelAll)).Methods(http.MethodPost)
	router.HandleFunc(ordersPath, server.requireToken(server.placeOrder)).Methods(http.MethodPost)
	router.HandleFunc(orderDetailPath, server.requireToken(server.cancelOrder)).Methods(http.MethodDelete)
	router.HandleFunc(fillsPath, server.fills).Methods(http.MethodGet)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.Use(server.logRequests)

	return withCORS(router, opts.AllowedOrigins)
}

// New wraps handler in an http.Server configured from cfg.
func New(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connector":   s.connector.Name(),
		"environment": s.environment,
	})
}

func (s *httpServer) balances(w http.ResponseWriter, _ *http.Request) {
	balances := s.connector.Balances()
	if balances == nil {
		balances = []schema.Balance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (s *httpServer) prices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.connector.GetAllPairsPrices(r.Context())
	if err != nil {
		s.writeConnectorError(w, err)
		return
	}
	if prices == nil {
		prices = []schema.PairPrice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

func (s *httpServer) tradingRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.connector.TradingRules()
	sort.Slice(rules, func(i, j int) bool { return rules[i].TradingPair < rules[j].TradingPair })
	writeJSON(w, http.StatusOK, map[string]any{
		"trading_rules":         rules,
		"supported_order_types": s.connector.SupportedOrderTypes(),
	})
}

func (s *httpServer) openOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": sortedOrders(s.connector.GetOpenOrders())})
}

func (s *httpServer) inFlightOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": sortedOrders(s.connector.InFlightOrders())})
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeOrderPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	side, orderType, err := validateOrderPayload(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var clientOrderID string
	if side == schema.TradeSideBuy {
		clientOrderID = s.connector.Buy(payload.TradingPair, payload.Amount, orderType, payload.Price)
	} else {
		clientOrderID = s.connector.Sell(payload.TradingPair, payload.Amount, orderType, payload.Price)
	}
	s.logger.Info("control api: order submitted",
		observability.F("client_order_id", clientOrderID),
		observability.F("trading_pair", payload.TradingPair),
		observability.F("side", string(side)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"client_order_id": clientOrderID,
	})
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pair := strings.ToUpper(strings.TrimSpace(vars["pair"]))
	clientOrderID := strings.TrimSpace(vars["clientOrderID"])
	if !s.tracksOrder(pair, clientOrderID) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	result, err := s.connector.CancelOrder(r.Context(), clientOrderID)
	if err != nil {
		s.writeConnectorError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *httpServer) cancelAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.connector.CancelAll(r.Context())
	if err != nil {
		s.writeConnectorError(w, err)
		return
	}
	if results == nil {
		results = []schema.CancellationResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *httpServer) fills(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "fill history disabled")
		return
	}
	fills, err := s.history.Fills(r.Context(), mux.Vars(r)["clientOrderID"])
	if err != nil {
		s.logger.Error("control api: fill history failed", observability.Err(err))
		writeError(w, http.StatusInternalServerError, "fill history unavailable")
		return
	}
	if fills == nil {
		fills = []schema.TradeUpdate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

func (s *httpServer) tracksOrder(pair, clientOrderID string) bool {
	if clientOrderID == "" {
		return false
	}
	for _, order := range s.connector.InFlightOrders() {
		if order.ClientOrderID == clientOrderID {
			return pair == "" || strings.EqualFold(order.TradingPair, pair)
		}
	}
	return false
}

func (s *httpServer) writeConnectorError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errs.HasCanonical(err, errs.CanonicalOrderNotFound), errs.HasCode(err, errs.CodeNotFound):
		status = http.StatusNotFound
	case errs.HasCode(err, errs.CodeInvalid):
		status = http.StatusBadRequest
	case errs.HasCode(err, errs.CodeRateLimited):
		status = http.StatusTooManyRequests
	case errs.HasCode(err, errs.CodeUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("control api: connector call failed", observability.F("status", status), observability.Err(err))
	writeError(w, status, err.Error())
}

func (s *httpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("control api request",
			observability.F("method", r.Method),
			observability.F("path", r.URL.Path),
			observability.F("status", rec.status),
			observability.F("duration_ms", time.Since(started).Milliseconds()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeOrderPayload(r *http.Request) (orderPayload, error) {
	var payload orderPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return orderPayload{}, fmt.Errorf("invalid order payload: %w", err)
	}
	return payload, nil
}

func validateOrderPayload(payload orderPayload) (schema.TradeSide, schema.OrderType, error) {
	if strings.TrimSpace(payload.TradingPair) == "" {
		return "", "", fmt.Errorf("trading_pair required")
	}
	side, ok := schema.ParseTradeSide(payload.Side)
	if !ok {
		return "", "", fmt.Errorf("side must be buy or sell")
	}
	orderType := schema.OrderType(strings.ToUpper(strings.TrimSpace(payload.OrderType)))
	if orderType == "" {
		orderType = schema.OrderTypeLimit
	}
	if !payload.Amount.IsPositive() {
		return "", "", fmt.Errorf("amount must be positive")
	}
	if orderType.IsLimit() && !payload.Price.IsPositive() {
		return "", "", fmt.Errorf("price must be positive for %s orders", orderType)
	}
	return side, orderType, nil
}

func sortedOrders(orders []schema.InFlightOrder) []schema.InFlightOrder {
	if orders == nil {
		return []schema.InFlightOrder{}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// requireToken rejects requests that do not carry the configured bearer token.
func (s *httpServer) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.authToken) == 0 {
			writeError(w, http.StatusForbidden, "control token not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), s.authToken) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tegrolink"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// withCORS answers preflight requests and grants CORS headers only to listed origins.
func withCORS(handler http.Handler, allowedOrigins []string) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" && origin != "*" {
			allowed[origin] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := allowed[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
