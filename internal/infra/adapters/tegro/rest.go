package tegro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tegrolink/errs"
)

const serverOverloadedMessage = "Unknown error, please check your request or try again later."

const (
	codeOrderNotExist = "-2013"
	codeUnknownOrder  = "-2011"
	msgOrderNotExist  = "Order does not exist"
	msgOrderNotFound  = "Order not found"
	msgUnknownOrder   = "Unknown order sent"
)

// RateLimit describes the throttle applied to one REST endpoint.
type RateLimit struct {
	LimitID   string
	PerSecond float64
	Burst     int
	Linked    []string
}

var restLimitIDs = []string{
	pathMarket,
	pathMarketList,
	pathDepth,
	pathBalances,
	pathGenerateSign,
	pathOrders,
	pathUserOrders,
	pathUserTrades,
	pathCancelOrder,
	pathCancelAll,
}

type restClient struct {
	opts    Options
	client  *http.Client
	auth    *Authenticator
	metrics *exchangeMetrics

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	global    *rate.Limiter
}

func newRESTClient(opts Options, auth *Authenticator, metrics *exchangeMetrics) *restClient {
	c := &restClient{
		opts:     opts,
		client:   opts.HTTPClient,
		auth:     auth,
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter, len(restLimitIDs)),
		global:   rate.NewLimiter(limitFor(opts.Config.GlobalRateLimit), opts.Config.RateLimitBurst),
	}
	for _, id := range restLimitIDs {
		c.limiters[id] = rate.NewLimiter(limitFor(opts.Config.RateLimitPerSecond), opts.Config.RateLimitBurst)
	}
	return c
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// rateLimits reports every endpoint throttle; each one is linked to the global limiter.
func (c *restClient) rateLimits() []RateLimit {
	out := make([]RateLimit, 0, len(restLimitIDs)+1)
	out = append(out, RateLimit{LimitID: limitGlobal, PerSecond: c.opts.Config.GlobalRateLimit, Burst: c.opts.Config.RateLimitBurst})
	for _, id := range restLimitIDs {
		out = append(out, RateLimit{
			LimitID:   id,
			PerSecond: c.opts.Config.RateLimitPerSecond,
			Burst:     c.opts.Config.RateLimitBurst,
			Linked:    []string{limitGlobal},
		})
	}
	return out
}

func (c *restClient) wait(ctx context.Context, limitID string) error {
	c.limiterMu.Lock()
	limiter, ok := c.limiters[limitID]
	if !ok {
		limiter = rate.NewLimiter(limitFor(c.opts.Config.RateLimitPerSecond), c.opts.Config.RateLimitBurst)
		c.limiters[limitID] = limiter
	}
	c.limiterMu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	return c.global.Wait(ctx)
}

func (c *restClient) get(ctx context.Context, limitID, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, limitID, path, query, nil, false, out)
}

func (c *restClient) post(ctx context.Context, limitID, path string, body any, signed bool, out any) error {
	return c.do(ctx, http.MethodPost, limitID, path, nil, body, signed, out)
}

func (c *restClient) do(ctx context.Context, method, limitID, path string, query url.Values, body any, signed bool, out any) error {
	if err := c.wait(ctx, limitID); err != nil {
		return err
	}

	endpoint := c.opts.restEndpoint(path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", limitID, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", limitID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.auth == nil {
			return errs.New(c.opts.Config.Name, errs.CodeAuth, errs.WithMessage("signed request without authenticator"))
		}
		if err := c.auth.Decorate(req); err != nil {
			return errs.New(c.opts.Config.Name, errs.CodeAuth, errs.WithMessage("sign request"), errs.WithCause(err))
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.recordREST(ctx, limitID, "error", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errs.New(c.opts.Config.Name, errs.CodeNetwork, errs.WithMessage(method+" "+limitID), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.recordREST(ctx, limitID, "error", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errs.New(c.opts.Config.Name, errs.CodeNetwork, errs.WithMessage("read "+limitID+" response"), errs.WithCause(err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.metrics.recordREST(ctx, limitID, strconv.Itoa(resp.StatusCode), time.Since(start))
		return decodeAPIError(c.opts.Config.Name, limitID, resp.StatusCode, payload)
	}
	c.metrics.recordREST(ctx, limitID, "success", time.Since(start))
	if out == nil {
		return nil
	}
	if err := decodeEnvelope(payload, out); err != nil {
		return errs.New(c.opts.Config.Name, errs.CodeExchange,
			errs.WithMessage("decode "+limitID+" response"),
			errs.WithRawMessage(truncate(string(payload), 512)),
			errs.WithCause(err))
	}
	return nil
}

type apiErrorBody struct {
	Code    flexString `json:"code"`
	Message string     `json:"message"`
	Msg     string     `json:"msg"`
	Detail  string     `json:"error"`
}

func (b apiErrorBody) text() string {
	for _, candidate := range []string{b.Message, b.Msg, b.Detail} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// decodeAPIError converts a non-2xx Tegro reply into a structured error tagged with the endpoint.
func decodeAPIError(exchange, endpoint string, status int, body []byte) error {
	var parsed apiErrorBody
	message := ""
	if err := json.Unmarshal(body, &parsed); err == nil {
		message = parsed.text()
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	rawCode := strings.TrimSpace(string(parsed.Code))

	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(rawCode),
		errs.WithRawMessage(truncate(message, 512)),
		errs.WithVenueField("endpoint", endpoint),
	}

	switch {
	case status == http.StatusServiceUnavailable && message == serverOverloadedMessage:
		return errs.New(exchange, errs.CodeUnavailable, append(opts, errs.WithCanonicalCode(errs.CanonicalServerOverloaded))...)
	case rawCode == codeOrderNotExist || message == msgOrderNotExist || message == msgOrderNotFound:
		return errs.New(exchange, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case rawCode == codeUnknownOrder || message == msgUnknownOrder:
		return errs.New(exchange, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalUnknownOrder))...)
	case status == http.StatusNotFound:
		return errs.New(exchange, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case status == http.StatusTooManyRequests:
		return errs.New(exchange, errs.CodeRateLimited, append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(exchange, errs.CodeAuth, opts...)
	case status >= http.StatusInternalServerError:
		return errs.New(exchange, errs.CodeUnavailable, opts...)
	case status >= http.StatusBadRequest:
		return errs.New(exchange, errs.CodeInvalid, opts...)
	}
	return errs.New(exchange, errs.CodeExchange, opts...)
}

func isServerOverloaded(err error) bool {
	return errs.HasCanonical(err, errs.CanonicalServerOverloaded)
}

func isOrderNotFound(err error) bool {
	return errs.HasCanonical(err, errs.CanonicalOrderNotFound) || errs.HasCanonical(err, errs.CanonicalUnknownOrder)
}

// decodeEnvelope accepts both {"data": ...} replies and bare payloads.
func decodeEnvelope(body []byte, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return errors.New("empty response body")
	}
	if trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil {
			data := bytes.TrimSpace(env.Data)
			if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
				return json.Unmarshal(data, out)
			}
		}
	}
	return json.Unmarshal(trimmed, out)
}

// oneOrMany decodes a JSON array or a single object into a slice.
type oneOrMany[T any] []T

func (m *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*m = items
		return nil
	}
	var item T
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return err
	}
	*m = []T{item}
	return nil
}

// flexString accepts JSON strings and bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(trimmed)
	return nil
}

func (f flexString) String() string { return string(f) }

// tegroTime accepts epoch seconds, epoch milliseconds and RFC3339 strings.
type tegroTime time.Time

func (t *tegroTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = tegroTime{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*t = tegroTime{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			*t = tegroTime(parsed.UTC())
			return nil
		}
		trimmed = []byte(s)
	}
	value, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return fmt.Errorf("tegro: invalid timestamp %q", string(data))
	}
	*t = tegroTime(epochToTime(value))
	return nil
}

func (t tegroTime) Time() time.Time { return time.Time(t) }

func (t tegroTime) IsZero() bool { return time.Time(t).IsZero() }

// epochToTime treats values above 1e12 as milliseconds.
func epochToTime(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	if value > 1e12 {
		return time.UnixMilli(int64(value)).UTC()
	}
	sec := int64(value)
	nsec := int64((value - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
