// Package errs provides structured error types and helpers for the connector.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an exchange-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or signing errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapabilityMissing indicates the connector lacks the required capability.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalUnknownOrder indicates the venue did not recognise the order sent.
	CanonicalUnknownOrder CanonicalCode = "unknown_order"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalBelowMinSize flags an order amount under the trading rule minimum.
	CanonicalBelowMinSize CanonicalCode = "below_min_size"
	// CanonicalBelowMinNotional flags an order value under the trading rule minimum.
	CanonicalBelowMinNotional CanonicalCode = "below_min_notional"
	// CanonicalUnsupportedOrderType flags order types the venue cannot accept.
	CanonicalUnsupportedOrderType CanonicalCode = "unsupported_order_type"
	// CanonicalServerOverloaded marks the venue's generic "try again later" 503 reply.
	CanonicalServerOverloaded CanonicalCode = "server_overloaded"
)

// E captures structured error information produced across the connector.
type E struct {
	Exchange      string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(msg string) *E {
	return New("", CodeExchange, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}

// HasCanonical reports whether any structured error in err's chain carries the canonical code.
func HasCanonical(err error, code CanonicalCode) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Canonical == code {
			return true
		}
		err = e.cause
	}
	return false
}

// HasCode reports whether the first structured error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
