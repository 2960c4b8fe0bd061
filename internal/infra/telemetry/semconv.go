// Package telemetry provides semantic conventions for connector observability.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrProvider identifies the venue or adapter producing the signal.
	AttrProvider = attribute.Key("provider")
	// AttrSymbol captures the trading pair (e.g. WETH-USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrChain captures the EVM chain the connector signs for.
	AttrChain = attribute.Key("chain")
	// AttrMessageType differentiates WebSocket actions inside a single stream.
	AttrMessageType = attribute.Key("message.type")
	// AttrStream names the WebSocket stream (market or user).
	AttrStream = attribute.Key("stream")
	// AttrCurrency stores asset symbols for balance metrics.
	AttrCurrency = attribute.Key("currency")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes limit vs market orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderState captures the lifecycle state reported.
	AttrOrderState = attribute.Key("order.state")
	// AttrOperation differentiates REST endpoints and connector operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides free-form context for rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

var environment atomic.Value

// SetEnvironment records the environment name used in metric labels.
func SetEnvironment(env string) {
	environment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the configured environment name.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, provider, symbol, side, orderType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	return attrs
}

// BalanceAttributes returns attributes for balance telemetry.
func BalanceAttributes(environment, provider, currency string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
	}
	if currency != "" {
		attrs = append(attrs, AttrCurrency.String(currency))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, provider, stream, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrStream.String(stream),
		AttrConnectionState.String(state),
	}
}

// MessageAttributes returns attributes for WebSocket frame metrics.
func MessageAttributes(environment, provider, stream, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrStream.String(stream),
		AttrMessageType.String(messageType),
	}
}

// OperationResultAttributes returns attributes for operation outcome metrics.
func OperationResultAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
