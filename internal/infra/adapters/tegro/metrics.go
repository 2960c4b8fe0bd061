package tegro

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tegrolink/internal/domain/schema"
	"github.com/coachpo/tegrolink/internal/infra/telemetry"
)

type exchangeMetrics struct {
	environment string
	provider    string
	chain       string

	ordersPlaced     metric.Int64Counter
	ordersRejected   metric.Int64Counter
	ordersCancelled  metric.Int64Counter
	tradeUpdates     metric.Int64Counter
	recreatedFills   metric.Int64Counter
	wsFrames         metric.Int64Counter
	wsReconnects     metric.Int64Counter
	wsStateChanges   metric.Int64Counter
	restLatency      metric.Float64Histogram
	balanceTotal     metric.Float64ObservableGauge
	balanceAvailable metric.Float64ObservableGauge
}

// newExchangeMetrics registers the adapter instruments. balances may be nil.
func newExchangeMetrics(provider, chain string, balances func() []schema.Balance) *exchangeMetrics {
	meter := otel.Meter("adapter.tegro")
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = DomainMainnet
	}

	em := &exchangeMetrics{
		environment: telemetry.Environment(),
		provider:    provider,
		chain:       chain,
	}

	em.ordersPlaced, _ = meter.Int64Counter("tegro.orders.placed",
		metric.WithDescription("Orders accepted by Tegro"),
		metric.WithUnit("{order}"))

	em.ordersRejected, _ = meter.Int64Counter("tegro.orders.rejected",
		metric.WithDescription("Orders failed locally or rejected by Tegro"),
		metric.WithUnit("{order}"))

	em.ordersCancelled, _ = meter.Int64Counter("tegro.orders.cancelled",
		metric.WithDescription("Cancel requests confirmed by Tegro"),
		metric.WithUnit("{order}"))

	em.tradeUpdates, _ = meter.Int64Counter("tegro.trade_updates",
		metric.WithDescription("Fills applied to tracked orders"),
		metric.WithUnit("{fill}"))

	em.recreatedFills, _ = meter.Int64Counter("tegro.fills.recreated",
		metric.WithDescription("Fills recreated for orders no longer tracked"),
		metric.WithUnit("{fill}"))

	em.wsFrames, _ = meter.Int64Counter("tegro.ws.frames",
		metric.WithDescription("WebSocket frames received by action"),
		metric.WithUnit("{frame}"))

	em.wsReconnects, _ = meter.Int64Counter("tegro.ws.reconnects",
		metric.WithDescription("WebSocket dial attempts"),
		metric.WithUnit("{reconnect}"))

	em.wsStateChanges, _ = meter.Int64Counter("tegro.ws.state_changes",
		metric.WithDescription("WebSocket connection state transitions"),
		metric.WithUnit("{transition}"))

	em.restLatency, _ = meter.Float64Histogram("tegro.rest.latency",
		metric.WithDescription("Latency of Tegro REST calls"),
		metric.WithUnit("ms"))

	if balances != nil {
		em.balanceTotal, _ = meter.Float64ObservableGauge("tegro.balance.total",
			metric.WithDescription("Total wallet balance per asset"),
			metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
				for _, b := range balances() {
					total, _ := b.Total.Float64()
					observer.Observe(total, metric.WithAttributes(telemetry.BalanceAttributes(em.environment, em.provider, b.Asset)...))
				}
				return nil
			}))

		em.balanceAvailable, _ = meter.Float64ObservableGauge("tegro.balance.available",
			metric.WithDescription("Available wallet balance per asset"),
			metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
				for _, b := range balances() {
					available, _ := b.Available.Float64()
					observer.Observe(available, metric.WithAttributes(telemetry.BalanceAttributes(em.environment, em.provider, b.Asset)...))
				}
				return nil
			}))
	}

	return em
}

func (em *exchangeMetrics) orderAttrs(order schema.InFlightOrder) []attribute.KeyValue {
	attrs := telemetry.OrderAttributes(em.environment, em.provider, order.TradingPair,
		strings.ToLower(string(order.Side)), strings.ToLower(string(order.Type)))
	if em.chain != "" {
		attrs = append(attrs, telemetry.AttrChain.String(em.chain))
	}
	return attrs
}

func (em *exchangeMetrics) recordPlaced(ctx context.Context, order schema.InFlightOrder) {
	if em == nil || em.ordersPlaced == nil {
		return
	}
	em.ordersPlaced.Add(ensureContext(ctx), 1, metric.WithAttributes(em.orderAttrs(order)...))
}

func (em *exchangeMetrics) recordRejected(ctx context.Context, order schema.InFlightOrder, reason string) {
	if em == nil || em.ordersRejected == nil {
		return
	}
	attrs := em.orderAttrs(order)
	if reason != "" {
		attrs = append(attrs, telemetry.AttrReason.String(strings.ToLower(reason)))
	}
	em.ordersRejected.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (em *exchangeMetrics) recordCancelled(ctx context.Context, pair string) {
	if em == nil || em.ordersCancelled == nil {
		return
	}
	attrs := telemetry.OrderAttributes(em.environment, em.provider, pair, "", "")
	em.ordersCancelled.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (em *exchangeMetrics) recordTradeUpdate(ctx context.Context, pair string, recreated bool) {
	if em == nil {
		return
	}
	attrs := telemetry.OrderAttributes(em.environment, em.provider, pair, "", "")
	if recreated {
		if em.recreatedFills != nil {
			em.recreatedFills.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
		}
		return
	}
	if em.tradeUpdates != nil {
		em.tradeUpdates.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
	}
}

func (em *exchangeMetrics) recordFrame(ctx context.Context, stream string, action wsAction) {
	if em == nil || em.wsFrames == nil {
		return
	}
	attrs := telemetry.MessageAttributes(em.environment, em.provider, stream, action.String())
	em.wsFrames.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (em *exchangeMetrics) recordReconnect(ctx context.Context, stream, result string) {
	if em == nil || em.wsReconnects == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(em.environment, em.provider, "ws."+stream, result)
	em.wsReconnects.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (em *exchangeMetrics) recordState(ctx context.Context, stream string, state ConnectionState) {
	if em == nil || em.wsStateChanges == nil {
		return
	}
	attrs := telemetry.ConnectionAttributes(em.environment, em.provider, stream, state.String())
	em.wsStateChanges.Add(ensureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (em *exchangeMetrics) recordREST(ctx context.Context, limitID, result string, latency time.Duration) {
	if em == nil || em.restLatency == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	attrs := telemetry.OperationResultAttributes(em.environment, em.provider, limitID, result)
	em.restLatency.Record(ensureContext(ctx), float64(latency.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
