// Package schema defines the host-facing order, book and event types.
package schema

import "time"

// EventType enumerates host-visible connector events.
type EventType string

const (
	// EventTypeOrderCreated signals venue acceptance of an order.
	EventTypeOrderCreated EventType = "order_created"
	// EventTypeOrderFilled signals a fill against a tracked order.
	EventTypeOrderFilled EventType = "order_filled"
	// EventTypeOrderCompleted signals a fully filled order.
	EventTypeOrderCompleted EventType = "order_completed"
	// EventTypeOrderCancelled signals a cancelled order.
	EventTypeOrderCancelled EventType = "order_cancelled"
	// EventTypeOrderFailure signals a rejected or failed order.
	EventTypeOrderFailure EventType = "order_failure"
	// EventTypeFillRecreated signals a fill for an order that is no longer tracked.
	EventTypeFillRecreated EventType = "fill_recreated"
)

// Event is emitted by the order tracker. Exactly one of Order or Trade is set
// depending on the type: fills carry Trade, everything else carries Order.
type Event struct {
	Type      EventType     `json:"type"`
	Order     *OrderUpdate  `json:"order,omitempty"`
	Trade     *TradeUpdate  `json:"trade,omitempty"`
	Snapshot  InFlightOrder `json:"snapshot"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventTypeForState maps a terminal or acknowledged state to the event it triggers.
func EventTypeForState(state OrderState) (EventType, bool) {
	switch state {
	case OrderStateOpen:
		return EventTypeOrderCreated, true
	case OrderStateFilled, OrderStateCompleted:
		return EventTypeOrderCompleted, true
	case OrderStateCanceled:
		return EventTypeOrderCancelled, true
	case OrderStateFailed:
		return EventTypeOrderFailure, true
	default:
		return "", false
	}
}
