// Package events carries in-process notifications between the trading core
// and the HTTP/websocket surface without direct coupling.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeOrderPlaced     Type = "ORDER_PLACED"
	TypeOrderFilled     Type = "ORDER_FILLED"
	TypeOrderFailed     Type = "ORDER_FAILED"
	TypeOrderPending    Type = "ORDER_PENDING"
	TypeOrderFinalized  Type = "ORDER_FINALIZED"
	TypePositionClosed  Type = "POSITION_CLOSED"
	TypeBreakerChanged  Type = "BREAKER_CHANGED"
	TypeReconcileReport Type = "RECONCILE_REPORT"
	TypeRecoveryOutcome Type = "RECOVERY_OUTCOME"
	TypeSystemStarted   Type = "SYSTEM_STARTED"
	TypeSystemStopping  Type = "SYSTEM_STOPPING"
	TypeError           Type = "ERROR"
)

// Event is one system occurrence with loosely typed payload data.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles delivered events. Handlers run on their own goroutine
// per event and must not assume ordering across events.
type Subscriber func(Event)

// Bus is a fan-out publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to all matching subscribers without blocking the
// publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishOrderResult publishes the outcome of one order execution.
func (b *Bus) PublishOrderResult(marketID, side, orderType string, success, pending bool, errorCode string, executedPrice, quantity float64) {
	t := TypeOrderFilled
	if pending {
		t = TypeOrderPending
	} else if !success {
		t = TypeOrderFailed
	}
	b.Publish(Event{
		Type: t,
		Data: map[string]interface{}{
			"market":         marketID,
			"side":           side,
			"order_type":     orderType,
			"error_code":     errorCode,
			"executed_price": executedPrice,
			"quantity":       quantity,
		},
	})
}

// PublishOrderFinalized publishes a pending order reaching a terminal state.
func (b *Bus) PublishOrderFinalized(orderID, marketID, status string, filledQty float64) {
	b.Publish(Event{
		Type: TypeOrderFinalized,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"market":     marketID,
			"status":     status,
			"filled_qty": filledQty,
		},
	})
}

// PublishPositionClosed publishes a position close from any source.
func (b *Bus) PublishPositionClosed(marketID, reason string, exitPrice, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type: TypePositionClosed,
		Data: map[string]interface{}{
			"market":      marketID,
			"reason":      reason,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishBreakerChanged publishes a circuit breaker state transition.
func (b *Bus) PublishBreakerChanged(marketID, from, to, reason string) {
	b.Publish(Event{
		Type: TypeBreakerChanged,
		Data: map[string]interface{}{
			"market": marketID,
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishReconcileReport publishes the summary of one reconciliation pass.
func (b *Bus) PublishReconcileReport(fixed, verified, actions int) {
	b.Publish(Event{
		Type: TypeReconcileReport,
		Data: map[string]interface{}{
			"fixed":    fixed,
			"verified": verified,
			"actions":  actions,
		},
	})
}

// PublishError publishes a component error.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: TypeError, Data: data})
}
