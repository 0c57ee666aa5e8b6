package bridge

import (
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher reframes broker messages as client notifications
type Dispatcher struct {
	hooks  *BridgeHooks
	logger *zap.Logger
}

func NewDispatcher(hooks *BridgeHooks, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{hooks: hooks, logger: logger}
}

// Dispatch turns a broker message into a relayed_message notification. A
// payload that is not valid JSON is passed through as a raw string with the
// malformed marker set instead of being dropped.
func (d *Dispatcher) Dispatch(connID string, ev BrokerEvent) Notification {
	payload := d.hooks.OnMessageReceived(ev.Topic, ev.Payload)

	relayed := RelayedMessagePayload{Topic: ev.Topic}
	if json.Valid(payload) {
		relayed.Message = json.RawMessage(payload)
	} else {
		relayed.Raw = UnsafeString(payload)
		relayed.Malformed = true
		d.logger.Warn("Relaying malformed broker payload",
			zap.String("connID", connID),
			zap.String("topic", ev.Topic),
			zap.Int("bytes", len(payload)))
	}

	relayedTotal.WithLabelValues(strconv.FormatBool(relayed.Malformed)).Inc()
	d.logger.Debug("Relaying broker message",
		zap.String("connID", connID),
		zap.String("topic", ev.Topic))

	return RelayedMessage(relayed)
}

// mailbox is an unbounded FIFO between a broker delivery goroutine and the
// connection's router goroutine. Push never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends item and reports whether it was accepted
func (m *mailbox[T]) Push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever items may be available
func (m *mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns all queued items in push order
func (m *mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close discards queued items and rejects further pushes
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}
