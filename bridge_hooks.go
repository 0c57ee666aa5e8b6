package bridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	OnMessageReceived byte = iota
	OnSessionCreated
	OnSessionClosed
	OnPublished
)

// BridgeHook defines the interface for bridge hooks
type BridgeHook interface {
	// ID returns the unique identifier for this hook
	ID() string

	// Init initializes the hook with the provided configuration
	Init(config any) error

	// Stop gracefully stops the hook
	Stop() error

	// Provides indicates whether this hook provides the specified functionality
	Provides(b byte) bool

	// OnMessageReceived may rewrite a broker payload before it is relayed
	OnMessageReceived(topic string, msg []byte) []byte

	// OnSessionCreated is called when a broker session is registered for a connection
	OnSessionCreated(session *SessionInfo) error

	// OnSessionClosed is called once the session has been unregistered and closed
	OnSessionClosed(session *SessionInfo) error

	// OnPublished is called after the broker accepted a publish for a connection
	OnPublished(connID, topic string, payload []byte) error
}

// BridgeHookBase provides no-op implementations so hooks only override what
// they provide.
type BridgeHookBase struct{}

func (BridgeHookBase) ID() string                                       { return "base" }
func (BridgeHookBase) Init(config any) error                            { return nil }
func (BridgeHookBase) Stop() error                                      { return nil }
func (BridgeHookBase) Provides(b byte) bool                             { return false }
func (BridgeHookBase) OnMessageReceived(topic string, msg []byte) []byte { return msg }
func (BridgeHookBase) OnSessionCreated(session *SessionInfo) error      { return nil }
func (BridgeHookBase) OnSessionClosed(session *SessionInfo) error       { return nil }
func (BridgeHookBase) OnPublished(connID, topic string, payload []byte) error {
	return nil
}

// BridgeHooks manages a collection of hooks
type BridgeHooks struct {
	logger *zap.Logger

	mu    sync.RWMutex
	hooks []BridgeHook
}

func NewBridgeHooks(logger *zap.Logger) *BridgeHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeHooks{logger: logger}
}

// Add adds a new hook to the collection
func (h *BridgeHooks) Add(hook BridgeHook, config any) error {
	if err := hook.Init(config); err != nil {
		return fmt.Errorf("failed to initialize hook %s: %w", hook.ID(), err)
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
	return nil
}

func (h *BridgeHooks) snapshot() []BridgeHook {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hooks
}

// OnMessageReceived processes a message through all hooks
func (h *BridgeHooks) OnMessageReceived(topic string, msg []byte) []byte {
	result := msg
	for _, hook := range h.snapshot() {
		if hook.Provides(OnMessageReceived) {
			result = hook.OnMessageReceived(topic, result)
		}
	}
	return result
}

// Stop stops all hooks
func (h *BridgeHooks) Stop() {
	for _, hook := range h.snapshot() {
		if err := hook.Stop(); err != nil {
			h.logger.Error("Failed to stop hook",
				zap.String("hook", hook.ID()),
				zap.Error(err))
		}
	}
}

// Len returns the number of hooks added.
func (h *BridgeHooks) Len() int64 {
	return int64(len(h.snapshot()))
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *BridgeHooks) Provides(b ...byte) bool {
	for _, hook := range h.snapshot() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}
	return false
}

// GetAll returns a slice of all the hooks.
func (h *BridgeHooks) GetAll() []BridgeHook {
	return h.snapshot()
}

// OnSessionCreated calls the OnSessionCreated hook for all hooks that provide it.
// Hook failures are logged; they never undo the registration.
func (h *BridgeHooks) OnSessionCreated(session *SessionInfo) {
	for _, hook := range h.snapshot() {
		if hook.Provides(OnSessionCreated) {
			if err := hook.OnSessionCreated(session); err != nil {
				h.logger.Error("Failed to execute OnSessionCreated hook",
					zap.String("hook", hook.ID()),
					zap.String("connID", session.ConnectionID),
					zap.Error(err))
			}
		}
	}
}

// OnSessionClosed calls the OnSessionClosed hook for all hooks that provide it
func (h *BridgeHooks) OnSessionClosed(session *SessionInfo) {
	for _, hook := range h.snapshot() {
		if hook.Provides(OnSessionClosed) {
			if err := hook.OnSessionClosed(session); err != nil {
				h.logger.Error("Failed to execute OnSessionClosed hook",
					zap.String("hook", hook.ID()),
					zap.String("connID", session.ConnectionID),
					zap.Error(err))
			}
		}
	}
}

// OnPublished calls the OnPublished hook for all hooks that provide it
func (h *BridgeHooks) OnPublished(connID, topic string, payload []byte) {
	for _, hook := range h.snapshot() {
		if hook.Provides(OnPublished) {
			if err := hook.OnPublished(connID, topic, payload); err != nil {
				h.logger.Error("Failed to execute OnPublished hook",
					zap.String("hook", hook.ID()),
					zap.String("connID", connID),
					zap.Error(err))
			}
		}
	}
}
