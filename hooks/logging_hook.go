package hooks

import (
	"sync/atomic"

	"go.uber.org/zap"

	bridge "github.com/golain-io/ws-mqtt-bridge"
)

// LoggingHook logs session lifecycle events and relayed broker traffic
type LoggingHook struct {
	bridge.BridgeHookBase
	logger    *zap.Logger
	isRunning atomic.Bool
	id        string

	// LogPayloads includes message payloads in the log output
	LogPayloads bool
}

// NewLoggingHook creates a new LoggingHook instance
func NewLoggingHook(logger *zap.Logger) *LoggingHook {
	return &LoggingHook{
		logger: logger,
		id:     "logging_hook",
	}
}

// OnMessageReceived logs the received message and passes it through unchanged
func (h *LoggingHook) OnMessageReceived(topic string, msg []byte) []byte {
	if !h.isRunning.Load() {
		return msg
	}

	fields := []zap.Field{
		zap.String("hook_id", h.id),
		zap.String("topic", topic),
		zap.Int("bytes", len(msg)),
	}
	if h.LogPayloads {
		fields = append(fields, zap.ByteString("payload", msg))
	}
	h.logger.Info("broker message received", fields...)
	return msg
}

func (h *LoggingHook) OnSessionCreated(session *bridge.SessionInfo) error {
	if !h.isRunning.Load() {
		return nil
	}
	h.logger.Info("session created",
		zap.String("hook_id", h.id),
		zap.String("connID", session.ConnectionID),
		zap.String("clientID", session.ClientID),
		zap.String("namespace", session.Namespace))
	return nil
}

func (h *LoggingHook) OnSessionClosed(session *bridge.SessionInfo) error {
	if !h.isRunning.Load() {
		return nil
	}
	h.logger.Info("session closed",
		zap.String("hook_id", h.id),
		zap.String("connID", session.ConnectionID),
		zap.String("clientID", session.ClientID),
		zap.Duration("duration", session.ClosedAt.Sub(session.CreatedAt)))
	return nil
}

func (h *LoggingHook) OnPublished(connID, topic string, payload []byte) error {
	if !h.isRunning.Load() {
		return nil
	}
	fields := []zap.Field{
		zap.String("hook_id", h.id),
		zap.String("connID", connID),
		zap.String("topic", topic),
	}
	if h.LogPayloads {
		fields = append(fields, zap.ByteString("payload", payload))
	}
	h.logger.Info("client message published", fields...)
	return nil
}

// Provides indicates whether this hook provides the specified functionality
func (h *LoggingHook) Provides(b byte) bool {
	return b == bridge.OnMessageReceived ||
		b == bridge.OnSessionCreated ||
		b == bridge.OnSessionClosed ||
		b == bridge.OnPublished
}

// Init initializes the hook. A *bool config toggles payload logging.
func (h *LoggingHook) Init(config any) error {
	if logPayloads, ok := config.(*bool); ok && logPayloads != nil {
		h.LogPayloads = *logPayloads
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.isRunning.Store(true)
	return nil
}

// Stop gracefully stops the hook
func (h *LoggingHook) Stop() error {
	h.isRunning.Store(false)
	return nil
}

// ID returns the unique identifier for this hook
func (h *LoggingHook) ID() string {
	return h.id
}
