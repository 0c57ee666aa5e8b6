package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
	commandQueueSize      = 64
)

// Bridge connects WebSocket clients to per-client broker sessions
type Bridge struct {
	connector  Connector
	deriver    CredentialDeriver
	registry   *SessionRegistry
	dispatcher *Dispatcher
	hooks      *BridgeHooks
	logger     *zap.Logger

	transferTopic TransferTopicFunc

	// Transport settings
	upgrader       websocket.Upgrader
	writeTimeout   time.Duration
	pongWait       time.Duration
	pingInterval   time.Duration
	maxMessageSize int64

	// Shutdown management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBridge creates a bridge that opens broker sessions through connector
func NewBridge(connector Connector, opts ...option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		connector:      connector,
		transferTopic:  DefaultTransferTopic,
		writeTimeout:   defaultWriteTimeout,
		pongWait:       defaultPongWait,
		maxMessageSize: defaultMaxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(b)
	}

	// if no logger set to no-op
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.deriver == nil {
		b.deriver = NewGroupCredentialDeriver()
	}
	if b.pingInterval == 0 {
		b.pingInterval = b.pongWait * 9 / 10
	}

	b.hooks = NewBridgeHooks(b.logger)
	b.registry = NewSessionRegistry(b.logger, b.hooks)
	b.dispatcher = NewDispatcher(b.hooks, b.logger)

	return b
}

// Registry returns the session registry shared by all connections
func (b *Bridge) Registry() *SessionRegistry {
	return b.registry
}

// AddHook adds a new hook to the bridge
func (b *Bridge) AddHook(hook BridgeHook, config any) error {
	b.logger.Info("Adding hook to bridge", zap.String("hook", hook.ID()))
	return b.hooks.Add(hook, config)
}

// Handler serves the WebSocket endpoint at wsPath and, when staticDir is not
// empty, the browser client files at /.
func (b *Bridge) Handler(wsPath, staticDir string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(wsPath, b)
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

// Close disconnects every client, waits up to timeout for their routers to
// finish and closes any remaining broker sessions.
func (b *Bridge) Close(timeout time.Duration) error {
	b.logger.Info("Closing bridge", zap.Int("sessions", b.registry.Len()))

	// no new connections may join wg once Wait starts
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("Timed out waiting for connections to close")
	}

	b.registry.CloseAll()
	b.hooks.Stop()
	return nil
}
