package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServeHTTP upgrades the request to a WebSocket and serves it until either
// side closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		b.logger.Debug("WebSocket upgrade failed",
			zap.String("remoteAddr", r.RemoteAddr),
			zap.Error(err))
		return
	}
	b.ServeConn(conn)
}

// ServeConn runs the bridge for an established WebSocket connection and
// returns once the connection is closed and its broker session torn down.
func (b *Bridge) ServeConn(conn *websocket.Conn) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		wc := &wsConn{conn: conn, writeTimeout: b.writeTimeout}
		wc.close(websocket.CloseGoingAway)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	connID := uuid.NewString()
	connectionsTotal.Inc()

	logger := b.logger.With(
		zap.String("connID", connID),
		zap.String("remoteAddr", conn.RemoteAddr().String()))
	logger.Info("Client connected")

	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	wc := &wsConn{conn: conn, writeTimeout: b.writeTimeout}
	commands := make(chan []byte, commandQueueSize)

	go b.readLoop(ctx, cancel, wc, commands, logger)
	go b.pingLoop(ctx, wc, logger)

	router := b.NewRouter(connID, wc)
	err := router.Run(ctx, commands)

	closeCode := websocket.CloseNormalClosure
	if errors.Is(err, context.Canceled) && b.ctx.Err() != nil {
		closeCode = websocket.CloseGoingAway
	}
	wc.close(closeCode)

	logger.Info("Client disconnected")
}

// readLoop feeds client frames to the router. It never blocks on the router,
// so a hang-up cancels an in-flight login even when commands are backed up.
// Frames arriving while the queue is full are rejected with an error.
func (b *Bridge) readLoop(ctx context.Context, cancel context.CancelFunc, wc *wsConn, commands chan<- []byte, logger *zap.Logger) {
	defer cancel()

	conn := wc.conn

	conn.SetReadLimit(b.maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.pongWait))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(b.pongWait)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("Client connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		select {
		case commands <- data:
		case <-ctx.Done():
			return
		default:
			commandsRejected.Inc()
			logger.Warn("Command queue full, rejecting frame", zap.Int("queued", len(commands)))
			if err := wc.Notify(ErrorNotification(ErrTooManyCommands.Message)); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, wc *wsConn, logger *zap.Logger) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				logger.Debug("Ping failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsConn is the Notifier for one WebSocket. Data frames are written by the
// router and by the reader when it rejects a frame, so they share writeMu.
// Control frames may be written concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Notify(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) close(code int) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(c.writeTimeout))
		_ = c.conn.Close()
	})
}
