package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// SessionState is the connectivity state of a broker session
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

type BrokerEventKind int

const (
	BrokerMessage BrokerEventKind = iota
	BrokerConnectionLost
)

// BrokerEvent is emitted by a broker session on its delivery path
type BrokerEvent struct {
	Kind    BrokerEventKind
	Topic   string
	Payload []byte
	Err     error
}

// EventHandler receives broker events. It is called from the broker client's
// delivery goroutine and must not block.
type EventHandler func(BrokerEvent)

// BrokerSession is one authenticated connection to the broker
type BrokerSession interface {
	ClientID() string
	Credentials() Credentials
	State() SessionState
	Subscriptions() []string
	Subscribe(ctx context.Context, pattern string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close releases the broker connection. It is idempotent.
	Close() error
}

// Connector opens broker sessions
type Connector interface {
	Connect(ctx context.Context, creds Credentials, handler EventHandler) (BrokerSession, error)
}

// MQTTConnector opens one paho client per session
type MQTTConnector struct {
	brokerURL      string
	qos            byte
	connectTimeout time.Duration
	publishTimeout time.Duration
	keepAlive      time.Duration
	tlsConfig      *tls.Config
	logger         *zap.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

type ConnectorOption func(*MQTTConnector)

func WithQoS(qos byte) ConnectorOption {
	return func(c *MQTTConnector) {
		c.qos = qos
	}
}

func WithConnectTimeout(timeout time.Duration) ConnectorOption {
	return func(c *MQTTConnector) {
		c.connectTimeout = timeout
	}
}

func WithPublishTimeout(timeout time.Duration) ConnectorOption {
	return func(c *MQTTConnector) {
		c.publishTimeout = timeout
	}
}

func WithKeepAlive(keepAlive time.Duration) ConnectorOption {
	return func(c *MQTTConnector) {
		c.keepAlive = keepAlive
	}
}

func WithTLSConfig(cfg *tls.Config) ConnectorOption {
	return func(c *MQTTConnector) {
		c.tlsConfig = cfg
	}
}

func WithConnectorLogger(logger *zap.Logger) ConnectorOption {
	return func(c *MQTTConnector) {
		c.logger = logger
	}
}

func NewMQTTConnector(brokerURL string, opts ...ConnectorOption) *MQTTConnector {
	c := &MQTTConnector{
		brokerURL:      brokerURL,
		connectTimeout: defaultConnectTimeout,
		publishTimeout: defaultPublishTimeout,
		keepAlive:      defaultKeepAlive,
		newClient:      mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Connect dials the broker with creds. The attempt is bounded by the connect
// timeout and by ctx; if ctx ends first and the broker accepts later, the late
// connection is disconnected in the background.
func (c *MQTTConnector) Connect(ctx context.Context, creds Credentials, handler EventHandler) (BrokerSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	s := &mqttSession{
		creds:     creds,
		handler:   handler,
		qos:       c.qos,
		opTimeout: c.publishTimeout,
		subs:      make(map[string]struct{}),
		logger:    c.logger.With(zap.String("clientID", creds.ClientID)),
	}
	s.state.Store(int32(SessionConnecting))

	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.connectTimeout).
		SetKeepAlive(c.keepAlive).
		SetOrderMatters(true).
		SetDefaultPublishHandler(s.onMessage).
		SetConnectionLostHandler(s.onConnectionLost)
	if c.tlsConfig != nil {
		opts.SetTLSConfig(c.tlsConfig)
	}

	client := c.newClient(opts)
	s.client = client

	c.logger.Debug("Connecting to broker",
		zap.String("broker", c.brokerURL),
		zap.String("clientID", creds.ClientID),
		zap.String("username", creds.Username))

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.state.Store(int32(SessionFailed))
			return nil, classifyConnectError(err)
		}
	case <-ctx.Done():
		s.state.Store(int32(SessionFailed))
		go func() {
			<-token.Done()
			if token.Error() == nil {
				client.Disconnect(0)
				c.logger.Debug("Disconnected late broker session",
					zap.String("clientID", creds.ClientID))
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ConnectError{Kind: ConnectTimeout, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}

	s.state.Store(int32(SessionConnected))
	return s, nil
}

func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return &ConnectError{Kind: ConnectAuthRejected, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "bad user name or password") || strings.Contains(msg, "not authori") {
		return &ConnectError{Kind: ConnectAuthRejected, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectError{Kind: ConnectTimeout, Err: err}
	}
	if strings.Contains(msg, "i/o timeout") {
		return &ConnectError{Kind: ConnectTimeout, Err: err}
	}
	return &ConnectError{Kind: ConnectNetworkUnavailable, Err: err}
}

type mqttSession struct {
	client    mqtt.Client
	creds     Credentials
	handler   EventHandler
	qos       byte
	opTimeout time.Duration
	logger    *zap.Logger

	state     atomic.Int32
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]struct{}
}

func (s *mqttSession) ClientID() string         { return s.creds.ClientID }
func (s *mqttSession) Credentials() Credentials { return s.creds }
func (s *mqttSession) State() SessionState      { return SessionState(s.state.Load()) }

func (s *mqttSession) Subscriptions() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subs := make([]string, 0, len(s.subs))
	for pattern := range s.subs {
		subs = append(subs, pattern)
	}
	sort.Strings(subs)
	return subs
}

func (s *mqttSession) Subscribe(ctx context.Context, pattern string) error {
	if s.State() != SessionConnected {
		return NewBridgeError("subscribe", ErrSessionClosed.Message, fmt.Errorf("session is %s", s.State()))
	}

	token := s.client.Subscribe(pattern, s.qos, s.onMessage)
	if err := s.wait(ctx, "subscribe", token); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return NewBridgeError("subscribe", "broker refused subscription", fmt.Errorf("topic %s", topic))
			}
		}
	}

	s.subsMu.Lock()
	s.subs[pattern] = struct{}{}
	s.subsMu.Unlock()

	s.logger.Debug("Subscribed", zap.String("pattern", pattern))
	return nil
}

func (s *mqttSession) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.State() != SessionConnected {
		return NewBridgeError("publish", ErrSessionClosed.Message, fmt.Errorf("session is %s", s.State()))
	}

	token := s.client.Publish(topic, s.qos, false, payload)
	if err := s.wait(ctx, "publish", token); err != nil {
		return err
	}

	s.logger.Debug("Published",
		zap.String("topic", topic),
		zap.Int("bytes", len(payload)))
	return nil
}

func (s *mqttSession) wait(ctx context.Context, op string, token mqtt.Token) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return NewBridgeError(op, "broker rejected "+op, err)
		}
		return nil
	case <-ctx.Done():
		return NewBridgeError(op, ErrTimeout.Message, ctx.Err())
	}
}

// Close drains the session's subscriptions and disconnects
func (s *mqttSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		wasConnected := SessionState(s.state.Swap(int32(SessionClosed))) == SessionConnected

		subs := s.Subscriptions()
		if wasConnected && len(subs) > 0 {
			token := s.client.Unsubscribe(subs...)
			if !token.WaitTimeout(s.opTimeout) {
				s.logger.Warn("Unsubscribe timed out", zap.Strings("patterns", subs))
			} else if token.Error() != nil {
				err = NewBridgeError("close", "unsubscribe failed", token.Error())
			}
		}

		s.subsMu.Lock()
		s.subs = make(map[string]struct{})
		s.subsMu.Unlock()

		s.client.Disconnect(disconnectQuiesce)
		s.logger.Debug("Broker session closed")
	})
	return err
}

func (s *mqttSession) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if s.State() == SessionClosed || s.handler == nil {
		return
	}
	s.handler(BrokerEvent{
		Kind:    BrokerMessage,
		Topic:   msg.Topic(),
		Payload: CopyBytes(msg.Payload()),
	})
}

func (s *mqttSession) onConnectionLost(_ mqtt.Client, err error) {
	if !s.state.CompareAndSwap(int32(SessionConnected), int32(SessionFailed)) {
		return
	}
	s.logger.Warn("Broker connection lost", zap.Error(err))
	if s.handler != nil {
		s.handler(BrokerEvent{Kind: BrokerConnectionLost, Err: err})
	}
}
