// Package embedded runs an in-process MQTT broker for local development and
// tests.
package embedded

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

// Credential is a username/password pair the broker accepts
type Credential struct {
	Username string
	Password string
}

type Options struct {
	// Address to listen on. A port of 0 picks a free port.
	Address string
	// Credentials accepted by the broker. When empty every client is allowed.
	Credentials []Credential
	Logger      *zap.Logger
}

// Broker wraps a mochi MQTT server with a single TCP listener
type Broker struct {
	server *mqtt.Server
	addr   string
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Start creates the broker and begins serving
func Start(opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr, err := resolveAddress(opts.Address)
	if err != nil {
		return nil, err
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})

	if len(opts.Credentials) == 0 {
		err = server.AddHook(new(auth.AllowHook), nil)
	} else {
		rules := make(auth.AuthRules, 0, len(opts.Credentials))
		for _, c := range opts.Credentials {
			rules = append(rules, auth.AuthRule{
				Username: auth.RString(c.Username),
				Password: auth.RString(c.Password),
				Allow:    true,
			})
		}
		err = server.AddHook(new(auth.Hook), &auth.Options{
			Ledger: &auth.Ledger{Auth: rules},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add listener on %s: %w", addr, err)
	}

	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}

	logger.Info("Embedded MQTT broker listening",
		zap.String("address", addr),
		zap.Int("credentials", len(opts.Credentials)))

	return &Broker{server: server, addr: addr, logger: logger}, nil
}

func resolveAddress(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if !strings.HasSuffix(addr, ":0") {
		return addr, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// Addr returns the host:port the broker listens on
func (b *Broker) Addr() string {
	return b.addr
}

// URL returns the broker address in the form MQTT clients expect
func (b *Broker) URL() string {
	return "tcp://" + b.addr
}

// Publish delivers a message to subscribers as if a client had published it
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Subscribe registers an in-process subscription on filter
func (b *Broker) Subscribe(filter string, id int, handler func(topic string, payload []byte)) error {
	return b.server.Subscribe(filter, id, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
}

// ClientCount returns the number of clients currently known to the broker
func (b *Broker) ClientCount() int {
	n := 0
	for _, cl := range b.server.Clients.GetAll() {
		if cl.Net.Inline || cl.Closed() {
			continue
		}
		n++
	}
	return n
}

// Close stops the listener and disconnects every client. It is safe to call
// more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.logger.Info("Stopping embedded MQTT broker", zap.String("address", b.addr))
		b.closeErr = b.server.Close()
	})
	return b.closeErr
}
