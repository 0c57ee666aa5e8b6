package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// RouterState is the per-connection login state
type RouterState int32

const (
	StateUnauthenticated RouterState = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s RouterState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Notifier delivers notifications to one client connection
type Notifier interface {
	Notify(n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification) error

func (f NotifierFunc) Notify(n Notification) error { return f(n) }

// TransferTopicFunc maps a transfer target to the broker topic it is published on
type TransferTopicFunc func(targetClass, targetGroup string) string

func DefaultTransferTopic(targetClass, targetGroup string) string {
	return fmt.Sprintf("%s/%s/bankit/transfer/request", targetClass, targetGroup)
}

// routedEvent tags a broker event with the login generation that produced it,
// so events from a session that has since been torn down are ignored.
type routedEvent struct {
	gen uint64
	BrokerEvent
}

// Router drives one client connection: it turns commands into broker
// operations and broker events into notifications. All methods except State
// must be called from the goroutine running Run.
type Router struct {
	bridge   *Bridge
	connID   string
	notifier Notifier
	logger   *zap.Logger

	state  atomic.Int32
	gen    uint64
	events *mailbox[routedEvent]
}

// NewRouter creates the router for a newly accepted connection
func (b *Bridge) NewRouter(connID string, notifier Notifier) *Router {
	return &Router{
		bridge:   b,
		connID:   connID,
		notifier: notifier,
		logger:   b.logger.With(zap.String("connID", connID)),
		events:   newMailbox[routedEvent](),
	}
}

func (r *Router) ConnectionID() string { return r.connID }

func (r *Router) State() RouterState {
	return RouterState(r.state.Load())
}

func (r *Router) setState(s RouterState) {
	old := RouterState(r.state.Swap(int32(s)))
	if old != s {
		r.logger.Debug("Connection state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

// Run processes commands and broker events until ctx ends or commands is
// closed, then tears the connection's broker session down.
func (r *Router) Run(ctx context.Context, commands <-chan []byte) error {
	if r.State() == StateClosed {
		return NewSessionClosedError(r.connID)
	}
	defer r.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-commands:
			if !ok {
				return nil
			}
			// queued frames from a client that has gone are dropped
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.HandleFrame(ctx, data)
		case <-r.events.Ready():
			r.drainEvents()
		}
	}
}

func (r *Router) close() {
	r.setState(StateClosed)
	r.events.Close()
	if err := r.bridge.registry.Unregister(r.connID); err != nil {
		r.logger.Warn("Failed to unregister session", zap.Error(err))
	}
}

// HandleFrame decodes a raw client frame and handles it
func (r *Router) HandleFrame(ctx context.Context, data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		r.logger.Debug("Rejected client frame", zap.Error(err))
		r.notify(ErrorNotification(err.Error()))
		return
	}
	_ = r.Handle(ctx, cmd)
}

// Handle executes one command. Every rejection is reported to the client
// and returned.
func (r *Router) Handle(ctx context.Context, cmd Command) error {
	if r.State() == StateClosed {
		return NewSessionNotFoundError(r.connID)
	}

	switch c := cmd.(type) {
	case *LoginCommand:
		return r.handleLogin(ctx, c)
	case *TransferCommand:
		return r.handleTransfer(ctx, c)
	case *LogoutCommand:
		return r.handleLogout()
	}

	err := NewBridgeError("handle", ErrUnknownCommand.Message, fmt.Errorf("%T", cmd))
	r.notify(ErrorNotification(err.Error()))
	return err
}

func (r *Router) handleLogin(ctx context.Context, cmd *LoginCommand) error {
	if state := r.State(); state != StateUnauthenticated {
		var err error
		if state == StateActive {
			err = NewAlreadyRegisteredError(r.connID)
		} else {
			err = NewInvalidStateError(r.connID, "login", state)
		}
		loginsTotal.WithLabelValues("rejected").Inc()
		r.notify(LoginFailed(err.Error()))
		return err
	}

	if err := cmd.Validate(); err != nil {
		loginsTotal.WithLabelValues("invalid").Inc()
		r.notify(LoginFailed(err.Error()))
		return err
	}

	r.setState(StateAuthenticating)

	creds, err := r.bridge.deriver.Derive(cmd.IdentityFields)
	if err != nil {
		r.setState(StateUnauthenticated)
		loginsTotal.WithLabelValues("invalid").Inc()
		r.notify(LoginFailed(err.Error()))
		return err
	}

	r.gen++
	gen := r.gen
	handler := func(ev BrokerEvent) {
		if !r.events.Push(routedEvent{gen: gen, BrokerEvent: ev}) {
			r.logger.Debug("Dropped broker event for closed connection",
				zap.String("topic", ev.Topic))
		}
	}

	r.logger.Info("Connecting broker session",
		zap.String("clientID", creds.ClientID),
		zap.String("username", creds.Username))

	session, err := r.bridge.connector.Connect(ctx, creds, handler)
	if err != nil {
		r.setState(StateUnauthenticated)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		loginsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("Broker connect failed", zap.Error(err))
		r.notify(LoginFailed(err.Error()))
		return err
	}

	// The client may have gone away while the broker accepted us.
	if ctx.Err() != nil {
		r.closeSession(session)
		r.setState(StateUnauthenticated)
		return ctx.Err()
	}

	pattern := creds.SubscriptionPattern()
	subErr := session.Subscribe(ctx, pattern)
	if subErr != nil {
		r.logger.Warn("Subscription failed",
			zap.String("pattern", pattern),
			zap.Error(subErr))
	}

	profile := cmd.Profile()
	if err := r.bridge.registry.Register(r.connID, session, profile); err != nil {
		r.closeSession(session)
		r.setState(StateUnauthenticated)
		loginsTotal.WithLabelValues("rejected").Inc()
		r.notify(LoginFailed(err.Error()))
		return err
	}

	r.setState(StateActive)
	loginsTotal.WithLabelValues("success").Inc()
	r.notify(LoginSuccess(profile))

	if subErr != nil {
		r.notify(ErrorNotification(fmt.Sprintf("subscription to %s failed: %v", pattern, subErr)))
	}
	return nil
}

func (r *Router) handleTransfer(ctx context.Context, cmd *TransferCommand) error {
	if state := r.State(); state != StateActive {
		err := NewInvalidStateError(r.connID, "transfer", state)
		r.notify(ErrorNotification("not logged in"))
		return err
	}

	session, err := r.bridge.registry.Lookup(r.connID)
	if err != nil {
		r.notify(ErrorNotification("not logged in"))
		return err
	}

	if err := cmd.Validate(); err != nil {
		r.notify(ErrorNotification(err.Error()))
		return err
	}

	topic := r.bridge.transferTopic(strings.TrimSpace(cmd.TargetClass), strings.TrimSpace(cmd.TargetGroup))
	payload, err := json.Marshal(cmd.Request())
	if err != nil {
		r.notify(TransferFailed(err.Error()))
		return err
	}

	if err := session.Publish(ctx, topic, payload); err != nil {
		publishesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("Transfer publish failed",
			zap.String("topic", topic),
			zap.Error(err))
		r.notify(TransferFailed(err.Error()))
		return err
	}

	publishesTotal.WithLabelValues("accepted").Inc()
	r.bridge.hooks.OnPublished(r.connID, topic, payload)
	r.notify(Ack(AckTransfer, "transfer command sent"))
	return nil
}

func (r *Router) handleLogout() error {
	if state := r.State(); state != StateActive {
		err := NewInvalidStateError(r.connID, "logout", state)
		r.notify(ErrorNotification("not logged in"))
		return err
	}

	r.gen++
	if err := r.bridge.registry.Unregister(r.connID); err != nil {
		r.logger.Warn("Failed to unregister session", zap.Error(err))
	}
	r.setState(StateUnauthenticated)
	r.notify(Ack(AckLogout, "logged out"))
	return nil
}

func (r *Router) drainEvents() {
	for _, ev := range r.events.Drain() {
		if ev.gen != r.gen || r.State() != StateActive {
			continue
		}

		switch ev.Kind {
		case BrokerMessage:
			r.notify(r.bridge.dispatcher.Dispatch(r.connID, ev.BrokerEvent))

		case BrokerConnectionLost:
			r.gen++
			if err := r.bridge.registry.Unregister(r.connID); err != nil {
				r.logger.Warn("Failed to unregister session", zap.Error(err))
			}
			r.setState(StateUnauthenticated)
			reason := "broker connection lost"
			if ev.Err != nil {
				reason = fmt.Sprintf("%s: %v", reason, ev.Err)
			}
			r.notify(ErrorNotification(reason))
		}
	}
}

func (r *Router) closeSession(session BrokerSession) {
	if err := session.Close(); err != nil {
		r.logger.Warn("Error closing unregistered broker session",
			zap.String("clientID", session.ClientID()),
			zap.Error(err))
	}
}

func (r *Router) notify(n Notification) {
	if err := r.notifier.Notify(n); err != nil {
		r.logger.Debug("Failed to notify client",
			zap.String("type", string(n.Type)),
			zap.Error(err))
	}
}
