package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type routerHarness struct {
	bridge    *Bridge
	connector *fakeConnector
	notes     *recordingNotifier
	router    *Router
	commands  chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

func newRouterHarness(t *testing.T, connector *fakeConnector, opts ...option) *routerHarness {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	opts = append([]option{WithLogger(logger)}, opts...)
	b := NewBridge(connector, opts...)

	h := &routerHarness{
		bridge:    b,
		connector: connector,
		notes:     newRecordingNotifier(),
		commands:  make(chan []byte, commandQueueSize),
		done:      make(chan struct{}),
	}
	h.router = b.NewRouter("conn-1", h.notes)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.runErr = h.router.Run(ctx, h.commands)
	}()

	t.Cleanup(func() {
		cancel()
		if connector.block != nil {
			select {
			case <-connector.block:
			default:
				close(connector.block)
			}
		}
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *routerHarness) send(frame string) {
	h.commands <- []byte(frame)
}

func (h *routerHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return h.wait(t)
}

func (h *routerHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
		return nil
	}
}

func (h *routerHarness) login(t *testing.T) {
	t.Helper()
	h.send(scenarioLogin)
	note := h.notes.next(t)
	require.Equal(t, NotifyLoginSuccess, note.Type, note.Message)
}

func transferFrame(targetClass, targetGroup string, amount any, ewallet string) string {
	data, _ := json.Marshal(map[string]any{
		"type": "transfer",
		"payload": map[string]any{
			"targetClass": targetClass,
			"targetGroup": targetGroup,
			"amount":      amount,
			"ewallet":     ewallet,
		},
	})
	return string(data)
}

func TestRouterLogin(t *testing.T) {
	t.Run("Successful Login", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())

		h.send(scenarioLogin)
		note := h.notes.next(t)

		require.Equal(t, NotifyLoginSuccess, note.Type)
		payload, ok := note.Payload.(LoginSuccessPayload)
		require.True(t, ok)
		assert.Equal(t, Profile{Kelas: "A", Kelompok: "G", Ewallet: "W1"}, payload.UserProfile)
		assert.NotEmpty(t, payload.Message)

		assert.Equal(t, StateActive, h.router.State())
		assert.Equal(t, 1, h.connector.Calls())

		creds := h.connector.Creds(0)
		assert.Equal(t, "Kelompok_G_Kelas_A", creds.Username)
		assert.Equal(t, "Insys#AG#014", creds.Password)
		assert.Equal(t, "A/G", creds.Namespace)
		assert.Equal(t, []string{"A/G/#"}, h.connector.Session(0).Subscriptions())

		info, ok := h.bridge.Registry().Get("conn-1")
		require.True(t, ok)
		assert.Equal(t, "A/G", info.Namespace)
		assert.Equal(t, creds.ClientID, info.ClientID)

		h.notes.assertNone(t, 50*time.Millisecond)
	})

	t.Run("Missing Fields", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())

		h.send(`{"type":"login","payload":{"kelas":"A","nrps":["5027231002"],"ewallet":"W1"}}`)
		note := h.notes.next(t)

		assert.Equal(t, NotifyLoginFailed, note.Type)
		assert.Contains(t, note.Message, "kelompok")
		assert.Equal(t, 0, h.connector.Calls())
		assert.Equal(t, StateUnauthenticated, h.router.State())
		assert.Equal(t, 0, h.bridge.Registry().Len())
	})

	t.Run("Empty NRP List", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())

		h.send(`{"type":"login","payload":{"kelas":"A","kelompok":"G","nrps":[],"ewallet":"W1"}}`)
		note := h.notes.next(t)

		assert.Equal(t, NotifyLoginFailed, note.Type)
		assert.Equal(t, 0, h.connector.Calls())
	})

	t.Run("Broker Rejects Credentials", func(t *testing.T) {
		connector := newFakeConnector()
		connector.err = &ConnectError{Kind: ConnectAuthRejected, Err: errors.New("bad user name or password")}
		h := newRouterHarness(t, connector)

		h.send(scenarioLogin)
		note := h.notes.next(t)

		assert.Equal(t, NotifyLoginFailed, note.Type)
		assert.Contains(t, note.Message, "auth_rejected")
		assert.Equal(t, StateUnauthenticated, h.router.State())
		assert.Equal(t, 0, h.bridge.Registry().Len())
	})

	t.Run("Login While Active", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		h.send(scenarioLogin)
		note := h.notes.next(t)

		assert.Equal(t, NotifyLoginFailed, note.Type)
		assert.Contains(t, note.Message, ErrAlreadyRegistered.Message)
		assert.Equal(t, 1, h.connector.Calls())
		assert.Equal(t, StateActive, h.router.State())
		assert.Equal(t, int32(0), h.connector.Session(0).closes.Load())
	})

	t.Run("Subscription Failure Keeps Session", func(t *testing.T) {
		connector := newFakeConnector()
		connector.subscribeErr = errors.New("not authorized")
		h := newRouterHarness(t, connector)

		h.send(scenarioLogin)
		assert.Equal(t, NotifyLoginSuccess, h.notes.next(t).Type)

		note := h.notes.next(t)
		assert.Equal(t, NotifyError, note.Type)
		assert.Contains(t, note.Message, "A/G/#")
		assert.Equal(t, 1, h.bridge.Registry().Len())
	})

	t.Run("Custom Credential Deriver", func(t *testing.T) {
		deriver := CredentialDeriverFunc(func(fields IdentityFields) (Credentials, error) {
			return Credentials{ClientID: "fixed", Username: "u", Password: "p", Namespace: "ns"}, nil
		})
		h := newRouterHarness(t, newFakeConnector(), WithCredentialDeriver(deriver))
		h.login(t)

		assert.Equal(t, "fixed", h.connector.Creds(0).ClientID)
		assert.Equal(t, []string{"ns/#"}, h.connector.Session(0).Subscriptions())
	})
}

func TestRouterTransfer(t *testing.T) {
	t.Run("Transfer Before Login", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())

		h.send(transferFrame("B", "H", 1500, "W1"))
		note := h.notes.next(t)

		assert.Equal(t, NotifyError, note.Type)
		assert.Equal(t, "not logged in", note.Message)
		assert.Equal(t, 0, h.connector.Calls())
	})

	t.Run("Publishes One Message", func(t *testing.T) {
		hook := &recordingHook{}
		h := newRouterHarness(t, newFakeConnector())
		require.NoError(t, h.bridge.AddHook(hook, nil))
		h.login(t)

		h.send(transferFrame("B", "H", 1500, "W1"))
		note := h.notes.next(t)

		require.Equal(t, NotifyAck, note.Type)
		assert.Equal(t, AckPayload{Kind: AckTransfer}, note.Payload)

		msgs := h.connector.Session(0).Published()
		require.Len(t, msgs, 1)
		assert.Equal(t, "B/H/bankit/transfer/request", msgs[0].topic)
		assert.JSONEq(t, `{"amount":1500,"sender_ewallet":"W1"}`, string(msgs[0].payload))
		assert.Equal(t, int32(1), hook.published.Load())
	})

	t.Run("Amount Edge Values", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		h.send(transferFrame("B", "H", 0, "W1"))
		require.Equal(t, NotifyAck, h.notes.next(t).Type)
		h.send(transferFrame("B", "H", "9007199254740993", "W1"))
		require.Equal(t, NotifyAck, h.notes.next(t).Type)

		msgs := h.connector.Session(0).Published()
		require.Len(t, msgs, 2)
		assert.JSONEq(t, `{"amount":0,"sender_ewallet":"W1"}`, string(msgs[0].payload))
		assert.JSONEq(t, `{"amount":9007199254740993,"sender_ewallet":"W1"}`, string(msgs[1].payload))
	})

	t.Run("Invalid Amount", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		h.send(transferFrame("B", "H", -5, "W1"))
		assert.Equal(t, NotifyError, h.notes.next(t).Type)

		h.send(transferFrame("B", "H", "lots", "W1"))
		assert.Equal(t, NotifyError, h.notes.next(t).Type)

		h.send(`{"type":"transfer","payload":{"targetClass":"B","targetGroup":"H","ewallet":"W1"}}`)
		note := h.notes.next(t)
		assert.Equal(t, NotifyError, note.Type)
		assert.Contains(t, note.Message, "amount")

		assert.Empty(t, h.connector.Session(0).Published())
	})

	t.Run("Publish Failure", func(t *testing.T) {
		connector := newFakeConnector()
		connector.publishErr = NewBridgeError("publish", ErrTimeout.Message, context.DeadlineExceeded)
		h := newRouterHarness(t, connector)
		h.login(t)

		h.send(transferFrame("B", "H", 10, "W1"))
		note := h.notes.next(t)

		assert.Equal(t, NotifyTransferFailed, note.Type)
		assert.Equal(t, StateActive, h.router.State())
	})

	t.Run("Custom Transfer Topic", func(t *testing.T) {
		topic := func(class, group string) string { return "bank/" + class + "-" + group }
		h := newRouterHarness(t, newFakeConnector(), WithTransferTopic(topic))
		h.login(t)

		h.send(transferFrame("B", "H", 1, "W1"))
		require.Equal(t, NotifyAck, h.notes.next(t).Type)
		assert.Equal(t, "bank/B-H", h.connector.Session(0).Published()[0].topic)
	})
}

func TestRouterBrokerEvents(t *testing.T) {
	t.Run("Relays Messages In Order", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		handler := h.connector.Handler(0)
		for i := 0; i < 10; i++ {
			handler(BrokerEvent{
				Kind:    BrokerMessage,
				Topic:   "A/G/balance/update",
				Payload: []byte(`{"balance":` + string(rune('0'+i)) + `}`),
			})
		}

		for i := 0; i < 10; i++ {
			note := h.notes.next(t)
			require.Equal(t, NotifyRelayedMessage, note.Type)
			relayed := note.Payload.(RelayedMessagePayload)
			assert.Equal(t, "A/G/balance/update", relayed.Topic)
			assert.JSONEq(t, `{"balance":`+string(rune('0'+i))+`}`, string(relayed.Message))
		}
	})

	t.Run("Connection Lost", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		h.connector.Handler(0)(BrokerEvent{Kind: BrokerConnectionLost, Err: errors.New("EOF")})
		note := h.notes.next(t)

		assert.Equal(t, NotifyError, note.Type)
		assert.Contains(t, note.Message, "connection lost")
		assert.Equal(t, StateUnauthenticated, h.router.State())
		assert.Equal(t, 0, h.bridge.Registry().Len())
		assert.Equal(t, int32(1), h.connector.Session(0).closes.Load())

		// a fresh login works and stale events from the old session are ignored
		h.login(t)
		h.connector.Handler(0)(BrokerEvent{Kind: BrokerMessage, Topic: "A/G/old", Payload: []byte(`{}`)})
		h.connector.Handler(1)(BrokerEvent{Kind: BrokerMessage, Topic: "A/G/new", Payload: []byte(`{}`)})

		note = h.notes.next(t)
		require.Equal(t, NotifyRelayedMessage, note.Type)
		assert.Equal(t, "A/G/new", note.Payload.(RelayedMessagePayload).Topic)
	})
}

func TestRouterLogout(t *testing.T) {
	h := newRouterHarness(t, newFakeConnector())
	h.login(t)

	h.send(`{"type":"logout"}`)
	note := h.notes.next(t)

	assert.Equal(t, NotifyAck, note.Type)
	assert.Equal(t, AckPayload{Kind: AckLogout}, note.Payload)
	assert.Equal(t, StateUnauthenticated, h.router.State())
	assert.Equal(t, 0, h.bridge.Registry().Len())
	assert.Equal(t, int32(1), h.connector.Session(0).closes.Load())

	h.send(`{"type":"logout"}`)
	assert.Equal(t, NotifyError, h.notes.next(t).Type)
}

func TestRouterInvalidFrames(t *testing.T) {
	h := newRouterHarness(t, newFakeConnector())

	tests := []struct {
		name  string
		frame string
	}{
		{"Not JSON", `hello`},
		{"Missing Type", `{"payload":{}}`},
		{"Unknown Type", `{"type":"balance"}`},
		{"Wrong Field Type", `{"type":"login","payload":{"kelas":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(tt.frame)
			note := h.notes.next(t)
			assert.Equal(t, NotifyError, note.Type)
			assert.Equal(t, StateUnauthenticated, h.router.State())
		})
	}
	assert.Equal(t, 0, h.connector.Calls())
}

func TestRouterClose(t *testing.T) {
	t.Run("Close Releases Session", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		err := h.stop(t)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, h.router.State())
		assert.Equal(t, 0, h.bridge.Registry().Len())
		assert.Equal(t, int32(1), h.connector.Session(0).closes.Load())
	})

	t.Run("Commands Channel Closed", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		h.login(t)

		close(h.commands)
		assert.NoError(t, h.wait(t))
		assert.Equal(t, 0, h.bridge.Registry().Len())
	})

	t.Run("Close During Login Cancels Connect", func(t *testing.T) {
		connector := newFakeConnector()
		connector.block = make(chan struct{})
		connector.honorCtx = true
		h := newRouterHarness(t, connector)

		h.send(scenarioLogin)
		waitFor(t, connector.started)

		err := h.stop(t)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, h.bridge.Registry().Len())
		h.notes.assertNone(t, 50*time.Millisecond)
	})

	t.Run("Late Connect After Close Is Released", func(t *testing.T) {
		connector := newFakeConnector()
		connector.block = make(chan struct{})
		h := newRouterHarness(t, connector)

		h.send(scenarioLogin)
		waitFor(t, connector.started)

		h.cancel()
		close(connector.block)
		assert.ErrorIs(t, h.wait(t), context.Canceled)

		assert.Equal(t, 0, h.bridge.Registry().Len())
		assert.Equal(t, int32(1), connector.Session(0).closes.Load())
		h.notes.assertNone(t, 50*time.Millisecond)
	})

	t.Run("Handle After Close", func(t *testing.T) {
		h := newRouterHarness(t, newFakeConnector())
		require.ErrorIs(t, h.stop(t), context.Canceled)

		err := h.router.Handle(context.Background(), &LogoutCommand{})
		assert.ErrorIs(t, err, ErrSessionNotFound)

		err = h.router.Run(context.Background(), make(chan []byte))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestRouterStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", RouterState(42).String())
}
