package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bridge "github.com/golain-io/ws-mqtt-bridge"
)

// staticSession is a BrokerSession with no broker behind it
type staticSession struct {
	creds  bridge.Credentials
	closed bool
}

func (s *staticSession) ClientID() string                { return s.creds.ClientID }
func (s *staticSession) Credentials() bridge.Credentials { return s.creds }
func (s *staticSession) Subscriptions() []string         { return nil }

func (s *staticSession) State() bridge.SessionState {
	if s.closed {
		return bridge.SessionClosed
	}
	return bridge.SessionConnected
}

func (s *staticSession) Subscribe(context.Context, string) error        { return nil }
func (s *staticSession) Publish(context.Context, string, []byte) error { return nil }

func (s *staticSession) Close() error {
	s.closed = true
	return nil
}

func TestSQLiteHook(t *testing.T) {
	// Setup logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// Helper function to create a new hook instance
	createHook := func(t *testing.T, dbPath string) *SQLiteHook {
		hook := NewSQLiteHook(logger)
		err := hook.Init(&SQLiteConfig{
			DBPath: dbPath,
		})
		require.NoError(t, err)
		return hook
	}

	newSession := func(connID string) *bridge.SessionInfo {
		return &bridge.SessionInfo{
			ConnectionID: connID,
			ClientID:     "ws_client_A_G_" + connID,
			Namespace:    "A/G",
			Profile:      bridge.Profile{Kelas: "A", Kelompok: "G", Ewallet: "W1"},
			State:        bridge.SessionConnected,
			CreatedAt:    time.Now(),
		}
	}

	t.Run("Invalid Config", func(t *testing.T) {
		hook := NewSQLiteHook(logger)
		assert.Error(t, hook.Init("not a config"))
	})

	t.Run("Session Lifecycle", func(t *testing.T) {
		hook := createHook(t, filepath.Join(t.TempDir(), "sessions.db"))
		defer hook.Stop()

		session := newSession("conn-1")
		require.NoError(t, hook.OnSessionCreated(session))

		active, err := hook.ActiveSessions()
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "conn-1", active[0].ConnectionID)
		assert.Equal(t, session.ClientID, active[0].ClientID)
		assert.Equal(t, "A/G", active[0].Namespace)
		assert.Equal(t, "active", active[0].State)
		assert.Equal(t, session.Profile, active[0].Profile)
		assert.False(t, active[0].ClosedAt.Valid)

		require.NoError(t, hook.OnPublished("conn-1", "B/H/bankit/transfer/request", []byte(`{"amount":1}`)))
		require.NoError(t, hook.OnPublished("conn-1", "B/H/bankit/transfer/request", []byte(`{"amount":2}`)))

		session.ClosedAt = time.Now()
		require.NoError(t, hook.OnSessionClosed(session))

		active, err = hook.ActiveSessions()
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := hook.SessionsFor("conn-1")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "closed", all[0].State)
		assert.True(t, all[0].ClosedAt.Valid)
		assert.Equal(t, 2, all[0].Publishes)
	})

	t.Run("Relogin On Same Connection", func(t *testing.T) {
		hook := createHook(t, filepath.Join(t.TempDir(), "sessions.db"))
		defer hook.Stop()

		first := newSession("conn-1")
		require.NoError(t, hook.OnSessionCreated(first))
		require.NoError(t, hook.OnSessionClosed(first))

		second := newSession("conn-1")
		second.ClientID = "ws_client_A_G_second"
		require.NoError(t, hook.OnSessionCreated(second))

		all, err := hook.SessionsFor("conn-1")
		require.NoError(t, err)
		require.Len(t, all, 2)

		active, err := hook.ActiveSessions()
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "ws_client_A_G_second", active[0].ClientID)
	})

	t.Run("Persistence Across Restart", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "sessions.db")

		hook := createHook(t, dbPath)
		require.NoError(t, hook.OnSessionCreated(newSession("conn-1")))
		require.NoError(t, hook.OnSessionCreated(newSession("conn-2")))
		require.NoError(t, hook.Stop())

		hook = createHook(t, dbPath)
		defer hook.Stop()

		active, err := hook.ActiveSessions()
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("Stopped Hook Ignores Events", func(t *testing.T) {
		hook := createHook(t, filepath.Join(t.TempDir(), "sessions.db"))
		require.NoError(t, hook.Stop())

		assert.NoError(t, hook.OnSessionCreated(newSession("conn-1")))
		active, err := hook.ActiveSessions()
		assert.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("Wired Through Session Registry", func(t *testing.T) {
		hooks := bridge.NewBridgeHooks(logger)
		hook := NewSQLiteHook(logger)
		require.NoError(t, hooks.Add(hook, &SQLiteConfig{DBPath: filepath.Join(t.TempDir(), "sessions.db")}))
		defer hooks.Stop()

		reg := bridge.NewSessionRegistry(logger, hooks)
		session := &staticSession{creds: bridge.Credentials{ClientID: "client-1", Namespace: "A/G"}}
		require.NoError(t, reg.Register("conn-1", session, bridge.Profile{Kelas: "A", Kelompok: "G", Ewallet: "W1"}))

		active, err := hook.ActiveSessions()
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "client-1", active[0].ClientID)

		require.NoError(t, reg.Unregister("conn-1"))
		active, err = hook.ActiveSessions()
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}
