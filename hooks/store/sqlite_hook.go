package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	bridge "github.com/golain-io/ws-mqtt-bridge"
)

// SQLiteHook implements BridgeHook to keep an audit trail of broker sessions
type SQLiteHook struct {
	bridge.BridgeHookBase
	logger    *zap.Logger
	isRunning atomic.Bool
	id        string
	db        *sql.DB
}

// SQLiteConfig holds configuration for SQLite hook
type SQLiteConfig struct {
	DBPath string // Path to SQLite database file
}

// SessionRecord is one stored session row
type SessionRecord struct {
	ConnectionID string
	ClientID     string
	Namespace    string
	State        string
	Profile      bridge.Profile
	CreatedAt    time.Time
	ClosedAt     sql.NullTime
	Publishes    int
}

// NewSQLiteHook creates a new SQLiteHook instance
func NewSQLiteHook(logger *zap.Logger) *SQLiteHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteHook{
		logger: logger,
		id:     "sqlite_hook",
	}
}

// OnSessionCreated records a newly registered session
func (h *SQLiteHook) OnSessionCreated(session *bridge.SessionInfo) error {
	if !h.isRunning.Load() {
		return nil
	}

	profileJSON, err := json.Marshal(session.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %v", err)
	}

	_, err = h.db.Exec(`
		INSERT INTO sessions
		(conn_id, client_id, namespace, state, profile, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conn_id, client_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		session.ConnectionID, session.ClientID, session.Namespace, "active",
		string(profileJSON), session.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store session: %v", err)
	}

	h.logger.Debug("Stored new session",
		zap.String("connID", session.ConnectionID),
		zap.String("clientID", session.ClientID))

	return nil
}

// OnSessionClosed marks the session closed
func (h *SQLiteHook) OnSessionClosed(session *bridge.SessionInfo) error {
	if !h.isRunning.Load() {
		return nil
	}

	closedAt := session.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}

	_, err := h.db.Exec(`
		UPDATE sessions
		SET state = ?, closed_at = ?, updated_at = ?
		WHERE conn_id = ? AND client_id = ?`,
		"closed", closedAt, time.Now(), session.ConnectionID, session.ClientID)
	if err != nil {
		return fmt.Errorf("failed to update session state: %v", err)
	}

	h.logger.Debug("Updated closed session",
		zap.String("connID", session.ConnectionID),
		zap.String("clientID", session.ClientID))

	return nil
}

// OnPublished counts publishes against the active session of connID
func (h *SQLiteHook) OnPublished(connID, topic string, payload []byte) error {
	if !h.isRunning.Load() {
		return nil
	}

	_, err := h.db.Exec(`
		UPDATE sessions
		SET publishes = publishes + 1, updated_at = ?
		WHERE conn_id = ? AND state = 'active'`,
		time.Now(), connID)
	if err != nil {
		return fmt.Errorf("failed to record publish: %v", err)
	}
	return nil
}

// Provides indicates whether this hook provides the specified functionality
func (h *SQLiteHook) Provides(b byte) bool {
	return b == bridge.OnSessionCreated ||
		b == bridge.OnSessionClosed ||
		b == bridge.OnPublished
}

// Init initializes the hook with the provided configuration
func (h *SQLiteHook) Init(config any) error {
	cfg, ok := config.(*SQLiteConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for SQLite hook")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	// hooks run on many connection goroutines; sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			conn_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			state TEXT NOT NULL,
			profile TEXT,
			publishes INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			closed_at DATETIME,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (conn_id, client_id)
		)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create sessions table: %v", err)
	}

	h.db = db
	h.isRunning.Store(true)
	return nil
}

// Stop gracefully stops the hook
func (h *SQLiteHook) Stop() error {
	h.isRunning.Store(false)
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// ID returns the unique identifier for this hook
func (h *SQLiteHook) ID() string {
	return h.id
}

// ActiveSessions returns the sessions that have not been closed
func (h *SQLiteHook) ActiveSessions() ([]SessionRecord, error) {
	return h.query(`WHERE state = 'active' ORDER BY created_at`)
}

// SessionsFor returns every session recorded for a connection
func (h *SQLiteHook) SessionsFor(connID string) ([]SessionRecord, error) {
	return h.query(`WHERE conn_id = ? ORDER BY created_at`, connID)
}

func (h *SQLiteHook) query(where string, args ...any) ([]SessionRecord, error) {
	if !h.isRunning.Load() {
		return nil, nil
	}

	rows, err := h.db.Query(`
		SELECT conn_id, client_id, namespace, state, profile, created_at, closed_at, publishes
		FROM sessions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %v", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var profileJSON sql.NullString

		err := rows.Scan(&rec.ConnectionID, &rec.ClientID, &rec.Namespace, &rec.State,
			&profileJSON, &rec.CreatedAt, &rec.ClosedAt, &rec.Publishes)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %v", err)
		}

		if profileJSON.Valid && profileJSON.String != "" {
			if err := json.Unmarshal([]byte(profileJSON.String), &rec.Profile); err != nil {
				return nil, fmt.Errorf("failed to unmarshal profile: %v", err)
			}
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %v", err)
	}

	h.logger.Debug("Retrieved stored sessions",
		zap.Int("count", len(records)))

	return records, nil
}
