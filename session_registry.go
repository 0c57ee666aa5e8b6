package bridge

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionInfo tracks the broker session registered for one client connection
type SessionInfo struct {
	ConnectionID string
	ClientID     string
	Namespace    string
	Profile      Profile
	State        SessionState
	CreatedAt    time.Time
	ClosedAt     time.Time
	Session      BrokerSession `json:"-"`
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// SessionRegistry maps client connections to at most one broker session.
// Operations on one connection ID are serialized; different IDs only share
// the short map critical sections.
type SessionRegistry struct {
	logger *zap.Logger
	hooks  *BridgeHooks

	sessions   map[string]*SessionInfo
	sessionsMu sync.RWMutex

	locks   map[string]*keyLock
	locksMu sync.Mutex
}

func NewSessionRegistry(logger *zap.Logger, hooks *BridgeHooks) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hooks == nil {
		hooks = NewBridgeHooks(logger)
	}
	return &SessionRegistry{
		logger:   logger,
		hooks:    hooks,
		sessions: make(map[string]*SessionInfo),
		locks:    make(map[string]*keyLock),
	}
}

// lock serializes all registry operations for connID
func (r *SessionRegistry) lock(connID string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[connID]
	if !ok {
		l = &keyLock{}
		r.locks[connID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, connID)
		}
		r.locksMu.Unlock()
	}
}

// Register records session as the broker session of connID. It fails with
// ErrAlreadyRegistered if connID already has one.
func (r *SessionRegistry) Register(connID string, session BrokerSession, profile Profile) error {
	if session == nil {
		return NewBridgeError("register", "nil session", nil)
	}

	unlock := r.lock(connID)
	defer unlock()

	r.sessionsMu.Lock()
	if _, exists := r.sessions[connID]; exists {
		r.sessionsMu.Unlock()
		return NewAlreadyRegisteredError(connID)
	}
	creds := session.Credentials()
	info := &SessionInfo{
		ConnectionID: connID,
		ClientID:     session.ClientID(),
		Namespace:    creds.Namespace,
		Profile:      profile,
		State:        session.State(),
		CreatedAt:    time.Now(),
		Session:      session,
	}
	r.sessions[connID] = info
	r.sessionsMu.Unlock()

	activeSessions.Inc()
	r.logger.Info("Registered broker session",
		zap.String("connID", connID),
		zap.String("clientID", info.ClientID),
		zap.String("namespace", info.Namespace))

	created := *info
	r.hooks.OnSessionCreated(&created)
	return nil
}

// Lookup returns the broker session registered for connID
func (r *SessionRegistry) Lookup(connID string) (BrokerSession, error) {
	unlock := r.lock(connID)
	defer unlock()

	r.sessionsMu.RLock()
	info, exists := r.sessions[connID]
	r.sessionsMu.RUnlock()
	if !exists {
		return nil, NewSessionNotFoundError(connID)
	}
	return info.Session, nil
}

// Get returns a copy of the registry entry for connID
func (r *SessionRegistry) Get(connID string) (SessionInfo, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	info, exists := r.sessions[connID]
	if !exists {
		return SessionInfo{}, false
	}
	out := *info
	out.State = info.Session.State()
	return out, true
}

// Unregister removes the entry for connID and closes its session. It is
// idempotent: an absent entry is a no-op, so a client hang-up racing a broker
// failure tears the session down exactly once.
func (r *SessionRegistry) Unregister(connID string) error {
	unlock := r.lock(connID)
	defer unlock()

	r.sessionsMu.Lock()
	info, exists := r.sessions[connID]
	if exists {
		delete(r.sessions, connID)
	}
	r.sessionsMu.Unlock()

	if !exists {
		r.logger.Debug("No session to unregister", zap.String("connID", connID))
		return nil
	}

	if err := info.Session.Close(); err != nil {
		r.logger.Warn("Error closing broker session",
			zap.String("connID", connID),
			zap.String("clientID", info.ClientID),
			zap.Error(err))
	}

	activeSessions.Dec()

	closed := *info
	closed.State = SessionClosed
	closed.ClosedAt = time.Now()

	r.logger.Info("Unregistered broker session",
		zap.String("connID", connID),
		zap.String("clientID", info.ClientID),
		zap.Duration("age", closed.ClosedAt.Sub(info.CreatedAt)))

	r.hooks.OnSessionClosed(&closed)
	return nil
}

// Len returns the number of registered sessions
func (r *SessionRegistry) Len() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all entries ordered by creation time
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.sessionsMu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		cp := *info
		cp.State = info.Session.State()
		out = append(out, cp)
	}
	r.sessionsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll unregisters every session
func (r *SessionRegistry) CloseAll() {
	r.sessionsMu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessionsMu.RUnlock()

	for _, id := range ids {
		_ = r.Unregister(id)
	}
}
