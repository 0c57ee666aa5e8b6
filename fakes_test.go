package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type published struct {
	topic   string
	payload []byte
}

// fakeSession is an in-memory BrokerSession
type fakeSession struct {
	creds Credentials

	closes       atomic.Int32
	subscribeErr error
	publishErr   error

	mu        sync.Mutex
	subs      []string
	published []published
}

func newFakeSession(creds Credentials) *fakeSession {
	return &fakeSession{creds: creds}
}

func (s *fakeSession) ClientID() string         { return s.creds.ClientID }
func (s *fakeSession) Credentials() Credentials { return s.creds }

func (s *fakeSession) State() SessionState {
	if s.closes.Load() > 0 {
		return SessionClosed
	}
	return SessionConnected
}

func (s *fakeSession) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.subs...)
	sort.Strings(out)
	return out
}

func (s *fakeSession) Subscribe(ctx context.Context, pattern string) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.mu.Lock()
	s.subs = append(s.subs, pattern)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.mu.Lock()
	s.published = append(s.published, published{topic: topic, payload: CopyBytes(payload)})
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Published() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.published...)
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

// fakeConnector hands out fakeSessions. When block is set Connect waits for
// release (or ctx when honorCtx is set) before completing.
type fakeConnector struct {
	err          error
	subscribeErr error
	publishErr   error

	block    chan struct{}
	honorCtx bool
	started  chan struct{}

	mu       sync.Mutex
	calls    int
	creds    []Credentials
	sessions []*fakeSession
	handlers []EventHandler
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{started: make(chan struct{}, 16)}
}

func (c *fakeConnector) Connect(ctx context.Context, creds Credentials, handler EventHandler) (BrokerSession, error) {
	c.mu.Lock()
	c.calls++
	c.creds = append(c.creds, creds)
	c.mu.Unlock()

	c.started <- struct{}{}

	if c.block != nil {
		if c.honorCtx {
			select {
			case <-c.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-c.block
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	s := newFakeSession(creds)
	s.subscribeErr = c.subscribeErr
	s.publishErr = c.publishErr

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConnector) Session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

func (c *fakeConnector) Handler(i int) EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[i]
}

func (c *fakeConnector) Creds(i int) Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds[i]
}

// recordingNotifier captures every notification sent to a client
type recordingNotifier struct {
	ch chan Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Notification, 64)}
}

func (n *recordingNotifier) Notify(note Notification) error {
	n.ch <- note
	return nil
}

func (n *recordingNotifier) next(t *testing.T) Notification {
	t.Helper()
	select {
	case note := <-n.ch:
		return note
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func (n *recordingNotifier) assertNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case note := <-n.ch:
		t.Fatalf("unexpected notification: %+v", note)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}

// recordingHook counts lifecycle hook calls
type recordingHook struct {
	BridgeHookBase
	created   atomic.Int32
	closed    atomic.Int32
	published atomic.Int32
}

func (h *recordingHook) ID() string { return "recording" }

func (h *recordingHook) Provides(b byte) bool {
	return b == OnSessionCreated || b == OnSessionClosed || b == OnPublished
}

func (h *recordingHook) OnSessionCreated(*SessionInfo) error {
	h.created.Add(1)
	return nil
}

func (h *recordingHook) OnSessionClosed(*SessionInfo) error {
	h.closed.Add(1)
	return nil
}

func (h *recordingHook) OnPublished(string, string, []byte) error {
	h.published.Add(1)
	return nil
}

const (
	scenarioLogin = `{"type":"login","payload":{"kelas":"A","kelompok":"G","nrps":["5027231002","5027231004","5027231008"],"ewallet":"W1"}}`
)
