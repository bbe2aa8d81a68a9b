package terminal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/audit"
	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu   sync.Mutex
	byID map[string]*fleet.TerminalSession
}

func newMemSessions() *memSessions {
	return &memSessions{byID: make(map[string]*fleet.TerminalSession)}
}

func (m *memSessions) SaveTerminalSession(sess *fleet.TerminalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.byID[sess.ID] = &cp
	return nil
}

func (m *memSessions) GetTerminalSession(id string) (*fleet.TerminalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	cp := *sess
	return &cp, nil
}

func (m *memSessions) DeleteTerminalSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *memSessions) DeleteExpiredTerminalSessions(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.byID {
		if sess.ExpiresAt.Before(now) {
			delete(m.byID, id)
			removed++
		}
	}
	return removed, nil
}

// auditSpy captures recorded entries.
type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func (a *auditSpy) lastAction() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return ""
	}
	return a.entries[len(a.entries)-1].Action
}

var testServerKey = []byte("6f1d2c3b4a5968778695a4b3c2d1e0f06f1d2c3b4a5968778695a4b3c2d1e0f0")

func newTestService(t *testing.T, cfg Config) (*Service, *memSessions, *auditSpy, *fakeClock) {
	t.Helper()
	store := newMemSessions()
	spy := &auditSpy{}
	clk := newFakeClock()
	svc := NewService(cfg, store, testServerKey, spy, clk, logging.New(false, "error"))
	return svc, store, spy, clk
}
