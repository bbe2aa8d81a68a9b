package terminal

import (
	"sync"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/clock"
)

// DefaultNonceLimit bounds the replay window per (machine, session).
const DefaultNonceLimit = 4096

type nonceRecord struct {
	value  string
	seenAt time.Time
}

// nonceWindow is a FIFO of recent nonces with a membership set.
type nonceWindow struct {
	order []nonceRecord
	seen  map[string]time.Time
}

func (w *nonceWindow) prune(cutoff time.Time) {
	i := 0
	for ; i < len(w.order) && w.order[i].seenAt.Before(cutoff); i++ {
		delete(w.seen, w.order[i].value)
	}
	w.order = w.order[i:]
}

// NonceStore tracks recently seen nonces per (machineId, sessionId).
// Entries expire after the TTL; each window holds at most limit
// entries, evicting oldest-first.
type NonceStore struct {
	mu      sync.Mutex
	limit   int
	ttl     time.Duration
	clk     clock.Clock
	windows map[string]*nonceWindow
}

func NewNonceStore(limit int, ttl time.Duration, clk clock.Clock) *NonceStore {
	if limit <= 0 {
		limit = DefaultNonceLimit
	}
	return &NonceStore{
		limit:   limit,
		ttl:     ttl,
		clk:     clk,
		windows: make(map[string]*nonceWindow),
	}
}

// Seen reports whether the nonce is inside the replay window for the
// pair. It does not record the nonce.
func (s *NonceStore) Seen(machineID, sessionID, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[windowKey(machineID, sessionID)]
	if w == nil {
		return false
	}
	w.prune(s.clk.Now().Add(-s.ttl))
	_, ok := w.seen[nonce]
	return ok
}

// Record remembers the nonce for the pair, evicting the oldest entry
// when the window is full.
func (s *NonceStore) Record(machineID, sessionID, nonce string) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := windowKey(machineID, sessionID)
	w := s.windows[key]
	if w == nil {
		w = &nonceWindow{seen: make(map[string]time.Time)}
		s.windows[key] = w
	}
	w.prune(now.Add(-s.ttl))
	if _, dup := w.seen[nonce]; dup {
		return
	}
	if len(w.order) >= s.limit {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest.value)
	}
	w.order = append(w.order, nonceRecord{value: nonce, seenAt: now})
	w.seen[nonce] = now
}

// DropSession releases all replay state for one session.
func (s *NonceStore) DropSession(machineID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, windowKey(machineID, sessionID))
}

func windowKey(machineID, sessionID string) string {
	return machineID + "/" + sessionID
}
