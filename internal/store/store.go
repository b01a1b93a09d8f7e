// Package store implements the concurrent session store (C3): numeric
// session id -> session record, a maximum live count, an idle TTL, and
// monotonically increasing id assignment.
//
// Grounded on the teacher's sim/queue.go FIFO discipline (used here for
// LRU-idle eviction order), bennypowers-cem's session_core.go
// RWMutex-guarded long-lived handle, and oriys-nova's executor.go
// in-flight WaitGroup drain (invariant 5: a session referenced by a
// caller is never freed while an operation is in flight).
package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-gpt/internal/apperr"
)

// Session is the minimal interface the store needs from a session
// record. internal/session.Session satisfies this.
type Session interface {
	ID() uint32
	// Destroy releases the session's runtime resources. Called by the
	// store once it is safe to do so (no operation in flight).
	Destroy()
}

// entry wraps a Session with store-owned bookkeeping: last-used time for
// TTL/LRU, and an in-flight counter satisfying invariant 5.
type entry struct {
	sess     Session
	lastUsed time.Time
	inFlight int
	removed  bool

	lruElem *list.Element // position in idleLRU, nil while in-flight
}

// Store is the process-wide (or Service-wide) session table.
type Store struct {
	log *logrus.Entry

	ttl    time.Duration
	maxLen int

	mu      sync.Mutex
	byID    map[uint32]*entry
	idleLRU *list.List // front = least recently used idle session
	nextID  uint32
}

// New constructs a Store. ttl == 0 disables TTL eviction. maxLen <= 0
// means unbounded.
func New(ttl time.Duration, maxLen int, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		log:     log,
		ttl:     ttl,
		maxLen:  maxLen,
		byID:    make(map[uint32]*entry),
		idleLRU: list.New(),
	}
}

// Insert assigns a fresh id to sess and inserts it. If inserting would
// exceed maxLen, the least-recently-used idle session is evicted first
// (SPEC_FULL.md §9 open question (b)); if every session is busy,
// SessionLimitReached is returned and sess is not inserted.
func (s *Store) Insert(sess Session) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	if s.maxLen > 0 && len(s.byID) >= s.maxLen {
		if !s.evictOneIdleLocked() {
			return 0, apperr.New(apperr.SessionLimitReached, "gpt_create", nil)
		}
	}

	s.nextID++
	id := s.nextID

	e := &entry{sess: sess, lastUsed: time.Now()}
	e.lruElem = s.idleLRU.PushBack(id)
	s.byID[id] = e

	s.log.WithField("session_id", id).Debug("session inserted")
	return id, nil
}

// evictOneIdleLocked destroys the least-recently-used idle (not
// in-flight) session. Returns false if none is eligible.
func (s *Store) evictOneIdleLocked() bool {
	for el := s.idleLRU.Front(); el != nil; el = el.Next() {
		id := el.Value.(uint32)
		e := s.byID[id]
		if e == nil || e.inFlight > 0 {
			continue
		}
		s.removeLocked(id, e)
		s.log.WithField("session_id", id).Info("evicted idle session under capacity pressure")
		return true
	}
	return false
}

// evictExpiredLocked destroys every idle session whose lastUsed predates
// the TTL. A disabled TTL (0) is a no-op.
func (s *Store) evictExpiredLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	var expired []uint32
	for id, e := range s.byID {
		if e.inFlight == 0 && e.lastUsed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		e := s.byID[id]
		s.removeLocked(id, e)
		s.log.WithField("session_id", id).Info("session expired (idle TTL)")
	}
}

func (s *Store) removeLocked(id uint32, e *entry) {
	if e.lruElem != nil {
		s.idleLRU.Remove(e.lruElem)
	}
	delete(s.byID, id)
	e.removed = true
	e.sess.Destroy()
}

// Handle is a live reference to a session obtained from Acquire. Holding
// a Handle keeps the session from being evicted or destroyed; the caller
// MUST call Release exactly once when the operation completes.
type Handle struct {
	store *Store
	id    uint32
	sess  Session
}

// Session returns the underlying session record.
func (h *Handle) Session() Session { return h.sess }

// Release returns the handle, allowing the session to be evicted again.
func (h *Handle) Release() { h.store.release(h.id) }

// Acquire looks up id and returns a Handle that keeps the session alive
// until Release is called. Also refreshes last-used (the store's lookup
// doubles as a touch, per spec.md §4.3 "Lookups used by C6... this is
// how invariant 5 is enforced").
func (s *Store) Acquire(id uint32) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.removed {
		return nil, apperr.New(apperr.SessionNotFound, "lookup", nil)
	}
	if s.ttl > 0 && e.inFlight == 0 && time.Since(e.lastUsed) > s.ttl {
		s.removeLocked(id, e)
		return nil, apperr.New(apperr.SessionNotFound, "lookup", nil)
	}

	if e.inFlight == 0 {
		s.idleLRU.Remove(e.lruElem)
		e.lruElem = nil
	}
	e.inFlight++
	e.lastUsed = time.Now()

	return &Handle{store: s, id: id, sess: e.sess}, nil
}

func (s *Store) release(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return
	}
	e.inFlight--
	e.lastUsed = time.Now()
	if e.inFlight != 0 {
		return
	}
	if e.removed {
		delete(s.byID, id)
		e.sess.Destroy()
		return
	}
	e.lruElem = s.idleLRU.PushBack(id)
}

// Touch refreshes id's last-used time without running an operation.
// Returns whether the session existed and was not expired. Does not
// take the per-session operation lock (spec.md §5: touch is a short
// atomic/critical-section op, effective even while a long inference
// holds the session).
func (s *Store) Touch(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.removed {
		return false
	}
	if s.ttl > 0 && e.inFlight == 0 && time.Since(e.lastUsed) > s.ttl {
		s.removeLocked(id, e)
		return false
	}
	e.lastUsed = time.Now()
	return true
}

// Remove destroys id immediately if it is idle; if an operation is
// in-flight, the session is marked for removal and destroyed as soon as
// the last Handle releases it (invariant 5).
func (s *Store) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || e.removed {
		return apperr.New(apperr.SessionNotFound, "gpt_destroy", nil)
	}
	if e.inFlight == 0 {
		s.removeLocked(id, e)
		return nil
	}
	// An operation is in flight; defer teardown to release(), which
	// destroys the session once inFlight drops back to zero.
	e.removed = true
	if e.lruElem != nil {
		s.idleLRU.Remove(e.lruElem)
		e.lruElem = nil
	}
	return nil
}

// Len returns the current number of live (not-yet-destroyed) sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
