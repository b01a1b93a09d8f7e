package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-gpt/internal/apperr"
)

type fakeSession struct {
	id        uint32
	destroyed bool
}

func (f *fakeSession) ID() uint32 { return f.id }
func (f *fakeSession) Destroy()   { f.destroyed = true }

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	s := New(0, 0, nil)
	id1, err := s.Insert(&fakeSession{})
	require.NoError(t, err)
	id2, err := s.Insert(&fakeSession{})
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestAcquireRelease_RoundTrip(t *testing.T) {
	s := New(0, 0, nil)
	id, _ := s.Insert(&fakeSession{})

	h, err := s.Acquire(id)
	require.NoError(t, err)
	require.Equal(t, id, h.Session().ID())
	h.Release()
}

func TestAcquire_NotFound(t *testing.T) {
	s := New(0, 0, nil)
	_, err := s.Acquire(999)
	require.True(t, apperr.Is(err, apperr.SessionNotFound))
}

func TestCapacity_EvictsIdleLRU(t *testing.T) {
	s := New(0, 2, nil)
	sess1 := &fakeSession{}
	sess2 := &fakeSession{}
	id1, err := s.Insert(sess1)
	require.NoError(t, err)
	_, err = s.Insert(sess2)
	require.NoError(t, err)

	// Both idle; inserting a third should evict the LRU (sess1, inserted
	// first and never touched since).
	sess3 := &fakeSession{}
	_, err = s.Insert(sess3)
	require.NoError(t, err)
	require.True(t, sess1.destroyed)
	require.Equal(t, 2, s.Len())

	_, err = s.Acquire(id1)
	require.True(t, apperr.Is(err, apperr.SessionNotFound))
}

func TestCapacity_RejectsWhenAllBusy(t *testing.T) {
	s := New(0, 1, nil)
	sess1 := &fakeSession{}
	id1, _ := s.Insert(sess1)
	h, err := s.Acquire(id1)
	require.NoError(t, err)
	defer h.Release()

	_, err = s.Insert(&fakeSession{})
	require.True(t, apperr.Is(err, apperr.SessionLimitReached))
}

func TestTTL_ExpiresIdleSessions(t *testing.T) {
	s := New(10*time.Millisecond, 0, nil)
	sess := &fakeSession{}
	id, _ := s.Insert(sess)

	time.Sleep(25 * time.Millisecond)
	_, err := s.Acquire(id)
	require.True(t, apperr.Is(err, apperr.SessionNotFound))
	require.True(t, sess.destroyed)
}

func TestTouch_RefreshesTTL(t *testing.T) {
	s := New(30*time.Millisecond, 0, nil)
	sess := &fakeSession{}
	id, _ := s.Insert(sess)

	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Touch(id))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Acquire(id)
	require.NoError(t, err, "touch should have extended the TTL past the first sleep")
}

func TestRemove_DeferredWhileInFlight(t *testing.T) {
	s := New(0, 0, nil)
	sess := &fakeSession{}
	id, _ := s.Insert(sess)

	h, err := s.Acquire(id)
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	require.False(t, sess.destroyed, "destroy must wait for in-flight handle to release")

	h.Release()
	require.True(t, sess.destroyed)

	_, err = s.Acquire(id)
	require.True(t, apperr.Is(err, apperr.SessionNotFound))
}
