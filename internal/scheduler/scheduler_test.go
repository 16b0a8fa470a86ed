package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primetype-labs/asmtpd/internal/identity"
)

func mkID(b byte) identity.PublicIdentity {
	var id identity.PublicIdentity
	id[0] = b
	return id
}

func TestRegisterAndPopFIFO(t *testing.T) {
	s := New(10, 10, 30*time.Second)
	now := time.Now()

	s.RegisterInterest(mkID(1), now)
	s.RegisterInterest(mkID(2), now)

	id, ok := s.NextPeer(now)
	require.True(t, ok)
	require.Equal(t, mkID(1), id)

	id, ok = s.NextPeer(now)
	require.True(t, ok)
	require.Equal(t, mkID(2), id)

	_, ok = s.NextPeer(now)
	require.False(t, ok)
}

func TestRegisterInterestRateLimitsRecentlyGossiped(t *testing.T) {
	s := New(10, 10, 30*time.Second)
	now := time.Now()

	s.RegisterInterest(mkID(1), now)
	_, ok := s.NextPeer(now)
	require.True(t, ok)

	// Too soon: should be discarded.
	s.RegisterInterest(mkID(1), now.Add(5*time.Second))
	require.Equal(t, 0, s.Len())

	// Past min_elapsed: should queue again.
	s.RegisterInterest(mkID(1), now.Add(31*time.Second))
	require.Equal(t, 1, s.Len())
}

func TestQueueEvictsOldestOnOverflow(t *testing.T) {
	s := New(2, 10, 30*time.Second)
	now := time.Now()

	s.RegisterInterest(mkID(1), now)
	s.RegisterInterest(mkID(2), now)
	s.RegisterInterest(mkID(3), now) // evicts 1

	id, ok := s.NextPeer(now)
	require.True(t, ok)
	require.Equal(t, mkID(2), id)

	id, ok = s.NextPeer(now)
	require.True(t, ok)
	require.Equal(t, mkID(3), id)
}

func TestRegisterInterestIsIdempotentWhileQueued(t *testing.T) {
	s := New(10, 10, 30*time.Second)
	now := time.Now()

	s.RegisterInterest(mkID(1), now)
	s.RegisterInterest(mkID(1), now)
	require.Equal(t, 1, s.Len())
}
