// Package scheduler implements GossipScheduler: the ordered set of
// peers interested-in-being-gossiped-to, bounded by queue_size, and the
// recently-gossiped LRU that rate-limits how often the same peer is
// re-queued.
package scheduler

import (
	"time"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/lru"
)

// DefaultMinElapsed is the minimum time that must pass since a peer was
// last gossiped to before it can be queued again.
const DefaultMinElapsed = 30 * time.Second

// Scheduler tracks which peers are due a gossip exchange next. Not safe
// for concurrent use — callers serialize access (the broker's
// single-threaded Runner loop does this naturally).
type Scheduler struct {
	queueSize  int
	minElapsed time.Duration
	willGossip []identity.PublicIdentity // ordered set; append-only with explicit eviction
	inQueue    map[identity.PublicIdentity]struct{}

	hasGossiped *lru.Cache[identity.PublicIdentity, time.Time]
}

// New creates a Scheduler bounded by queueSize (the will_gossip set)
// and historySize (the has_gossiped LRU), rate-limited by minElapsed.
func New(queueSize, historySize int, minElapsed time.Duration) *Scheduler {
	return &Scheduler{
		queueSize:   queueSize,
		minElapsed:  minElapsed,
		inQueue:     make(map[identity.PublicIdentity]struct{}),
		hasGossiped: lru.New[identity.PublicIdentity, time.Time](historySize),
	}
}

// RegisterInterest queues id for a gossip exchange, unless it was
// gossiped to more recently than minElapsed ago. If the queue is at
// capacity the least-recently-queued entry is evicted to make room.
func (s *Scheduler) RegisterInterest(id identity.PublicIdentity, now time.Time) {
	if last, ok := s.hasGossiped.Peek(id); ok && now.Sub(last) < s.minElapsed {
		return
	}
	if _, queued := s.inQueue[id]; queued {
		return
	}

	if len(s.willGossip) >= s.queueSize {
		evicted := s.willGossip[0]
		s.willGossip = s.willGossip[1:]
		delete(s.inQueue, evicted)
	}

	s.willGossip = append(s.willGossip, id)
	s.inQueue[id] = struct{}{}
}

// NextPeer pops the next peer due a gossip exchange, if any, and
// records that it was just gossiped to.
func (s *Scheduler) NextPeer(now time.Time) (identity.PublicIdentity, bool) {
	if len(s.willGossip) == 0 {
		return identity.PublicIdentity{}, false
	}
	id := s.willGossip[0]
	s.willGossip = s.willGossip[1:]
	delete(s.inQueue, id)
	s.hasGossiped.Put(id, now)
	return id, true
}

// Len reports how many peers are currently queued.
func (s *Scheduler) Len() int {
	return len(s.willGossip)
}
