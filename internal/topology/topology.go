// Package topology implements the broker's poldercast-style view
// selection over the gossiped peer set: which peers to forward a
// message to, and which gossip descriptors to exchange with whom.
//
// No repo in the corpus this daemon was built against ships a Go
// equivalent of the `poldercast` crate the original overlay wraps, so
// the selection policy below — topic-indexed subscriber sets plus an
// incremental per-recipient gossip diff — is this daemon's own, kept
// deliberately small.
package topology

import (
	"sort"
	"sync"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/topic"
)

// Selection chooses which subset of the overlay View returns.
type Selection struct {
	Topic   topic.Topic
	IsTopic bool // false selects Any
}

// Any selects the whole known peer set.
func Any() Selection { return Selection{} }

// ForTopic selects only peers known to be subscribed to t.
func ForTopic(t topic.Topic) Selection { return Selection{Topic: t, IsTopic: true} }

// Topology holds the broker's own subscriptions and the gossiped peer
// set, and answers view/forwarding queries over them. Safe for
// concurrent use.
type Topology struct {
	mu sync.Mutex

	self       Gossip
	selfSubs   map[topic.Topic]struct{}
	known      map[identity.PublicIdentity]Gossip
	topicIndex map[topic.Topic]map[identity.PublicIdentity]struct{}
	lastSentTo map[identity.PublicIdentity]map[identity.PublicIdentity]uint32
}

// New creates an empty Topology.
func New() *Topology {
	return &Topology{
		selfSubs:   make(map[topic.Topic]struct{}),
		known:      make(map[identity.PublicIdentity]Gossip),
		topicIndex: make(map[topic.Topic]map[identity.PublicIdentity]struct{}),
		lastSentTo: make(map[identity.PublicIdentity]map[identity.PublicIdentity]uint32),
	}
}

// SubscribeTopic registers local interest in t. Takes effect in the
// self-gossip on the next UpdateProfileSubscriptions call.
func (tp *Topology) SubscribeTopic(t topic.Topic) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.selfSubs[t] = struct{}{}
}

// UnsubscribeTopic withdraws local interest in t.
func (tp *Topology) UnsubscribeTopic(t topic.Topic) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	delete(tp.selfSubs, t)
}

// UpdateProfileSubscriptions rebuilds and re-signs this broker's own
// gossip descriptor from its current subscription set.
func (tp *Topology) UpdateProfileSubscriptions(id *identity.Identity, address string, timestamp uint32) Gossip {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	subs := make([]topic.Topic, 0, len(tp.selfSubs))
	for t := range tp.selfSubs {
		subs = append(subs, t)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].String() < subs[j].String() })

	_, noisePub := id.NoiseKeypair()
	g := Gossip{Address: address, NoisePublicKey: noisePub, Subscriptions: subs, Timestamp: timestamp}
	g.Sign(id)
	tp.self = g
	return g
}

// AcceptGossip ingests a peer descriptor, replacing any older
// descriptor known for the same identity. Descriptors that fail
// signature verification, or that are not newer than what is already
// known, are ignored.
func (tp *Topology) AcceptGossip(g Gossip) bool {
	if !g.Verify() {
		return false
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if existing, ok := tp.known[g.ID]; ok {
		if g.Timestamp <= existing.Timestamp {
			return false
		}
		tp.unindexLocked(existing)
	}

	tp.known[g.ID] = g
	tp.indexLocked(g)
	return true
}

func (tp *Topology) indexLocked(g Gossip) {
	for _, t := range g.Subscriptions {
		if tp.topicIndex[t] == nil {
			tp.topicIndex[t] = make(map[identity.PublicIdentity]struct{})
		}
		tp.topicIndex[t][g.ID] = struct{}{}
	}
}

func (tp *Topology) unindexLocked(g Gossip) {
	for _, t := range g.Subscriptions {
		delete(tp.topicIndex[t], g.ID)
	}
}

// AddressOf returns the last-gossiped network address for id, if known.
func (tp *Topology) AddressOf(id identity.PublicIdentity) (string, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	g, ok := tp.known[id]
	if !ok {
		return "", false
	}
	return g.Address, true
}

// View returns the ordered set of peers to forward to under selection,
// excluding from (never forward back to the sender).
func (tp *Topology) View(from *identity.PublicIdentity, selection Selection) []identity.PublicIdentity {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	var candidates map[identity.PublicIdentity]struct{}
	if selection.IsTopic {
		candidates = tp.topicIndex[selection.Topic]
	} else {
		candidates = make(map[identity.PublicIdentity]struct{}, len(tp.known))
		for id := range tp.known {
			candidates[id] = struct{}{}
		}
	}

	out := make([]identity.PublicIdentity, 0, len(candidates))
	for id := range candidates {
		if from != nil && id == *from {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// KnownGossips returns every gossip descriptor currently known,
// including this broker's own, unconditionally — used to snapshot the
// full known set into GossipStore, as distinct from GossipsFor's
// per-recipient incremental diff.
func (tp *Topology) KnownGossips() []Gossip {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	out := make([]Gossip, 0, len(tp.known)+1)
	if tp.self.Sig != nil {
		out = append(out, tp.self)
	}
	for _, g := range tp.known {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// GossipsFor returns the peer descriptors worth sending to recipient:
// this broker's own descriptor plus every known descriptor newer than
// what GossipsFor has already reported to recipient, so repeated calls
// do not keep re-sending unchanged entries.
func (tp *Topology) GossipsFor(recipient identity.PublicIdentity) []Gossip {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	sent := tp.lastSentTo[recipient]
	if sent == nil {
		sent = make(map[identity.PublicIdentity]uint32)
		tp.lastSentTo[recipient] = sent
	}

	var out []Gossip
	consider := func(g Gossip) {
		if g.ID == recipient {
			return
		}
		if last, ok := sent[g.ID]; ok && g.Timestamp <= last {
			return
		}
		out = append(out, g)
		sent[g.ID] = g.Timestamp
	}

	if tp.self.Sig != nil {
		consider(tp.self)
	}
	for _, g := range tp.known {
		consider(g)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
