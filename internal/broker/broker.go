// Package broker implements the Runner: the single-threaded cooperative
// select loop that ties the stores, topology, connections and scheduler
// together and dispatches inbound peer messages per the protocol.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/primetype-labs/asmtpd/internal/connections"
	"github.com/primetype-labs/asmtpd/internal/gossipstore"
	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/lru"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/scheduler"
	"github.com/primetype-labs/asmtpd/internal/topic"
	"github.com/primetype-labs/asmtpd/internal/topicstore"
	"github.com/primetype-labs/asmtpd/internal/topology"
	"github.com/primetype-labs/asmtpd/internal/wire"
)

// ShutdownGrace is the bounded wait spec §4.11.2 allows outstanding
// tasks before the runtime gives up on a clean shutdown.
const ShutdownGrace = 200 * time.Millisecond

// DefaultKnownMessageCacheSize bounds the dedup cache (§4.11.1).
const DefaultKnownMessageCacheSize = 10240

// DefaultHeartBeat is the Runner's periodic log-tick interval.
const DefaultHeartBeat = time.Second

// Config carries the Runner's tunables.
type Config struct {
	HeartBeat             time.Duration
	KnownMessageCacheSize int
	PublicAddress         string
	PrivilegedUsers       map[identity.PublicIdentity]struct{}
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartBeat:             DefaultHeartBeat,
		KnownMessageCacheSize: DefaultKnownMessageCacheSize,
		PrivilegedUsers:       make(map[identity.PublicIdentity]struct{}),
	}
}

// CommandKind distinguishes the two administrative commands the Runner
// accepts.
type CommandKind int

const (
	CommandShutdown CommandKind = iota
	CommandSubscriptions
)

// Command is sent to the Runner's command channel.
type Command struct {
	Kind   CommandKind
	Add    []topic.Topic
	Remove []topic.Topic
}

// Broker is the Runner: it owns the command channel, the listener, and
// every store/overlay component the select loop touches each
// iteration.
type Broker struct {
	log *slog.Logger

	self     *identity.Identity
	config   Config
	listener net.Listener

	passports   *passport.Store
	topics      *topicstore.Store
	gossipStore *gossipstore.Store
	topo        *topology.Topology
	conns       *connections.Connections
	sched       *scheduler.Scheduler
	dedup       *lru.Cache[[32]byte, struct{}]

	commands chan Command
}

// New wires a Broker from its already-constructed dependencies.
func New(
	log *slog.Logger,
	self *identity.Identity,
	config Config,
	listener net.Listener,
	passports *passport.Store,
	topics *topicstore.Store,
	gossipStore *gossipstore.Store,
	topo *topology.Topology,
	conns *connections.Connections,
	sched *scheduler.Scheduler,
) *Broker {
	if log == nil {
		log = slog.Default()
	}
	if config.KnownMessageCacheSize <= 0 {
		config.KnownMessageCacheSize = DefaultKnownMessageCacheSize
	}
	if config.HeartBeat <= 0 {
		config.HeartBeat = DefaultHeartBeat
	}
	if config.PrivilegedUsers == nil {
		config.PrivilegedUsers = make(map[identity.PublicIdentity]struct{})
	}

	return &Broker{
		log:         log.With("component", "broker"),
		self:        self,
		config:      config,
		listener:    listener,
		passports:   passports,
		topics:      topics,
		gossipStore: gossipStore,
		topo:        topo,
		conns:       conns,
		sched:       sched,
		dedup:       lru.New[[32]byte, struct{}](config.KnownMessageCacheSize),
		commands:    make(chan Command, 8),
	}
}

// RequestShutdown asks the Runner to stop at its next select iteration.
func (b *Broker) RequestShutdown() {
	b.commands <- Command{Kind: CommandShutdown}
}

// UpdateSubscriptions asks the Runner to add/remove local topic
// subscriptions.
func (b *Broker) UpdateSubscriptions(add, remove []topic.Topic) {
	b.commands <- Command{Kind: CommandSubscriptions, Add: add, Remove: remove}
}

// Run is the main cooperative loop. It returns when a Shutdown command
// is processed or ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	b.log.Info("broker starting", "public_address", b.config.PublicAddress)

	for _, id := range b.topo.View(nil, topology.Any()) {
		b.sched.RegisterInterest(id, time.Now())
	}

	acceptCh := b.acceptLoop(ctx)
	inboundCh := b.receiveLoop(ctx)
	heartbeat := time.NewTicker(b.config.HeartBeat)
	defer heartbeat.Stop()

	for {
		now := time.Now()

		if id, ok := b.sched.NextPeer(now); ok {
			b.sendGossipsTo(id)
		}

		if b.sched.Len() == 0 {
			if peers := b.topo.View(nil, topology.Any()); len(peers) > 0 {
				b.sched.RegisterInterest(peers[rand.Intn(len(peers))], now)
			}
		}

		if b.gossipStore.NeedsUpdate(now) {
			b.snapshotGossipStore(now)
		}

		select {
		case <-ctx.Done():
			b.log.Info("broker stopping: context cancelled")
			return nil

		case <-heartbeat.C:
			b.beat()

		case cmd := <-b.commands:
			if stop := b.handleCommand(cmd); stop {
				b.log.Info("broker stopping: shutdown requested")
				return nil
			}

		case conn, ok := <-acceptCh:
			if !ok {
				continue
			}
			b.conns.Accept(conn, b.acceptPeer)

		case inbound, ok := <-inboundCh:
			if !ok {
				continue
			}
			if err := b.handleMessage(inbound.Peer, inbound.Message); err != nil {
				b.log.Warn("failed to handle peer message", "peer", inbound.Peer, "error", err)
			}
		}
	}
}

// receiveLoop adapts Connections.Receive's blocking call into a single
// long-lived channel the select loop above reads from every iteration.
func (b *Broker) receiveLoop(ctx context.Context) <-chan connections.Inbound {
	out := make(chan connections.Inbound)
	go func() {
		defer close(out)
		for {
			msg, ok := b.conns.Receive(ctx)
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Broker) acceptLoop(ctx context.Context) <-chan net.Conn {
	out := make(chan net.Conn)
	go func() {
		defer close(out)
		for {
			conn, err := b.listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					b.log.Warn("listener accept failed", "error", err)
					return
				}
			}
			select {
			case out <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()
	return out
}

// acceptPeer is the wire.AcceptFunc consulted on every inbound
// handshake. This daemon accepts any disclosed identity that resolves;
// privileged-only operations are checked per-message, not at the
// transport layer.
func (b *Broker) acceptPeer(identity.PublicIdentity) bool { return true }

func (b *Broker) beat() {
	b.log.Info("beat")
}

func (b *Broker) handleCommand(cmd Command) (stop bool) {
	switch cmd.Kind {
	case CommandShutdown:
		return true
	case CommandSubscriptions:
		for _, t := range cmd.Add {
			b.topo.SubscribeTopic(t)
		}
		for _, t := range cmd.Remove {
			b.topo.UnsubscribeTopic(t)
		}
		b.topo.UpdateProfileSubscriptions(b.self, b.config.PublicAddress, uint32(time.Now().Unix()))
		return false
	default:
		return false
	}
}

func (b *Broker) sendGossipsTo(peer identity.PublicIdentity) {
	address, ok := b.topo.AddressOf(peer)
	if !ok {
		return
	}
	gossips := b.topo.GossipsFor(peer)
	if len(gossips) == 0 {
		return
	}
	if err := b.conns.SendGossips(peer, address, gossips); err != nil {
		b.log.Warn("cannot send gossips to peer", "peer", peer, "error", err)
	}
}

func (b *Broker) snapshotGossipStore(now time.Time) {
	all := b.topo.KnownGossips()
	blobs := make([][]byte, len(all))
	for i, g := range all {
		blobs[i] = g.Encode()
	}
	if err := b.gossipStore.Update(now, blobs); err != nil {
		b.log.Warn("cannot snapshot gossip store", "error", err)
	}
}

func (b *Broker) isPrivileged(peer identity.PublicIdentity) bool {
	_, ok := b.config.PrivilegedUsers[peer]
	return ok
}

// handleMessage dispatches one inbound message per §4.11.1.
func (b *Broker) handleMessage(peer identity.PublicIdentity, msg wire.Message) error {
	switch msg.Tag {
	case wire.TagGossip:
		return b.handleGossip(peer, msg)
	case wire.TagTopic:
		return b.handleTopic(peer, msg)
	case wire.TagQueryTopicMessages:
		return b.handleQueryTopicMessages(peer, msg)
	case wire.TagGetPassport:
		return b.handleGetPassport(peer, msg)
	case wire.TagPutPassport:
		return b.handlePutPassport(peer, msg)
	case wire.TagRegisterTopic:
		return b.handleRegisterTopic(peer, msg)
	case wire.TagDeregisterTopic:
		return b.handleDeregisterTopic(peer, msg)
	default:
		return fmt.Errorf("broker: unknown message tag %d from %s", msg.Tag, peer)
	}
}

func (b *Broker) handleGossip(peer identity.PublicIdentity, msg wire.Message) error {
	g, err := topology.Decode(msg.GossipBlob)
	if err != nil {
		return fmt.Errorf("broker: decode gossip: %w", err)
	}
	b.sched.RegisterInterest(peer, time.Now())
	b.topo.AcceptGossip(g)
	wire.RegisterKnownIdentity(g.ID)
	return nil
}

func (b *Broker) handleTopic(peer identity.PublicIdentity, msg wire.Message) error {
	digest := blake2b.Sum256(msg.TopicContent)
	if b.dedup.Contains(digest) {
		return nil
	}
	b.dedup.Put(digest, struct{}{})

	if _, err := b.topics.InsertMessage(msg.Topic, msg.TopicContent); err != nil {
		return fmt.Errorf("broker: store incoming topic message: %w", err)
	}

	for _, recipient := range b.topo.View(&peer, topology.ForTopic(msg.Topic)) {
		address, ok := b.topo.AddressOf(recipient)
		if !ok {
			continue
		}
		if err := b.conns.Send(recipient, address, msg); err != nil {
			b.log.Warn("cannot forward topic message", "peer", recipient, "error", err)
		}
	}
	return nil
}

func (b *Broker) handleQueryTopicMessages(peer identity.PublicIdentity, msg wire.Message) error {
	address, ok := b.topo.AddressOf(peer)
	if !ok {
		return nil
	}
	records, err := b.topics.RangeTime(msg.Topic, msg.SinceTime)
	if err != nil {
		return fmt.Errorf("broker: range time query: %w", err)
	}
	for _, record := range records {
		reply := wire.TopicMessage(msg.Topic, record.Bytes)
		if err := b.conns.Send(peer, address, reply); err != nil {
			b.log.Warn("cannot answer topic query", "peer", peer, "error", err)
			return nil
		}
	}
	return nil
}

func (b *Broker) handleGetPassport(peer identity.PublicIdentity, msg wire.Message) error {
	address, ok := b.topo.AddressOf(peer)
	if !ok {
		return nil
	}
	id := topic.PassportID(msg.PassportID)
	chain, found, err := b.passports.GetChain(id)
	if err != nil {
		return fmt.Errorf("broker: get chain: %w", err)
	}
	if !found {
		return nil
	}
	blocks := make([][]byte, len(chain))
	for i, blk := range chain {
		blocks[i] = passport.EncodeBlock(blk)
	}
	reply := wire.PutPassportMessage(msg.PassportID, blocks)
	if err := b.conns.Send(peer, address, reply); err != nil {
		b.log.Warn("cannot answer get-passport", "peer", peer, "error", err)
	}
	return nil
}

func (b *Broker) handlePutPassport(peer identity.PublicIdentity, msg wire.Message) error {
	if !b.isPrivileged(peer) {
		return nil
	}

	blocks := make([]passport.Block, len(msg.Blocks))
	for i, raw := range msg.Blocks {
		blk, err := passport.DecodeBlock(raw)
		if err != nil {
			return fmt.Errorf("broker: decode passport block: %w", err)
		}
		blocks[i] = blk
	}
	if len(blocks) == 0 {
		return fmt.Errorf("broker: put-passport with no blocks from %s", peer)
	}

	genesisHash := blocks[0].Hash()
	claimedID := topic.PassportID(msg.PassportID)
	if passport.PassportIDFromHash(genesisHash) != claimedID {
		return fmt.Errorf("broker: put-passport genesis hash mismatch from %s", peer)
	}

	if _, err := b.passports.PutChain(blocks); err != nil {
		b.log.Warn("cannot accept new passport", "peer", peer, "error", err)
	}
	return nil
}

func (b *Broker) handleRegisterTopic(peer identity.PublicIdentity, msg wire.Message) error {
	if !b.isPrivileged(peer) {
		return nil
	}
	return b.topics.Insert(msg.Topic)
}

func (b *Broker) handleDeregisterTopic(peer identity.PublicIdentity, msg wire.Message) error {
	if !b.isPrivileged(peer) {
		return nil
	}
	return b.topics.Remove(msg.Topic)
}
