// Package connections maintains the broker's outbound/inbound peer
// connection pool: an LRU-bounded map from identity to a per-peer
// outbox, each backed by a background goroutine pair driving a
// wire.Codec over a TCP duplex.
package connections

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/lru"
	"github.com/primetype-labs/asmtpd/internal/topology"
	"github.com/primetype-labs/asmtpd/internal/wire"
)

// Defaults per spec §4.9.
const (
	DefaultOutboxSize       = 8
	DefaultMessageQueueSize = 64
)

// CommandKind distinguishes the two things an outbox accepts.
type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandGossips
)

// Command is what callers push onto a peer's outbox.
type Command struct {
	Kind    CommandKind
	Message wire.Message
	Gossips []topology.Gossip
}

// Inbound is one message received from a peer, destined for the
// broker's shared inbound queue.
type Inbound struct {
	Peer    identity.PublicIdentity
	Message wire.Message
}

// ErrOutboxFull is returned by Send/SendGossips when a peer's outbox is
// saturated; callers treat this as a transient loss, not a hard error.
type ErrOutboxFull struct{ Peer identity.PublicIdentity }

func (e ErrOutboxFull) Error() string {
	return fmt.Sprintf("connections: outbox full for peer %s", e.Peer)
}

// Connections is the LRU-bounded identity -> outbox pool.
type Connections struct {
	log  *slog.Logger
	self *identity.Identity

	mu      sync.Mutex
	outbox  *lru.Cache[identity.PublicIdentity, chan Command]
	inbound chan Inbound

	outboxSize int
}

// New builds a Connections pool. maxOpenedConnections bounds the LRU
// outbox map (§4.9); messageQueueSize bounds the shared inbound queue.
func New(log *slog.Logger, self *identity.Identity, maxOpenedConnections, messageQueueSize int) *Connections {
	if log == nil {
		log = slog.Default()
	}
	return &Connections{
		log:        log.With("component", "connections"),
		self:       self,
		outbox:     lru.New[identity.PublicIdentity, chan Command](maxOpenedConnections),
		inbound:    make(chan Inbound, messageQueueSize),
		outboxSize: DefaultOutboxSize,
	}
}

// Receive blocks until a message arrives from any peer, or ctx is
// cancelled.
func (c *Connections) Receive(ctx context.Context) (Inbound, bool) {
	select {
	case msg, ok := <-c.inbound:
		return msg, ok
	case <-ctx.Done():
		return Inbound{}, false
	}
}

// Accept handshakes an inbound connection as the responder. userAccept
// is the caller-supplied predicate (§4.2); Accept additionally refuses
// a peer already registered, preventing double-registration (§4.9).
func (c *Connections) Accept(conn net.Conn, userAccept wire.AcceptFunc) {
	go func() {
		accept := func(remote identity.PublicIdentity) bool {
			if c.hasOutbox(remote) {
				return false
			}
			if userAccept != nil {
				return userAccept(remote)
			}
			return true
		}

		result, err := wire.RunResponder(conn, c.self, accept)
		if err != nil {
			c.log.Warn("inbound handshake failed", "error", err)
			conn.Close()
			return
		}

		outbox := make(chan Command, c.outboxSize)
		c.registerOutbox(result.RemoteIdentity, outbox)
		c.log.Info("connected", "peer", result.RemoteIdentity, "address", conn.RemoteAddr())
		c.runConnection(conn, result, outbox)
	}()
}

// Send resolves peer's outbox, dialing address if none exists yet, and
// enqueues msg. Dial failures are logged asynchronously, not returned
// to the caller (§4.9).
func (c *Connections) Send(peer identity.PublicIdentity, address string, msg wire.Message) error {
	outbox := c.getOrConnect(peer, address)
	select {
	case outbox <- Command{Kind: CommandSend, Message: msg}:
		return nil
	default:
		return ErrOutboxFull{Peer: peer}
	}
}

// SendGossips behaves like Send but enqueues a gossip descriptor batch.
func (c *Connections) SendGossips(peer identity.PublicIdentity, address string, gossips []topology.Gossip) error {
	outbox := c.getOrConnect(peer, address)
	select {
	case outbox <- Command{Kind: CommandGossips, Gossips: gossips}:
		return nil
	default:
		return ErrOutboxFull{Peer: peer}
	}
}

func (c *Connections) hasOutbox(peer identity.PublicIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox.Contains(peer)
}

func (c *Connections) registerOutbox(peer identity.PublicIdentity, outbox chan Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evictedKey, evicted := c.outbox.Put(peer, outbox); evicted {
		c.log.Debug("evicting least-recently-used connection", "peer", evictedKey)
	}
}

func (c *Connections) removeOutbox(peer identity.PublicIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox.Remove(peer)
}

func (c *Connections) getOrConnect(peer identity.PublicIdentity, address string) chan Command {
	c.mu.Lock()
	if outbox, ok := c.outbox.Get(peer); ok {
		c.mu.Unlock()
		return outbox
	}
	outbox := make(chan Command, c.outboxSize)
	c.outbox.Put(peer, outbox)
	c.mu.Unlock()

	go c.dial(peer, address, outbox)
	return outbox
}

func (c *Connections) dial(peer identity.PublicIdentity, address string, outbox chan Command) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		c.log.Warn("cannot dial peer", "peer", peer, "address", address, "error", err)
		c.removeOutbox(peer)
		return
	}

	result, err := wire.RunInitiator(conn, c.self, peer)
	if err != nil {
		c.log.Warn("outbound handshake failed", "peer", peer, "error", err)
		conn.Close()
		c.removeOutbox(peer)
		return
	}

	c.log.Info("connected", "peer", peer, "address", address)
	c.runConnection(conn, result, outbox)
}

// runConnection drives one connection's read and write halves until
// either direction fails, then tears the entry down.
func (c *Connections) runConnection(conn net.Conn, result *wire.HandshakeResult, outbox chan Command) {
	defer conn.Close()
	defer c.removeOutbox(result.RemoteIdentity)

	codec := wire.NewCodec(conn, result)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			raw, err := codec.ReadMessage()
			if err != nil {
				c.log.Debug("connection closed on read", "peer", result.RemoteIdentity, "error", err)
				return
			}
			msg, err := wire.Decode(raw)
			if err != nil {
				c.log.Warn("protocol error, dropping connection", "peer", result.RemoteIdentity, "error", err)
				return
			}
			c.inbound <- Inbound{Peer: result.RemoteIdentity, Message: msg}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case cmd, ok := <-outbox:
			if !ok {
				return
			}
			if err := c.writeCommand(codec, cmd); err != nil {
				c.log.Debug("connection closed on write", "peer", result.RemoteIdentity, "error", err)
				return
			}
		}
	}
}

func (c *Connections) writeCommand(codec *wire.Codec, cmd Command) error {
	switch cmd.Kind {
	case CommandSend:
		encoded, err := wire.Encode(cmd.Message)
		if err != nil {
			return fmt.Errorf("connections: encode outbound message: %w", err)
		}
		return codec.WriteMessage(encoded)

	case CommandGossips:
		for _, g := range cmd.Gossips {
			blob := g.Encode()
			encoded, err := wire.Encode(wire.GossipMessage(blob))
			if err != nil {
				return fmt.Errorf("connections: encode gossip message: %w", err)
			}
			if err := codec.WriteMessage(encoded); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("connections: unknown command kind %d", cmd.Kind)
	}
}
