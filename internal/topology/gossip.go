package topology

import (
	"encoding/binary"
	"fmt"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/topic"
)

// Gossip is a signed peer descriptor: the information one broker
// advertises about itself (or relays about another) to the rest of the
// overlay.
type Gossip struct {
	ID             identity.PublicIdentity
	Address        string
	NoisePublicKey [32]byte
	Subscriptions  []topic.Topic
	Timestamp      uint32
	Sig            []byte
}

// signedBytes is the canonical encoding a Gossip's signature covers.
func (g Gossip) signedBytes() []byte {
	out := make([]byte, 0, 32+2+len(g.Address)+32+2+len(g.Subscriptions)*topic.Size+4)
	out = append(out, g.ID[:]...)

	addrLen := make([]byte, 2)
	binary.BigEndian.PutUint16(addrLen, uint16(len(g.Address)))
	out = append(out, addrLen...)
	out = append(out, []byte(g.Address)...)

	out = append(out, g.NoisePublicKey[:]...)

	subCount := make([]byte, 2)
	binary.BigEndian.PutUint16(subCount, uint16(len(g.Subscriptions)))
	out = append(out, subCount...)
	for _, t := range g.Subscriptions {
		out = append(out, t[:]...)
	}

	ts := make([]byte, 4)
	binary.BigEndian.PutUint32(ts, g.Timestamp)
	out = append(out, ts...)
	return out
}

// Sign fills in Sig using id, leaving the rest of g as already set.
func (g *Gossip) Sign(id *identity.Identity) {
	g.ID = id.Public()
	g.Sig = id.Sign(g.signedBytes())
}

// Verify checks g's signature against its own claimed ID.
func (g Gossip) Verify() bool {
	return identity.Verify(g.ID, g.signedBytes(), g.Sig)
}

// Encode serializes g for the wire or for gossipstore persistence.
func (g Gossip) Encode() []byte {
	body := g.signedBytes()
	out := make([]byte, 0, len(body)+2+len(g.Sig))
	sigLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sigLen, uint16(len(g.Sig)))
	out = append(out, body...)
	out = append(out, sigLen...)
	out = append(out, g.Sig...)
	return out
}

// Decode parses the Encode format back into a Gossip.
func Decode(raw []byte) (Gossip, error) {
	if len(raw) < 32+2 {
		return Gossip{}, fmt.Errorf("topology: malformed gossip")
	}
	pos := 0
	var g Gossip
	copy(g.ID[:], raw[pos:pos+32])
	pos += 32

	addrLen := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	if len(raw) < pos+addrLen {
		return Gossip{}, fmt.Errorf("topology: malformed gossip: truncated address")
	}
	g.Address = string(raw[pos : pos+addrLen])
	pos += addrLen

	if len(raw) < pos+32+2 {
		return Gossip{}, fmt.Errorf("topology: malformed gossip: truncated noise key")
	}
	copy(g.NoisePublicKey[:], raw[pos:pos+32])
	pos += 32

	subCount := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	for i := 0; i < subCount; i++ {
		if len(raw) < pos+topic.Size {
			return Gossip{}, fmt.Errorf("topology: malformed gossip: truncated subscriptions")
		}
		var t topic.Topic
		copy(t[:], raw[pos:pos+topic.Size])
		g.Subscriptions = append(g.Subscriptions, t)
		pos += topic.Size
	}

	if len(raw) < pos+4+2 {
		return Gossip{}, fmt.Errorf("topology: malformed gossip: truncated timestamp/sig length")
	}
	g.Timestamp = binary.BigEndian.Uint32(raw[pos : pos+4])
	pos += 4

	sigLen := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	if len(raw) < pos+sigLen {
		return Gossip{}, fmt.Errorf("topology: malformed gossip: truncated signature")
	}
	g.Sig = append([]byte(nil), raw[pos:pos+sigLen]...)
	return g, nil
}
