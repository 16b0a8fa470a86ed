// Package passport implements PassportBlock validation and the
// append-only PassportStore: key-rotation chains rooted at a genesis
// block, identified by their genesis hash.
package passport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/topic"
)

// Hash is a Blake2b-256 digest identifying a block. The genesis block's
// Hash is also its chain's PassportID.
type Hash [32]byte

// OpKind is the kind of a single content entry within a block.
type OpKind uint8

const (
	OpRegisterMasterKey OpKind = iota
	OpDeregisterMasterKey
	OpSetSharedKey
)

// ContentOp is one operation carried by a block: registering or
// deregistering a master key, or setting the passport's shared key.
type ContentOp struct {
	Kind OpKind
	Key  identity.PublicIdentity
}

// Block is an immutable, signed record in a passport chain. Previous is
// nil only for the genesis block.
type Block struct {
	Previous *Hash
	Content  []ContentOp
	Signer   identity.PublicIdentity
	Sig      []byte
}

// Hash computes this block's header hash over everything except the
// signature: the previous hash (or 32 zero bytes for genesis), the
// content entries in order, and the signer.
func (b Block) Hash() Hash {
	digest, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	digest.Write(b.signedBytes())
	var h Hash
	copy(h[:], digest.Sum(nil))
	return h
}

// signedBytes is the canonical byte encoding a block's signature
// covers: previous(32) | content_count(2, BE) | content entries | signer(32).
func (b Block) signedBytes() []byte {
	out := make([]byte, 0, 32+2+len(b.Content)*33+32)

	if b.Previous != nil {
		out = append(out, b.Previous[:]...)
	} else {
		out = append(out, make([]byte, 32)...)
	}

	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(b.Content)))
	out = append(out, count...)

	for _, op := range b.Content {
		out = append(out, byte(op.Kind))
		out = append(out, op.Key[:]...)
	}

	out = append(out, b.Signer[:]...)
	return out
}

// Sign fills in Signer and Sig using id, leaving Previous/Content as
// already set on b.
func (b *Block) Sign(id *identity.Identity) {
	b.Signer = id.Public()
	b.Sig = id.Sign(b.signedBytes())
}

// VerifySignature checks the block's signature against its signer.
func (b Block) VerifySignature() bool {
	return identity.Verify(b.Signer, b.signedBytes(), b.Sig)
}

// IsGenesis reports whether b has no previous block.
func (b Block) IsGenesis() bool {
	return b.Previous == nil
}

// PassportIDFromHash converts a genesis block's Hash into a PassportID.
func PassportIDFromHash(h Hash) topic.PassportID {
	return topic.PassportID(h)
}

func hashFromPassportID(id topic.PassportID) Hash {
	return Hash(id)
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}
