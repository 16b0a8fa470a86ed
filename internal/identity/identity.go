// Package identity implements the broker's own signing identity: the
// Ed25519 keypair that is its PublicIdentity, also usable directly as
// its Noise static key via the standard Edwards-to-Montgomery
// conversion.
//
// Carrying one keypair instead of two means a peer's PublicIdentity
// alone is enough for another peer to compute the Noise static key it
// should expect from it — no side-channel publication of a separate
// Noise key is needed.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/agl/ed25519/extra25519"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

// entropyKeyIterations is the PBKDF2 round count standing in for the
// original Seed::derive_from_key.
const entropyKeyIterations = 10240

// PublicIdentity is a 32-byte Ed25519 public key. It identifies a
// device, peer, or server and has a total order (lexicographic on the
// raw bytes).
type PublicIdentity [32]byte

// String renders the identity as lowercase hex.
func (p PublicIdentity) String() string {
	return hex.EncodeToString(p[:])
}

// Less gives PublicIdentity a total order, lexicographic on raw bytes.
func (p PublicIdentity) Less(other PublicIdentity) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// NoiseStaticKey converts an Ed25519 PublicIdentity into the X25519
// public key its owner uses as a Noise static key, via the standard
// birational Edwards-to-Montgomery point map. Returns false if pub does
// not decode to a valid Edwards point.
func NoiseStaticKey(pub PublicIdentity) (curve [32]byte, ok bool) {
	edPub := [32]byte(pub)
	ok = extra25519.PublicKeyToCurve25519(&curve, &edPub)
	return curve, ok
}

// Identity is the broker's own Ed25519 signing keypair.
type Identity struct {
	signingKey ed25519.PrivateKey
	noisePriv  [32]byte
	noisePub   [32]byte
}

// Generate derives a fresh Identity from randomness read from rnd.
func Generate(rnd io.Reader) (*Identity, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rnd, seed[:]); err != nil {
		return nil, fmt.Errorf("identity: read seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed deterministically derives an Identity from a 32-byte seed.
func FromSeed(seed [32]byte) (*Identity, error) {
	signingKey := ed25519.NewKeyFromSeed(seed[:])

	var extendedPriv [64]byte
	copy(extendedPriv[:], signingKey)

	id := &Identity{signingKey: signingKey}
	extra25519.PrivateKeyToCurve25519(&id.noisePriv, &extendedPriv)

	pub, ok := NoiseStaticKey(id.Public())
	if !ok {
		return nil, fmt.Errorf("identity: public key does not convert to a valid Noise static key")
	}
	id.noisePub = pub
	return id, nil
}

// FromEntropyAndPassword recovers an Identity the way the CLI's
// entropy-file + password flow does: PBKDF2-HMAC-Blake2b keyed by the
// password and salted with the entropy bytes, standing in for the original
// Seed::derive_from_key.
func FromEntropyAndPassword(entropy []byte, password string) (*Identity, error) {
	derived := pbkdf2.Key([]byte(password), entropy, entropyKeyIterations, 32, newBlake2b256)
	var seed [32]byte
	copy(seed[:], derived)
	return FromSeed(seed)
}

// Public returns this identity's PublicIdentity.
func (id *Identity) Public() PublicIdentity {
	var pub PublicIdentity
	copy(pub[:], id.signingKey.Public().(ed25519.PublicKey))
	return pub
}

// Sign produces an Ed25519 signature over msg using the signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signingKey, msg)
}

// NoiseKeypair returns the X25519 private/public keypair this identity
// uses as its Noise static key.
func (id *Identity) NoiseKeypair() (priv, pub [32]byte) {
	return id.noisePriv, id.noisePub
}

// NoisePublicKey returns the X25519 public half of NoiseKeypair.
func (id *Identity) NoisePublicKey() [32]byte {
	return id.noisePub
}

// Verify checks an Ed25519 signature against a PublicIdentity.
func Verify(pub PublicIdentity, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

func newBlake2b256() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}
