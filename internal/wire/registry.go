package wire

import "sync"

import "github.com/primetype-labs/asmtpd/internal/identity"

// staticKeyRegistry maps a peer's Noise static key back to the
// PublicIdentity it was derived from. Populated out-of-band (gossip,
// configured privileged users) since the Montgomery map a Noise static
// key lives on cannot be inverted back to a unique Edwards point.
type staticKeyRegistry struct {
	mu      sync.RWMutex
	byNoise map[[32]byte]identity.PublicIdentity
}

func newStaticKeyRegistry() *staticKeyRegistry {
	return &staticKeyRegistry{byNoise: make(map[[32]byte]identity.PublicIdentity)}
}

func (r *staticKeyRegistry) register(key [32]byte, id identity.PublicIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNoise[key] = id
}

func (r *staticKeyRegistry) lookup(key [32]byte) (identity.PublicIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNoise[key]
	return id, ok
}
