package passport

import "errors"

var (
	// ErrEmptyChain is returned by PutChain for an empty block list.
	ErrEmptyChain = errors.New("passport: empty chain")
	// ErrInvalidChain is returned by PutChain when the chain's link or
	// signature structure fails validation.
	ErrInvalidChain = errors.New("passport: invalid chain")
	// ErrDuplicate is returned by PutChain when the chain's passport id
	// already exists in the store.
	ErrDuplicate = errors.New("passport: duplicate passport id")
	// ErrOrphan is returned by AppendBlock when the block's previous
	// hash is not present in the store. The block is kept in the pending
	// buffer and applied once its parent arrives.
	ErrOrphan = errors.New("passport: orphan block")
	// ErrForkDetected is returned by AppendBlock when a second block
	// claims the same previous hash as an already-applied block.
	ErrForkDetected = errors.New("passport: fork detected")
	// ErrInvalidSignature is returned when a block's signature does not
	// verify against its signer.
	ErrInvalidSignature = errors.New("passport: invalid signature")
	// ErrNotFound is returned when a passport id has no chain in the
	// store.
	ErrNotFound = errors.New("passport: not found")
)
