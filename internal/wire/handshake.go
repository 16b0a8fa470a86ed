// Package wire implements the broker's on-the-wire layer: the
// version-prefixed Noise IK handshake, the length-prefixed Codec built
// on top of its transport ciphers, and the tagged MessageFormat carried
// inside each decrypted frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/primetype-labs/asmtpd/internal/identity"
)

// CurrentVersion is the handshake version this build speaks.
const CurrentVersion byte = 1

// MinSupportedVersion and MaxSupportedVersion bound the versions a
// responder will accept from an initiator.
const (
	MinSupportedVersion byte = 1
	MaxSupportedVersion byte = 1
)

var (
	// ErrUnsupportedVersion is returned when the peer's handshake
	// version falls outside [MinSupportedVersion, MaxSupportedVersion].
	ErrUnsupportedVersion = errors.New("wire: unsupported handshake version")
	// ErrRejected is returned when a responder's accept predicate
	// refuses the initiator's disclosed identity.
	ErrRejected = errors.New("wire: handshake rejected")
)

// AcceptFunc decides whether a responder accepts a handshake from the
// given disclosed identity.
type AcceptFunc func(identity.PublicIdentity) bool

// HandshakeResult carries everything a completed handshake hands off to
// the Codec and the connection layer above it.
type HandshakeResult struct {
	SendCipher     *noise.CipherState
	RecvCipher     *noise.CipherState
	SessionID      [64]byte // Noise session hash (Blake2b-512, per spec)
	RemoteIdentity identity.PublicIdentity
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
}

// RunInitiator performs the initiator side of a version-prefixed Noise
// IK handshake over rw. self is this broker's own identity; remote is
// the responder's already-known PublicIdentity.
func RunInitiator(rw io.ReadWriter, self *identity.Identity, remote identity.PublicIdentity) (*HandshakeResult, error) {
	remoteStatic, ok := identity.NoiseStaticKey(remote)
	if !ok {
		return nil, fmt.Errorf("wire: remote identity does not convert to a noise static key")
	}

	priv, pub := self.NoiseKeypair()
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
		PeerStatic:    remoteStatic[:],
	})
	if err != nil {
		return nil, fmt.Errorf("wire: init initiator handshake: %w", err)
	}

	selfIdentity := self.Public()
	message, _, _, err := state.WriteMessage(nil, selfIdentity[:])
	if err != nil {
		return nil, fmt.Errorf("wire: build initiator message: %w", err)
	}
	if err := writeVersionedMessage(rw, CurrentVersion, message); err != nil {
		return nil, fmt.Errorf("wire: send initiator message: %w", err)
	}

	version, response, err := readVersionedMessage(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: read responder message: %w", err)
	}
	if version < MinSupportedVersion || version > MaxSupportedVersion {
		return nil, ErrUnsupportedVersion
	}

	_, sendCipher, recvCipher, err := state.ReadMessage(nil, response)
	if err != nil {
		return nil, fmt.Errorf("wire: process responder message: %w", err)
	}

	return &HandshakeResult{
		SendCipher:     sendCipher,
		RecvCipher:     recvCipher,
		SessionID:      sessionID(state),
		RemoteIdentity: remote,
	}, nil
}

// RunResponder performs the responder side of a version-prefixed Noise
// IK handshake over rw. accept is consulted with the initiator's
// disclosed identity once the handshake reveals it; a false result
// aborts with ErrRejected before any response is sent.
func RunResponder(rw io.ReadWriter, self *identity.Identity, accept AcceptFunc) (*HandshakeResult, error) {
	version, initiatorMessage, err := readVersionedMessage(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: read initiator message: %w", err)
	}
	if version < MinSupportedVersion || version > MaxSupportedVersion {
		return nil, ErrUnsupportedVersion
	}

	priv, pub := self.NoiseKeypair()
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
	})
	if err != nil {
		return nil, fmt.Errorf("wire: init responder handshake: %w", err)
	}

	payload, _, _, err := state.ReadMessage(nil, initiatorMessage)
	if err != nil {
		return nil, fmt.Errorf("wire: process initiator message: %w", err)
	}

	remoteIdentity, err := identityFromPayload(payload, state.PeerStatic())
	if err != nil {
		return nil, fmt.Errorf("wire: decode disclosed identity: %w", err)
	}
	if accept != nil && !accept(remoteIdentity) {
		return nil, ErrRejected
	}

	message, sendCipher, recvCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: build responder message: %w", err)
	}
	if err := writeVersionedMessage(rw, CurrentVersion, message); err != nil {
		return nil, fmt.Errorf("wire: send responder message: %w", err)
	}

	return &HandshakeResult{
		SendCipher:     sendCipher,
		RecvCipher:     recvCipher,
		SessionID:      sessionID(state),
		RemoteIdentity: remoteIdentity,
	}, nil
}

// RespondHandshake performs a single-exchange Noise IK responder step
// over raw bytes rather than a framed io.ReadWriter: the REST `POST
// /auth` handler has no transport-level framing of its own (the HTTP
// body already delimits the message), so it skips the version prefix
// RunResponder uses for the TCP wire protocol and calls this directly.
func RespondHandshake(self *identity.Identity, initiatorMessage []byte, accept AcceptFunc) (reply []byte, result *HandshakeResult, err error) {
	priv, pub := self.NoiseKeypair()
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: init auth handshake: %w", err)
	}

	payload, _, _, err := state.ReadMessage(nil, initiatorMessage)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: process auth message: %w", err)
	}

	remoteIdentity, err := identityFromPayload(payload, state.PeerStatic())
	if err != nil {
		return nil, nil, fmt.Errorf("wire: decode disclosed identity: %w", err)
	}
	if accept != nil && !accept(remoteIdentity) {
		return nil, nil, ErrRejected
	}

	message, sendCipher, recvCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: build auth reply: %w", err)
	}

	return message, &HandshakeResult{
		SendCipher:     sendCipher,
		RecvCipher:     recvCipher,
		SessionID:      sessionID(state),
		RemoteIdentity: remoteIdentity,
	}, nil
}

// sessionID extracts the 64-byte Blake2b handshake hash both ends
// derive identically, used as the REST session identifier.
func sessionID(state *noise.HandshakeState) [64]byte {
	var id [64]byte
	copy(id[:], state.ChannelBinding())
	return id
}

// identityFromPayload recovers the initiator's PublicIdentity from the
// handshake payload it discloses on its first message: recovering a
// PublicIdentity from the Noise static key alone is not possible in
// general (the Montgomery map is not invertible to a unique Edwards
// point without the original sign bit), so the initiator sends its
// 32-byte PublicIdentity as the payload of message 1, encrypted under
// the IK pattern's es/ss keys exactly like the static key itself.
// remoteStatic is the X25519 static key the handshake actually
// negotiated with (state.PeerStatic()); identityFromPayload rejects a
// disclosed identity whose own NoiseStaticKey derivation doesn't match
// it, so a peer cannot claim an identity it does not hold the matching
// private key for.
func identityFromPayload(payload []byte, remoteStatic []byte) (identity.PublicIdentity, error) {
	if len(payload) != 32 {
		return identity.PublicIdentity{}, fmt.Errorf("wire: disclosed identity payload has length %d, want 32", len(payload))
	}
	var id identity.PublicIdentity
	copy(id[:], payload)

	derived, ok := identity.NoiseStaticKey(id)
	if !ok || !bytes.Equal(derived[:], remoteStatic) {
		return identity.PublicIdentity{}, fmt.Errorf("wire: disclosed identity does not match handshake static key")
	}
	return id, nil
}

// RegisterKnownIdentity teaches the process-wide static-key registry
// about id. It is no longer consulted to resolve a handshake's
// disclosed identity (identityFromPayload does that directly). Callers
// still register privileged users from config and identities learned
// through gossip ingestion, but nothing in this package or in
// internal/connections reads the registry back; dialing does not
// consult it.
func RegisterKnownIdentity(id identity.PublicIdentity) {
	if key, ok := identity.NoiseStaticKey(id); ok {
		identityRegistry.register(key, id)
	}
}

var identityRegistry = newStaticKeyRegistry()

func writeVersionedMessage(w io.Writer, version byte, message []byte) error {
	header := make([]byte, 3)
	header[0] = version
	binary.BigEndian.PutUint16(header[1:], uint16(len(message)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(message)
	return err
}

func readVersionedMessage(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[1:])
	message := make([]byte, length)
	if _, err := io.ReadFull(r, message); err != nil {
		return 0, nil, err
	}
	return header[0], message, nil
}
