package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// MinFrameLength and MaxFrameLength bound a valid ciphertext frame,
// tag included. MaxPlaintextSize is the largest plaintext a single
// encrypt call will accept.
const (
	MinFrameLength   = 16
	MaxFrameLength   = 65535 - 2
	MaxPlaintextSize = 65517
)

var (
	ErrFrameTooShort = errors.New("wire: frame too short")
	ErrFrameTooLong  = errors.New("wire: frame too long")
	ErrPlaintextTooLarge = errors.New("wire: plaintext exceeds codec limit")
)

// Codec turns a duplex byte stream into a sequence of authenticated,
// length-prefixed plaintext messages using the transport ciphers a
// handshake produced.
type Codec struct {
	rw   io.ReadWriter
	send *noise.CipherState
	recv *noise.CipherState
}

// NewCodec wraps rw with the cipher states a completed handshake
// produced.
func NewCodec(rw io.ReadWriter, result *HandshakeResult) *Codec {
	return &Codec{rw: rw, send: result.SendCipher, recv: result.RecvCipher}
}

// WriteMessage encrypts plaintext and writes it as one length-prefixed
// frame. Exceeding MaxPlaintextSize is a fatal encode error.
func (c *Codec) WriteMessage(plaintext []byte) error {
	if len(plaintext) > MaxPlaintextSize {
		return ErrPlaintextTooLarge
	}
	ciphertext, err := c.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("wire: encrypt frame: %w", err)
	}
	c.send.Rekey()
	if len(ciphertext) < MinFrameLength || len(ciphertext) > MaxFrameLength {
		return fmt.Errorf("wire: encrypted frame length %d out of range", len(ciphertext))
	}

	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(ciphertext)))
	if _, err := c.rw.Write(header); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := c.rw.Write(ciphertext); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame and decrypts it. A MAC
// failure or an out-of-range frame length is fatal for the connection,
// matching the spec's "no reordering tolerated" invariant.
func (c *Codec) ReadMessage() ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint16(header)
	if length < MinFrameLength {
		return nil, ErrFrameTooShort
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLong
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(c.rw, ciphertext); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("wire: decrypt frame: %w", err)
	}
	c.recv.Rekey()
	return plaintext, nil
}
