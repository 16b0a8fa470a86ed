package passport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/primetype-labs/asmtpd/internal/identity"
)

// ExportFile writes blocks to path as a sequence of
// be_u32(record_len) | record, one record per block, the way the
// original passport file format concatenates blocks for offline
// transfer or backup.
func ExportFile(blocks []Block, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("passport: open export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, b := range blocks {
		if err := writeBlockRecord(w, b); err != nil {
			return fmt.Errorf("passport: export: %w", err)
		}
	}
	return w.Flush()
}

// ImportFile reads a passport file produced by ExportFile.
func ImportFile(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("passport: open import file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var blocks []Block
	for {
		b, err := readBlockRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("passport: import: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func writeBlockRecord(w io.Writer, b Block) error {
	record := encodeBlock(b)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(record)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

func readBlockRecord(r io.Reader) (Block, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Block{}, err
	}
	n := binary.BigEndian.Uint32(length[:])
	record := make([]byte, n)
	if _, err := io.ReadFull(r, record); err != nil {
		return Block{}, err
	}
	return decodeBlock(record)
}

// EncodeBlock serializes a single block using the same record format
// ExportFile/ImportFile use, without the length-prefix framing. Used by
// the wire protocol's PutPassport message, whose blocks[] entries are
// individually length-prefixed at the message level instead.
func EncodeBlock(b Block) []byte { return encodeBlock(b) }

// DecodeBlock is the inverse of EncodeBlock.
func DecodeBlock(raw []byte) (Block, error) { return decodeBlock(raw) }

func encodeBlock(b Block) []byte {
	out := make([]byte, 0, 1+32+2+len(b.Content)*33+32+2+len(b.Sig))

	if b.Previous != nil {
		out = append(out, 1)
		out = append(out, b.Previous[:]...)
	} else {
		out = append(out, 0)
	}

	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(b.Content)))
	out = append(out, count...)
	for _, op := range b.Content {
		out = append(out, byte(op.Kind))
		out = append(out, op.Key[:]...)
	}

	out = append(out, b.Signer[:]...)

	sigLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sigLen, uint16(len(b.Sig)))
	out = append(out, sigLen...)
	out = append(out, b.Sig...)

	return out
}

func decodeBlock(raw []byte) (Block, error) {
	if len(raw) < 1+32+2 {
		return Block{}, fmt.Errorf("passport: malformed block record")
	}
	pos := 0
	hasPrevious := raw[pos] == 1
	pos++

	var previous *Hash
	if hasPrevious {
		if len(raw) < pos+32 {
			return Block{}, fmt.Errorf("passport: malformed block record: truncated previous")
		}
		var h Hash
		copy(h[:], raw[pos:pos+32])
		previous = &h
		pos += 32
	}

	if len(raw) < pos+2 {
		return Block{}, fmt.Errorf("passport: malformed block record: truncated content count")
	}
	count := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2

	content := make([]ContentOp, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < pos+33 {
			return Block{}, fmt.Errorf("passport: malformed block record: truncated content entry")
		}
		var key identity.PublicIdentity
		copy(key[:], raw[pos+1:pos+33])
		content = append(content, ContentOp{Kind: OpKind(raw[pos]), Key: key})
		pos += 33
	}

	if len(raw) < pos+32+2 {
		return Block{}, fmt.Errorf("passport: malformed block record: truncated signer/sig length")
	}
	var signer identity.PublicIdentity
	copy(signer[:], raw[pos:pos+32])
	pos += 32

	sigLen := int(binary.BigEndian.Uint16(raw[pos : pos+2]))
	pos += 2
	if len(raw) < pos+sigLen {
		return Block{}, fmt.Errorf("passport: malformed block record: truncated signature")
	}
	sig := make([]byte, sigLen)
	copy(sig, raw[pos:pos+sigLen])

	return Block{Previous: previous, Content: content, Signer: signer, Sig: sig}, nil
}
