package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/primetype-labs/asmtpd/internal/identity"
)

// fakeRW lets us hand ReadMessage a pre-built frame without a full
// handshake, to exercise the length-bound checks in isolation.
type fakeRW struct {
	*bytes.Buffer
}

func frameWithLength(length uint16, body []byte) []byte {
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, length)
	return append(header, body...)
}

func TestReadMessageRejectsShortFrame(t *testing.T) {
	buf := &fakeRW{bytes.NewBuffer(frameWithLength(15, make([]byte, 15)))}
	codec := &Codec{rw: buf}

	_, err := codec.ReadMessage()
	require.ErrorIs(t, err, ErrFrameTooShort)
}

func TestReadMessageRejectsLongFrame(t *testing.T) {
	buf := &fakeRW{bytes.NewBuffer(frameWithLength(65535-2+1, nil))}
	codec := &Codec{rw: buf}

	_, err := codec.ReadMessage()
	require.ErrorIs(t, err, ErrFrameTooLong)
}

func TestWriteMessageRejectsOversizePlaintext(t *testing.T) {
	codec := &Codec{rw: &fakeRW{new(bytes.Buffer)}}
	err := codec.WriteMessage(make([]byte, MaxPlaintextSize+1))
	require.ErrorIs(t, err, ErrPlaintextTooLarge)
}

// TestCodecRekeysEachMessage exercises several messages in a row over a
// real handshake's cipher states, confirming both sides call Rekey the
// same number of times and stay synchronized rather than drifting apart
// after the first message.
func TestCodecRekeysEachMessage(t *testing.T) {
	initiatorID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	responderID, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	a, b := net.Pipe()

	var initResult, respResult *HandshakeResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := RunInitiator(a, initiatorID, responderID.Public())
		require.NoError(t, err)
		initResult = r
	}()
	go func() {
		defer wg.Done()
		r, err := RunResponder(b, responderID, func(identity.PublicIdentity) bool { return true })
		require.NoError(t, err)
		respResult = r
	}()
	wg.Wait()

	initCodec := NewCodec(a, initResult)
	respCodec := NewCodec(b, respResult)

	messages := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, msg := range messages {
		var readBack []byte
		var readErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			readBack, readErr = respCodec.ReadMessage()
		}()

		require.NoError(t, initCodec.WriteMessage(msg))
		wg.Wait()

		require.NoError(t, readErr)
		require.Equal(t, msg, readBack)
	}
}
