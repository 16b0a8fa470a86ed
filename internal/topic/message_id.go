package topic

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// MessageIdSize is the fixed byte width of a MessageId: a 4-byte
// big-endian arrival time followed by a 16-byte Blake2b-128 digest of
// the message body.
const MessageIdSize = 4 + 16

// MessageId orders topic messages by arrival time first, then by
// content digest. Because the time prefix is big-endian, lexicographic
// byte ordering on MessageId equals temporal ordering, so time-range
// queries translate directly into a prefix scan.
type MessageId [MessageIdSize]byte

// NewMessageId builds the MessageId for body arriving at arrivalTime
// (Unix seconds, truncated to 32 bits).
func NewMessageId(arrivalTime uint32, body []byte) (MessageId, error) {
	digest, err := blake2b.New(16, nil)
	if err != nil {
		return MessageId{}, err
	}
	if _, err := digest.Write(body); err != nil {
		return MessageId{}, err
	}

	var id MessageId
	binary.BigEndian.PutUint32(id[:4], arrivalTime)
	copy(id[4:], digest.Sum(nil))
	return id, nil
}

// ArrivalTime extracts the arrival time the MessageId was stamped with.
func (id MessageId) ArrivalTime() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// Less reports whether id sorts before other — equivalently, whether id
// arrived no later and, on a time tie, has a lexicographically smaller
// content digest.
func (id MessageId) Less(other MessageId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
