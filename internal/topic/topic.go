// Package topic implements Topic and MessageId, the addressing and
// ordering primitives the broker uses for publish/subscribe message
// relay. The broker treats topic and message bytes as opaque; only the
// passport-topic embedding and MessageId's time prefix carry meaning
// here.
package topic

import (
	"crypto/sha512"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// Size is the fixed byte width of a Topic.
const Size = 32

// userTopicIterations is the PBKDF2-HMAC-SHA512 round count clients use
// to derive a shared user topic.
const userTopicIterations = 10240

// Topic is a 32-byte opaque publish/subscribe address.
type Topic [Size]byte

// String renders the topic as lowercase hex.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Parse decodes a hex-encoded topic, as carried in REST URL path
// segments.
func Parse(s string) (Topic, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Topic{}, err
	}
	if len(raw) != Size {
		return Topic{}, hex.ErrLength
	}
	var t Topic
	copy(t[:], raw)
	return t, nil
}

// DeriveUserTopic derives the topic two peers share given their X25519
// public keys. The broker itself never calls this — topics it receives
// are already opaque — and it is exercised only by this package's
// tests, which address a user topic the way a real client would.
//
// The ordered pair is formed by sorting the two keys
// byte-lexicographically first, so either peer derives the same topic
// regardless of call order.
func DeriveUserTopic(a, b [32]byte) Topic {
	lo, hi := a, b
	if bytesGreater(lo[:], hi[:]) {
		lo, hi = hi, lo
	}

	derived := pbkdf2.Key(lo[:], hi[:], userTopicIterations, Size, sha512.New)
	var t Topic
	copy(t[:], derived)
	return t
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
