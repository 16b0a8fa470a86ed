package topic

import (
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func TestDeriveUserTopicIsSymmetric(t *testing.T) {
	var a, b [32]byte
	a[0] = 0x01
	b[0] = 0x02

	ab := DeriveUserTopic(a, b)
	ba := DeriveUserTopic(b, a)
	require.Equal(t, ab, ba)
}

func TestDeriveUserTopicIsDeterministic(t *testing.T) {
	var a, b [32]byte
	a[0] = 0x10
	b[0] = 0x20

	first := DeriveUserTopic(a, b)
	second := DeriveUserTopic(a, b)
	require.Equal(t, first, second)
}

func TestDeriveUserTopicDiffersForDifferentPairs(t *testing.T) {
	var a, b, c [32]byte
	a[0], b[0], c[0] = 0x01, 0x02, 0x03

	require.NotEqual(t, DeriveUserTopic(a, b), DeriveUserTopic(a, c))
}

// TestDeriveUserTopicKeysOnSmallerSaltsOnLarger pins the derivation's
// key/salt assignment against the original `mk_topic`: PBKDF2 is keyed
// on the lexicographically smaller of the two public keys and salted
// with the larger one, not on a single concatenation of both used for
// both parameters.
func TestDeriveUserTopicKeysOnSmallerSaltsOnLarger(t *testing.T) {
	var a, b [32]byte
	a[0] = 0x01
	b[0] = 0x02

	want := pbkdf2.Key(a[:], b[:], userTopicIterations, Size, sha512.New)
	var wantTopic Topic
	copy(wantTopic[:], want)

	require.Equal(t, wantTopic, DeriveUserTopic(a, b))
	require.Equal(t, wantTopic, DeriveUserTopic(b, a))

	// A same-length concatenation used for both PBKDF2 arguments (the
	// prior, incorrect derivation) must NOT match.
	pair := append(append([]byte{}, a[:]...), b[:]...)
	wrong := pbkdf2.Key(pair, pair, userTopicIterations, Size, sha512.New)
	require.NotEqual(t, want, wrong)
}

func TestPassportTopicRoundTrip(t *testing.T) {
	var id PassportID
	id[0] = 0xaa
	id[31] = 0xbb

	topic := EmbedPassportTopic(id)
	got, ok := PassportIDFromTopic(topic)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestUserTopicReadsAsPassportTopicWithZeroWidthPrefix(t *testing.T) {
	var a, b [32]byte
	a[0] = 0x01
	b[0] = 0x02
	userTopic := DeriveUserTopic(a, b)

	_, ok := PassportIDFromTopic(userTopic)
	// A PBKDF2-derived user topic has a negligible chance of an all-zero
	// prefix; with a zero-width prefix here it is always "found" (see
	// passport_topic.go's doc comment on passportIDPrefixZeros) — this
	// test pins that degenerate behavior rather than asserting false.
	require.True(t, ok)
}
