package broker

import (
	"crypto/rand"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/primetype-labs/asmtpd/internal/connections"
	"github.com/primetype-labs/asmtpd/internal/gossipstore"
	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/scheduler"
	"github.com/primetype-labs/asmtpd/internal/topic"
	"github.com/primetype-labs/asmtpd/internal/topicstore"
	"github.com/primetype-labs/asmtpd/internal/topology"
	"github.com/primetype-labs/asmtpd/internal/wire"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestBroker(t *testing.T, privileged ...identity.PublicIdentity) (*Broker, *identity.Identity) {
	t.Helper()

	self, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	passports, err := passport.NewStore(openTestDB(t), passport.DefaultChainCacheSize)
	require.NoError(t, err)
	topics, err := topicstore.NewStore(openTestDB(t))
	require.NoError(t, err)
	gossipStore, err := gossipstore.NewStore(openTestDB(t), time.Minute)
	require.NoError(t, err)

	topo := topology.New()
	conns := connections.New(nil, self, 8, 8)
	sched := scheduler.New(64, 64, time.Minute)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cfg := DefaultConfig()
	for _, p := range privileged {
		cfg.PrivilegedUsers[p] = struct{}{}
	}

	b := New(nil, self, cfg, ln, passports, topics, gossipStore, topo, conns, sched)
	return b, self
}

func mkGossip(t *testing.T, id *identity.Identity, address string, ts uint32, subs ...topic.Topic) topology.Gossip {
	t.Helper()
	_, pub := id.NoiseKeypair()
	g := topology.Gossip{Address: address, NoisePublicKey: pub, Subscriptions: subs, Timestamp: ts}
	g.Sign(id)
	return g
}

func TestHandleGossipAcceptsAndRegistersInterest(t *testing.T) {
	b, _ := newTestBroker(t)

	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	origin, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	g := mkGossip(t, origin, "203.0.113.9:4000", 1)
	msg := wire.GossipMessage(g.Encode())

	require.NoError(t, b.handleGossip(peer.Public(), msg))

	addr, ok := b.topo.AddressOf(origin.Public())
	require.True(t, ok)
	require.Equal(t, "203.0.113.9:4000", addr)
	require.Equal(t, 1, b.sched.Len())
}

func TestHandleTopicDedupesAndStoresOnce(t *testing.T) {
	b, _ := newTestBroker(t)

	sender, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	var tpc topic.Topic
	tpc[0] = 0x11
	content := []byte("hello world")
	msg := wire.TopicMessage(tpc, content)

	require.NoError(t, b.handleTopic(sender.Public(), msg))
	require.NoError(t, b.handleTopic(sender.Public(), msg))

	records, err := b.topics.RangeTime(tpc, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestHandleTopicForwardsToSubscribersExcludingSender(t *testing.T) {
	b, _ := newTestBroker(t)

	sender, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	subscriber, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	var tpc topic.Topic
	tpc[3] = 0x7

	require.True(t, b.topo.AcceptGossip(mkGossip(t, subscriber, "127.0.0.1:1", 1, tpc)))
	require.True(t, b.topo.AcceptGossip(mkGossip(t, sender, "127.0.0.1:2", 1, tpc)))

	msg := wire.TopicMessage(tpc, []byte("payload"))
	require.NoError(t, b.handleTopic(sender.Public(), msg))

	senderID := sender.Public()
	view := b.topo.View(&senderID, topology.ForTopic(tpc))
	require.Contains(t, view, subscriber.Public())
	require.NotContains(t, view, senderID)
}

func TestHandleQueryTopicMessagesReplaysStoredRecords(t *testing.T) {
	b, _ := newTestBroker(t)

	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	require.True(t, b.topo.AcceptGossip(mkGossip(t, peer, "127.0.0.1:9", 1)))

	var tpc topic.Topic
	tpc[1] = 0x22
	_, err = b.topics.InsertMessage(tpc, []byte("first"))
	require.NoError(t, err)
	_, err = b.topics.InsertMessage(tpc, []byte("second"))
	require.NoError(t, err)

	msg := wire.QueryTopicMessagesMessage(tpc, 0)
	require.NoError(t, b.handleQueryTopicMessages(peer.Public(), msg))
}

func TestHandleQueryTopicMessagesSkipsUnknownAddress(t *testing.T) {
	b, _ := newTestBroker(t)

	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	var tpc topic.Topic
	msg := wire.QueryTopicMessagesMessage(tpc, 0)
	require.NoError(t, b.handleQueryTopicMessages(peer.Public(), msg))
}

func TestHandlePutPassportRejectsUnprivilegedSender(t *testing.T) {
	b, _ := newTestBroker(t)

	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	owner, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	block := passport.Block{Content: []passport.ContentOp{{Kind: passport.OpRegisterMasterKey, Key: owner.Public()}}}
	block.Sign(owner)
	id := passport.PassportIDFromHash(block.Hash())

	msg := wire.PutPassportMessage([32]byte(id), [][]byte{passport.EncodeBlock(block)})
	require.NoError(t, b.handlePutPassport(peer.Public(), msg))

	_, found, err := b.passports.GetChain(id)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHandlePutPassportAcceptsPrivilegedSenderWithValidGenesis(t *testing.T) {
	owner, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b, _ := newTestBroker(t, owner.Public())

	block := passport.Block{Content: []passport.ContentOp{{Kind: passport.OpRegisterMasterKey, Key: owner.Public()}}}
	block.Sign(owner)
	id := passport.PassportIDFromHash(block.Hash())

	msg := wire.PutPassportMessage([32]byte(id), [][]byte{passport.EncodeBlock(block)})
	require.NoError(t, b.handlePutPassport(owner.Public(), msg))

	_, found, err := b.passports.GetChain(id)
	require.NoError(t, err)
	require.True(t, found)
}

func TestHandlePutPassportRejectsGenesisHashMismatch(t *testing.T) {
	owner, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b, _ := newTestBroker(t, owner.Public())

	block := passport.Block{Content: []passport.ContentOp{{Kind: passport.OpRegisterMasterKey, Key: owner.Public()}}}
	block.Sign(owner)

	var bogus [32]byte
	bogus[0] = 0xff

	msg := wire.PutPassportMessage(bogus, [][]byte{passport.EncodeBlock(block)})
	require.Error(t, b.handlePutPassport(owner.Public(), msg))
}

func TestHandleRegisterTopicRequiresPrivilege(t *testing.T) {
	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b, _ := newTestBroker(t)

	var tpc topic.Topic
	tpc[2] = 0x5
	msg := wire.RegisterTopicMessage(tpc)

	require.NoError(t, b.handleRegisterTopic(peer.Public(), msg))
	exists, err := b.topics.Contains(tpc)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandleRegisterAndDeregisterTopicWithPrivilege(t *testing.T) {
	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b, _ := newTestBroker(t, peer.Public())

	var tpc topic.Topic
	tpc[2] = 0x5

	require.NoError(t, b.handleRegisterTopic(peer.Public(), wire.RegisterTopicMessage(tpc)))
	exists, err := b.topics.Contains(tpc)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, b.handleDeregisterTopic(peer.Public(), wire.DeregisterTopicMessage(tpc)))
	exists, err = b.topics.Contains(tpc)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandleMessageRejectsUnknownTag(t *testing.T) {
	b, _ := newTestBroker(t)
	peer, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	err = b.handleMessage(peer.Public(), wire.Message{Tag: 99})
	require.Error(t, err)
}

func TestSnapshotGossipStoreIncludesSelf(t *testing.T) {
	b, self := newTestBroker(t)
	b.topo.SubscribeTopic(topic.Topic{})
	b.topo.UpdateProfileSubscriptions(self, "127.0.0.1:4000", uint32(time.Now().Unix()))

	b.snapshotGossipStore(time.Now())

	blobs, err := b.gossipStore.Gossips()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
}
