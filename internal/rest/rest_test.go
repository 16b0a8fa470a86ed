package rest

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/topicstore"
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

func newTestServer(t *testing.T) (*Server, *identity.Identity, *passport.Store, *topicstore.Store) {
	t.Helper()
	passports, err := passport.NewStore(openTestDB(t), passport.DefaultChainCacheSize)
	require.NoError(t, err)
	topics, err := topicstore.NewStore(openTestDB(t))
	require.NoError(t, err)

	self, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(DefaultConfig(), self, passports, topics, log)
	return srv, self, passports, topics
}

func genesisBlock(t *testing.T, id *identity.Identity) passport.Block {
	t.Helper()
	b := passport.Block{Content: []passport.ContentOp{{Kind: passport.OpRegisterMasterKey, Key: id.Public()}}}
	b.Sign(id)
	return b
}

// completeClientHandshake performs the initiator side of a raw IK
// exchange against srv's /auth endpoint and returns the derived
// session id, the way a real client discovers it from the handshake.
func completeClientHandshake(t *testing.T, srv *Server, client, server *identity.Identity) [64]byte {
	t.Helper()
	remoteStatic, ok := identity.NoiseStaticKey(server.Public())
	require.True(t, ok)
	priv, pub := client.NoiseKeypair()
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
		PeerStatic:    remoteStatic[:],
	})
	require.NoError(t, err)
	clientIdentity := client.Public()
	initiatorMessage, _, _, err := state.WriteMessage(nil, clientIdentity[:])
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(initiatorMessage))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, _, _, err = state.ReadMessage(nil, w.Body.Bytes())
	require.NoError(t, err)

	var id [64]byte
	copy(id[:], state.ChannelBinding())
	return id
}

func TestHandleAuthAcceptsIdentityWithRegisteredPassport(t *testing.T) {
	srv, self, passports, _ := newTestServer(t)
	client, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	wire.RegisterKnownIdentity(client.Public())

	_, err = passports.PutChain([]passport.Block{genesisBlock(t, client)})
	require.NoError(t, err)

	id := completeClientHandshake(t, srv, client, self)
	require.NotZero(t, id)
}

func TestHandleAuthRejectsIdentityWithoutPassport(t *testing.T) {
	srv, self, _, _ := newTestServer(t)
	client, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	wire.RegisterKnownIdentity(client.Public())

	remoteStatic, ok := identity.NoiseStaticKey(self.Public())
	require.True(t, ok)
	priv, pub := client.NoiseKeypair()
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: priv[:], Public: pub[:]},
		PeerStatic:    remoteStatic[:],
	})
	require.NoError(t, err)
	clientIdentity := client.Public()
	initiatorMessage, _, _, err := state.WriteMessage(nil, clientIdentity[:])
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(initiatorMessage))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
