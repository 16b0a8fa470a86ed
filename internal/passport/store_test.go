package passport

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/topic"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := NewStore(db, DefaultChainCacheSize)
	require.NoError(t, err)
	return store
}

func genesisBlock(t *testing.T, id *identity.Identity) Block {
	t.Helper()
	b := Block{Content: []ContentOp{{Kind: OpRegisterMasterKey, Key: id.Public()}}}
	b.Sign(id)
	return b
}

func childBlock(t *testing.T, id *identity.Identity, parent Block, content []ContentOp) Block {
	t.Helper()
	h := parent.Hash()
	b := Block{Previous: &h, Content: content}
	b.Sign(id)
	return b
}

func TestPutChainAndGetChain(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0 := genesisBlock(t, id)
	b1 := childBlock(t, id, b0, nil)

	passportID, err := store.PutChain([]Block{b0, b1})
	require.NoError(t, err)

	chain, ok, err := store.GetChain(passportID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain, 2)
}

func TestPutChainRejectsEmpty(t *testing.T) {
	store := newTestStore(t)
	_, err := store.PutChain(nil)
	require.ErrorIs(t, err, ErrEmptyChain)
}

func TestPutChainRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	b0 := genesisBlock(t, id)

	_, err = store.PutChain([]Block{b0})
	require.NoError(t, err)

	_, err = store.PutChain([]Block{b0})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestAppendBlockEndToEndScenario(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0 := genesisBlock(t, id)
	b1 := childBlock(t, id, b0, nil)

	passportID, err := store.PutChain([]Block{b0, b1})
	require.NoError(t, err)

	// Re-submitting b1 alone is a tolerated no-op.
	_, err = store.AppendBlock(b1)
	require.NoError(t, err)

	b2 := childBlock(t, id, b1, nil)
	_, err = store.AppendBlock(b2)
	require.NoError(t, err)

	chain, ok, err := store.GetChain(passportID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain, 3)

	genesisHash := b0.Hash()
	forkB2 := Block{Previous: &genesisHash}
	forkB2.Sign(id)
	_, err = store.AppendBlock(forkB2)
	require.ErrorIs(t, err, ErrForkDetected)
}

func TestAppendBlockBuffersOutOfOrderAndDrains(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0 := genesisBlock(t, id)
	b1 := childBlock(t, id, b0, nil)
	b2 := childBlock(t, id, b1, nil)

	passportID, err := store.PutChain([]Block{b0})
	require.NoError(t, err)

	// b2 arrives before b1: must be buffered as an orphan.
	_, err = store.AppendBlock(b2)
	require.ErrorIs(t, err, ErrOrphan)

	// Applying b1 should drain b2 transitively.
	_, err = store.AppendBlock(b1)
	require.NoError(t, err)

	chain, ok, err := store.GetChain(passportID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain, 3)
}

func TestGetChainCacheInvalidatedByAppendBlock(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0 := genesisBlock(t, id)
	passportID, err := store.PutChain([]Block{b0})
	require.NoError(t, err)

	// Populate the cache.
	chain, ok, err := store.GetChain(passportID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain, 1)

	b1 := childBlock(t, id, b0, nil)
	_, err = store.AppendBlock(b1)
	require.NoError(t, err)

	chain, ok, err = store.GetChain(passportID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain, 2, "cached chain must be invalidated by AppendBlock")
}

func TestReverseIndexLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	idA, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	idB, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0A := genesisBlock(t, idA)
	passportA, err := store.PutChain([]Block{b0A})
	require.NoError(t, err)

	b0B := Block{Content: []ContentOp{{Kind: OpRegisterMasterKey, Key: idA.Public()}}}
	b0B.Sign(idB)
	passportB, err := store.PutChain([]Block{b0B})
	require.NoError(t, err)

	got, ok, err := store.PassportFromKey(idA.Public())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, passportB, got)
	require.NotEqual(t, passportA, got)
}

func TestPassportFromTopic(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	b0 := genesisBlock(t, id)
	passportID, err := store.PutChain([]Block{b0})
	require.NoError(t, err)

	embedded, ok := store.PassportFromTopic(topic.EmbedPassportTopic(passportID))
	require.True(t, ok)
	require.Equal(t, passportID, embedded)
}

func TestSearchIDsMatchesByPublicKeyPrefix(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	b0 := genesisBlock(t, id)
	passportID, err := store.PutChain([]Block{b0})
	require.NoError(t, err)

	keyHex := id.Public().String()
	matches, err := store.SearchIDs(keyHex[:4])
	require.NoError(t, err)
	require.Equal(t, passportID, matches[keyHex])

	empty, err := store.SearchIDs("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestActiveMasterKeysReflectsRegisterAndDeregister(t *testing.T) {
	store := newTestStore(t)
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	other, err := identity.Generate(rand.Reader)
	require.NoError(t, err)

	b0 := genesisBlock(t, id)
	b1 := childBlock(t, id, b0, []ContentOp{{Kind: OpRegisterMasterKey, Key: other.Public()}})
	passportID, err := store.PutChain([]Block{b0, b1})
	require.NoError(t, err)

	active, err := store.ActiveMasterKeys(passportID)
	require.NoError(t, err)
	require.Contains(t, active, id.Public())
	require.Contains(t, active, other.Public())

	b2 := childBlock(t, id, b1, []ContentOp{{Kind: OpDeregisterMasterKey, Key: other.Public()}})
	_, err = store.AppendBlock(b2)
	require.NoError(t, err)

	active, err = store.ActiveMasterKeys(passportID)
	require.NoError(t, err)
	require.Contains(t, active, id.Public())
	require.NotContains(t, active, other.Public())
}

func TestActiveMasterKeysUnknownPassport(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ActiveMasterKeys(topic.PassportID{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExportImportFileRoundTrip(t *testing.T) {
	id, err := identity.Generate(rand.Reader)
	require.NoError(t, err)
	b0 := genesisBlock(t, id)
	b1 := childBlock(t, id, b0, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "passport.bin")
	require.NoError(t, ExportFile([]Block{b0, b1}, path))

	imported, err := ImportFile(path)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	require.Equal(t, b0.Hash(), imported[0].Hash())
	require.Equal(t, b1.Hash(), imported[1].Hash())
	require.True(t, imported[1].VerifySignature())

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
