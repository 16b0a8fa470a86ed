package gossipstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T, refreshRate time.Duration) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := NewStore(db, refreshRate)
	require.NoError(t, err)
	return store
}

func TestNeedsUpdateBeforeFirstUpdate(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	require.True(t, store.NeedsUpdate(time.Now()))
}

func TestNeedsUpdateGatedByRefreshRate(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	base := time.Now()
	require.NoError(t, store.Update(base, [][]byte{[]byte("peer-a")}))

	require.False(t, store.NeedsUpdate(base.Add(10*time.Second)))
	require.True(t, store.NeedsUpdate(base.Add(31*time.Second)))
}

func TestUpdateReplacesSetAtomically(t *testing.T) {
	store := newTestStore(t, time.Second)
	now := time.Now()
	require.NoError(t, store.Update(now, [][]byte{[]byte("a"), []byte("b")}))

	blobs, err := store.Gossips()
	require.NoError(t, err)
	require.Len(t, blobs, 2)

	require.NoError(t, store.Update(now, [][]byte{[]byte("c")}))
	blobs, err = store.Gossips()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c")}, blobs)
}
