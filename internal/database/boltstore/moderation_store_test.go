package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"modengine/internal/moderation"
	"modengine/internal/moderation/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func setupTestModerationStore(t *testing.T) *ModerationStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store.ModerationStore()
}

func TestModerationStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) moderation.Store {
		return setupTestModerationStore(t)
	})
}

func TestReadFrom_SmallPages(t *testing.T) {
	ctx := context.Background()
	store := setupTestModerationStore(t)
	store.pageSize = 2

	for i := 1; i <= 5; i++ {
		_, err := store.Append(ctx, storetest.PostEntry(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}

	var seqs []uint64
	for entry, err := range store.ReadFrom(ctx, 2) {
		require.NoError(t, err)
		seqs = append(seqs, entry.Sequence)
	}
	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs)
}

func TestReadFrom_CancelledContext(t *testing.T) {
	store := setupTestModerationStore(t)
	_, err := store.Append(context.Background(), storetest.PostEntry("p1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range store.ReadFrom(ctx, 1) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestOpen_CreatesBuckets(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	err = store.db.View(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{BucketAuditLog, BucketPosts, BucketUsers} {
			assert.NotNil(t, tx.Bucket(b), "bucket %s", b)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestModerationStore_ClosedDatabase(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(Options{Path: dbPath})
	require.NoError(t, err)
	store := db.ModerationStore()
	require.NoError(t, store.Close())

	_, err = store.Append(ctx, storetest.PostEntry("p1"))
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)

	_, err = store.GetPost(ctx, "p1")
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)
}
