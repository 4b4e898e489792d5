package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"modengine/internal/moderation"
	"modengine/internal/moderation/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupTestModerationStore(t *testing.T) *ModerationStore {
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")

	store, err := Open(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestModerationStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) moderation.Store {
		return setupTestModerationStore(t)
	})
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "data", "test.sqlite")

	store, err := Open(dbPath)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := store.Append(ctx, storetest.PostEntry(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	store, err = Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	seq, err := store.Append(ctx, storetest.PostEntry("p4"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestModerationStore_ClosedDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.GetPost(ctx, "p1")
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)

	_, err = store.Append(ctx, storetest.PostEntry("p1"))
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)
}

func TestModerationStore_ConcurrentTransactionsAreGapless(t *testing.T) {
	ctx := context.Background()
	store := setupTestModerationStore(t)
	const writers = 32

	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			return store.Update(ctx, func(tx moderation.Tx) error {
				// two appends in one transaction see each other's sequence
				for _, id := range []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)} {
					if _, err := tx.Append(storetest.PostEntry(id)); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	var want uint64 = 1
	for entry, err := range store.ReadFrom(ctx, 1) {
		require.NoError(t, err)
		assert.Equal(t, want, entry.Sequence)
		want++
	}
	assert.Equal(t, uint64(2*writers+1), want)
}
