package database

import (
	"context"
	"path/filepath"
	"testing"

	"modengine/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		input   string
		want    Driver
		wantErr bool
	}{
		{"", DriverBolt, false},
		{"bolt", DriverBolt, false},
		{"sqlite", DriverSQLite, false},
		{"postgres", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDriver(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	path, err := DefaultPath(DriverBolt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "modengine", "modengine.db"), path)

	path, err = DefaultPath(DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "modengine", "modengine.sqlite"), path)
}

func TestOpen(t *testing.T) {
	for _, driver := range []Driver{DriverBolt, DriverSQLite} {
		t.Run(string(driver), func(t *testing.T) {
			store, err := Open(driver, filepath.Join(t.TempDir(), "nested", "store"))
			require.NoError(t, err)
			defer store.Close()

			seq, err := store.LastSequence(context.Background())
			require.NoError(t, err)
			assert.Zero(t, seq)
		})
	}

	_, err := Open("postgres", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestMockStore(t *testing.T) {
	store, err := Open(DriverBolt, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	mock := &MockStore{
		Store: store,
		GetPostFunc: func(ctx context.Context, id string) (moderation.Post, error) {
			return moderation.Post{}, Unavailable("get post")
		},
	}

	_, err = mock.GetPost(context.Background(), "p1")
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)

	// Unset fields delegate
	_, err = mock.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, moderation.ErrNotFound)
}
