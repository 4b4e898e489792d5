// Package storetest holds behaviour tests shared by every moderation.Store
// implementation. Each backend calls Run from its own test file.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"modengine/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store. The store is closed by the factory's cleanup.
type Factory func(t *testing.T) moderation.Store

var ts = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// PostEntry builds a registration entry for a published post
func PostEntry(id string) moderation.AuditEntry {
	post := moderation.Post{ID: id, State: moderation.PostStatePublished, LastActionAt: ts}
	return moderation.AuditEntry{Type: moderation.EntryPostRegistered, Timestamp: ts, Post: &post}
}

// UserEntry builds a registration entry for an unflagged user
func UserEntry(id string) moderation.AuditEntry {
	user := moderation.User{ID: id, Profile: json.RawMessage(`{"name":"` + id + `"}`)}
	return moderation.AuditEntry{Type: moderation.EntryUserRegistered, Timestamp: ts, User: &user}
}

// Run exercises newStore against the moderation.Store contract
func Run(t *testing.T, newStore Factory) {
	t.Run("AuditLog", func(t *testing.T) { testAuditLog(t, newStore) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore) })
	t.Run("Posts", func(t *testing.T) { testPosts(t, newStore) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore) })
	t.Run("ResetProjections", func(t *testing.T) { testResetProjections(t, newStore) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore) })
}

func collect(t *testing.T, log moderation.AuditLog, from uint64) []moderation.AuditEntry {
	t.Helper()
	var out []moderation.AuditEntry
	for entry, err := range log.ReadFrom(context.Background(), from) {
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func testAuditLog(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("empty log", func(t *testing.T) {
		store := newStore(t)

		seq, err := store.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, seq)
		assert.Empty(t, collect(t, store, 1))
	})

	t.Run("sequences start at one and are gapless", func(t *testing.T) {
		store := newStore(t)

		for i := 1; i <= 5; i++ {
			seq, err := store.Append(ctx, PostEntry(fmt.Sprintf("p%d", i)))
			require.NoError(t, err)
			assert.Equal(t, uint64(i), seq)
		}

		last, err := store.LastSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), last)

		entries := collect(t, store, 1)
		require.Len(t, entries, 5)
		for i, e := range entries {
			assert.Equal(t, uint64(i+1), e.Sequence)
			assert.Equal(t, moderation.EntryPostRegistered, e.Type)
			require.NotNil(t, e.Post)
			assert.Equal(t, fmt.Sprintf("p%d", i+1), e.Post.ID)
			assert.True(t, ts.Equal(e.Timestamp))
		}
	})

	t.Run("read from the middle and past the end", func(t *testing.T) {
		store := newStore(t)
		for i := 1; i <= 4; i++ {
			_, err := store.Append(ctx, PostEntry(fmt.Sprintf("p%d", i)))
			require.NoError(t, err)
		}

		tail := collect(t, store, 3)
		require.Len(t, tail, 2)
		assert.Equal(t, uint64(3), tail[0].Sequence)
		assert.Equal(t, uint64(4), tail[1].Sequence)

		assert.Empty(t, collect(t, store, 5))
		assert.Len(t, collect(t, store, 0), 4, "sequence 0 reads from the start")
	})

	t.Run("reads span many pages", func(t *testing.T) {
		store := newStore(t)
		const n = 600
		err := store.Update(ctx, func(tx moderation.Tx) error {
			for i := 1; i <= n; i++ {
				if _, err := tx.Append(PostEntry(fmt.Sprintf("p%04d", i))); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		entries := collect(t, store, 1)
		require.Len(t, entries, n)
		for i, e := range entries {
			assert.Equal(t, uint64(i+1), e.Sequence)
		}
	})

	t.Run("iteration stops early and restarts", func(t *testing.T) {
		store := newStore(t)
		for i := 1; i <= 3; i++ {
			_, err := store.Append(ctx, PostEntry(fmt.Sprintf("p%d", i)))
			require.NoError(t, err)
		}

		var first moderation.AuditEntry
		for e, err := range store.ReadFrom(ctx, 1) {
			require.NoError(t, err)
			first = e
			break
		}
		assert.Equal(t, uint64(1), first.Sequence)
		assert.Len(t, collect(t, store, 2), 2)
	})

	t.Run("writes during iteration do not block and are not seen", func(t *testing.T) {
		store := newStore(t)
		for i := 1; i <= 3; i++ {
			_, err := store.Append(ctx, PostEntry(fmt.Sprintf("p%d", i)))
			require.NoError(t, err)
		}

		n := 0
		for _, err := range store.ReadFrom(ctx, 1) {
			require.NoError(t, err)
			n++
			_, err := store.Append(ctx, PostEntry(fmt.Sprintf("late%d", n)))
			require.NoError(t, err)
		}
		assert.Equal(t, 3, n)

		last, err := store.LastSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), last)
	})

	t.Run("malformed entry is rejected", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Append(ctx, moderation.AuditEntry{Type: moderation.EntryModerationAction, Timestamp: ts})
		require.Error(t, err)
		var entryErr *moderation.EntryError
		assert.ErrorAs(t, err, &entryErr)

		last, err := store.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("entries round trip", func(t *testing.T) {
		store := newStore(t)

		action := moderation.ModerationAction{
			ID:        "3kabc",
			Kind:      moderation.ActionFlag,
			PostID:    "p1",
			Reason:    "spam links",
			Category:  moderation.ContentSpam,
			Actor:     "mod-1",
			Timestamp: ts,
			FromState: moderation.PostStatePublished,
			ToState:   moderation.PostStateFlagged,
			Version:   1,
		}
		flag := moderation.UserFlag{
			ID:        "3kdef",
			UserID:    "u1",
			Reason:    "abuse",
			Category:  moderation.FlagHarassment,
			Severity:  moderation.SeverityHigh,
			Actor:     "mod-2",
			Timestamp: ts,
			Version:   1,
		}
		_, err := store.Append(ctx, moderation.NewActionEntry(action))
		require.NoError(t, err)
		_, err = store.Append(ctx, moderation.NewFlagEntry(flag))
		require.NoError(t, err)

		entries := collect(t, store, 1)
		require.Len(t, entries, 2)

		require.NotNil(t, entries[0].Action)
		got := *entries[0].Action
		assert.True(t, ts.Equal(got.Timestamp))
		got.Timestamp = action.Timestamp
		assert.Equal(t, action, got)

		require.NotNil(t, entries[1].Flag)
		gotFlag := *entries[1].Flag
		assert.True(t, ts.Equal(gotFlag.Timestamp))
		gotFlag.Timestamp = flag.Timestamp
		assert.Equal(t, flag, gotFlag)
	})
}

func testTransactions(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("rollback discards entries and sequence numbers", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, PostEntry("p1"))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = store.Update(ctx, func(tx moderation.Tx) error {
			if _, err := tx.Append(PostEntry("p2")); err != nil {
				return err
			}
			if err := tx.PutPost(*PostEntry("p2").Post); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetPost(ctx, "p2")
		assert.ErrorIs(t, err, moderation.ErrNotFound)

		seq, err := store.Append(ctx, PostEntry("p3"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq, "no gap after a rolled back append")
	})

	t.Run("version conflict rolls back the append", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutPost(*PostEntry("p1").Post)
		}))

		err := store.Update(ctx, func(tx moderation.Tx) error {
			if _, err := tx.Append(PostEntry("ignored")); err != nil {
				return err
			}
			_, err := tx.ApplyIfVersion("p1", 7, moderation.Post{ID: "p1", State: moderation.PostStateHidden, Version: 8})
			return err
		})
		assert.ErrorIs(t, err, moderation.ErrVersionConflict)

		last, err := store.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("reads inside a transaction see its writes", func(t *testing.T) {
		store := newStore(t)
		err := store.Update(ctx, func(tx moderation.Tx) error {
			if err := tx.PutPost(*PostEntry("p1").Post); err != nil {
				return err
			}
			post, err := tx.GetPost("p1")
			if err != nil {
				return err
			}
			assert.Equal(t, moderation.PostStatePublished, post.State)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := store.Update(cctx, func(tx moderation.Tx) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func testPosts(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	t.Run("missing post", func(t *testing.T) {
		_, err := store.GetPost(ctx, "nope")
		assert.ErrorIs(t, err, moderation.ErrNotFound)

		_, err = store.ApplyIfVersion(ctx, "nope", 0, moderation.Post{ID: "nope"})
		assert.ErrorIs(t, err, moderation.ErrNotFound)
	})

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutPost(*PostEntry("b").Post)
		}))

		post, err := store.GetPost(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "b", post.ID)
		assert.Equal(t, moderation.PostStatePublished, post.State)
		assert.Zero(t, post.Version)
		assert.True(t, ts.Equal(post.LastActionAt))
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutPost(*PostEntry("b").Post)
		})
		assert.ErrorIs(t, err, moderation.ErrAlreadyExists)
	})

	t.Run("apply if version", func(t *testing.T) {
		at := ts.Add(time.Minute)
		next := moderation.Post{ID: "b", State: moderation.PostStateFlagged, Version: 1, LastActionAt: at}

		got, err := store.ApplyIfVersion(ctx, "b", 0, next)
		require.NoError(t, err)
		assert.Equal(t, moderation.PostStateFlagged, got.State)

		_, err = store.ApplyIfVersion(ctx, "b", 0, next)
		assert.ErrorIs(t, err, moderation.ErrVersionConflict)

		post, err := store.GetPost(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(1), post.Version)
		assert.Equal(t, moderation.PostStateFlagged, post.State)
		assert.True(t, at.Equal(post.LastActionAt))
	})

	t.Run("list is ordered by id", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
			for _, id := range []string{"c", "a"} {
				if err := tx.PutPost(*PostEntry(id).Post); err != nil {
					return err
				}
			}
			return nil
		}))

		posts, err := store.ListPosts(ctx)
		require.NoError(t, err)
		ids := make([]string, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})
}

func testUsers(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	t.Run("missing user", func(t *testing.T) {
		_, err := store.GetUser(ctx, "nope")
		assert.ErrorIs(t, err, moderation.ErrNotFound)

		_, err = store.RecordFlag(ctx, "nope", moderation.UserFlag{UserID: "nope", Severity: moderation.SeverityLow})
		assert.ErrorIs(t, err, moderation.ErrNotFound)
	})

	t.Run("create keeps the profile", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutUser(*UserEntry("u1").User)
		}))

		user, err := store.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"u1"}`, string(user.Profile))
		assert.Zero(t, user.FlagCount)
		assert.Equal(t, moderation.SeverityNone, user.Severity)
		assert.Nil(t, user.LastFlaggedAt)

		err = store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutUser(*UserEntry("u1").User)
		})
		assert.ErrorIs(t, err, moderation.ErrAlreadyExists)
	})

	t.Run("severity only escalates", func(t *testing.T) {
		flags := []moderation.Severity{moderation.SeverityMedium, moderation.SeverityCritical, moderation.SeverityLow}
		for i, sev := range flags {
			at := ts.Add(time.Duration(i+1) * time.Hour)
			user, err := store.RecordFlag(ctx, "u1", moderation.UserFlag{UserID: "u1", Severity: sev, Timestamp: at})
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), user.FlagCount)
		}

		user, err := store.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), user.FlagCount)
		assert.Equal(t, moderation.SeverityCritical, user.Severity)
		assert.Equal(t, int64(3), user.Version)
		require.NotNil(t, user.LastFlaggedAt)
		assert.True(t, ts.Add(3*time.Hour).Equal(*user.LastFlaggedAt))
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
			return tx.PutUser(*UserEntry("u0").User)
		}))

		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "u0", users[0].ID)
		assert.Equal(t, "u1", users[1].ID)
	})
}

func testResetProjections(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Update(ctx, func(tx moderation.Tx) error {
		for _, e := range []moderation.AuditEntry{PostEntry("p1"), UserEntry("u1")} {
			if _, err := tx.Append(e); err != nil {
				return err
			}
			if err := moderation.ProjectEntry(tx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.ResetProjections(ctx))

	posts, err := store.ListPosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, posts)
	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last, "audit log survives a reset")

	seq, err := store.Append(ctx, PostEntry("p2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func testConcurrentUpdates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)
	const writers = 16

	seqs := make([]uint64, writers)
	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			seq, err := store.Append(ctx, PostEntry(fmt.Sprintf("w%d", i)))
			seqs[i] = seq
			return err
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}
