package moderation

import (
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceLog is an in-memory AuditLog over a fixed slice of entries
type sliceLog []AuditEntry

func (l sliceLog) Append(context.Context, AuditEntry) (uint64, error) { return 0, nil }

func (l sliceLog) LastSequence(context.Context) (uint64, error) {
	if len(l) == 0 {
		return 0, nil
	}
	return l[len(l)-1].Sequence, nil
}

func (l sliceLog) ReadFrom(_ context.Context, seq uint64) iter.Seq2[AuditEntry, error] {
	return func(yield func(AuditEntry, error) bool) {
		for _, e := range l {
			if e.Sequence >= seq && !yield(e, nil) {
				return
			}
		}
	}
}

var projTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func registerPostEntry(seq uint64, id string) AuditEntry {
	post := Post{ID: id, State: PostStatePublished, LastActionAt: projTime}
	return AuditEntry{Sequence: seq, Type: EntryPostRegistered, Timestamp: projTime, Post: &post}
}

func registerUserEntry(seq uint64, id string) AuditEntry {
	user := User{ID: id, Profile: json.RawMessage(`{"a": 1}`)}
	return AuditEntry{Sequence: seq, Type: EntryUserRegistered, Timestamp: projTime, User: &user}
}

func actionLogEntry(seq uint64, postID string, kind ActionKind, from, to PostState, version int64) AuditEntry {
	e := NewActionEntry(ModerationAction{
		ID: "a", Kind: kind, PostID: postID, Reason: "r", Timestamp: projTime.Add(time.Duration(seq) * time.Minute),
		FromState: from, ToState: to, Version: version,
	})
	e.Sequence = seq
	return e
}

func flagLogEntry(seq uint64, userID string, sev Severity) AuditEntry {
	e := NewFlagEntry(UserFlag{ID: "f", UserID: userID, Reason: "r", Category: FlagSpam, Severity: sev, Timestamp: projTime})
	e.Sequence = seq
	return e
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	log := sliceLog{
		registerPostEntry(1, "p1"),
		registerUserEntry(2, "u1"),
		actionLogEntry(3, "p1", ActionFlag, PostStatePublished, PostStateFlagged, 1),
		flagLogEntry(4, "u1", SeverityHigh),
		actionLogEntry(5, "p1", ActionHide, PostStateFlagged, PostStateHidden, 2),
		flagLogEntry(6, "u1", SeverityLow),
	}

	snap, err := Replay(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), snap.Sequence)

	post := snap.Posts["p1"]
	assert.Equal(t, PostStateHidden, post.State)
	assert.Equal(t, int64(2), post.Version)
	assert.Equal(t, projTime.Add(5*time.Minute), post.LastActionAt)

	user := snap.Users["u1"]
	assert.Equal(t, int64(2), user.FlagCount)
	assert.Equal(t, SeverityHigh, user.Severity)
	assert.Equal(t, int64(2), user.Version)

	t.Run("matching projections have no diff", func(t *testing.T) {
		assert.Empty(t, snap.Diff([]Post{post}, []User{user}))
	})

	t.Run("profile whitespace is not a diff", func(t *testing.T) {
		live := user
		live.Profile = json.RawMessage(`{"a":1}`)
		assert.Empty(t, snap.Diff([]Post{post}, []User{live}))
	})

	t.Run("drift is reported", func(t *testing.T) {
		stale := post
		stale.Version = 1
		extra := Post{ID: "p9", State: PostStatePublished}

		diffs := snap.Diff([]Post{stale, extra}, nil)
		assert.Equal(t, []string{
			"post p1: live hidden v1, replayed hidden v2",
			"post p9: not in audit log",
			"user u1: missing from store",
		}, diffs)
	})
}

func TestReplay_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("gap", func(t *testing.T) {
		_, err := Replay(ctx, sliceLog{registerPostEntry(1, "p1"), registerPostEntry(3, "p2")})
		assert.ErrorContains(t, err, "gap")
	})

	t.Run("action version mismatch", func(t *testing.T) {
		_, err := Replay(ctx, sliceLog{
			registerPostEntry(1, "p1"),
			actionLogEntry(2, "p1", ActionHide, PostStatePublished, PostStateHidden, 5),
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("action on unknown post", func(t *testing.T) {
		_, err := Replay(ctx, sliceLog{actionLogEntry(1, "ghost", ActionHide, PostStatePublished, PostStateHidden, 1)})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed entry", func(t *testing.T) {
		_, err := Replay(ctx, sliceLog{{Sequence: 1, Type: EntryUserFlag}})
		var entryErr *EntryError
		assert.ErrorAs(t, err, &entryErr)
	})
}

func TestAuditEntry_Validate(t *testing.T) {
	assert.NoError(t, registerPostEntry(1, "p").Validate())
	assert.NoError(t, flagLogEntry(1, "u", SeverityLow).Validate())

	both := registerPostEntry(1, "p")
	both.User = &User{ID: "u"}
	assert.Error(t, both.Validate())

	assert.Error(t, AuditEntry{Type: "unknown", Post: &Post{}}.Validate())
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("op", nil))

	err := Unavailable("op", assert.AnError)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, assert.AnError)

	notFound := Unavailable("op", ErrNotFound)
	assert.ErrorIs(t, notFound, ErrNotFound)
	assert.NotErrorIs(t, notFound, ErrStorageUnavailable)
}
