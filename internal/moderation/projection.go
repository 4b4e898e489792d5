package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ApplyAction returns post after a committed moderation action
func ApplyAction(post Post, action ModerationAction) Post {
	post.State = action.ToState
	post.Version = action.Version
	post.LastActionAt = action.Timestamp
	return post
}

// ApplyFlag returns user after a committed flag. The severity watermark only escalates.
func ApplyFlag(user User, flag UserFlag) User {
	user.FlagCount++
	user.Severity = user.Severity.Max(flag.Severity)
	flaggedAt := flag.Timestamp
	user.LastFlaggedAt = &flaggedAt
	user.Version++
	return user
}

// ProjectEntry applies an already-logged entry to the projections behind tx.
// It is the replay counterpart of the engine's write path.
func ProjectEntry(tx Tx, entry AuditEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	switch entry.Type {
	case EntryPostRegistered:
		return tx.PutPost(*entry.Post)

	case EntryUserRegistered:
		return tx.PutUser(*entry.User)

	case EntryModerationAction:
		action := entry.Action
		post, err := tx.GetPost(action.PostID)
		if err != nil {
			return fmt.Errorf("replay action %d on post %s: %w", entry.Sequence, action.PostID, err)
		}
		_, err = tx.ApplyIfVersion(post.ID, action.Version-1, ApplyAction(post, *action))
		if err != nil {
			return fmt.Errorf("replay action %d on post %s: %w", entry.Sequence, action.PostID, err)
		}
		return nil

	case EntryUserFlag:
		if _, err := tx.RecordFlag(entry.Flag.UserID, *entry.Flag); err != nil {
			return fmt.Errorf("replay flag %d on user %s: %w", entry.Sequence, entry.Flag.UserID, err)
		}
		return nil
	}

	return &EntryError{Sequence: entry.Sequence, Type: entry.Type}
}

// Snapshot is the derived state obtained by replaying an audit log in memory
type Snapshot struct {
	Posts    map[string]Post
	Users    map[string]User
	Sequence uint64
}

// Replay rebuilds post and user state from the log, starting at sequence 1.
func Replay(ctx context.Context, log AuditLog) (*Snapshot, error) {
	tx := &memTx{snap: &Snapshot{
		Posts: make(map[string]Post),
		Users: make(map[string]User),
	}}

	for entry, err := range log.ReadFrom(ctx, 1) {
		if err != nil {
			return nil, err
		}
		if entry.Sequence != tx.snap.Sequence+1 {
			return nil, fmt.Errorf("audit log gap: expected sequence %d, got %d", tx.snap.Sequence+1, entry.Sequence)
		}
		if err := ProjectEntry(tx, entry); err != nil {
			return nil, err
		}
		tx.snap.Sequence = entry.Sequence
	}

	return tx.snap, nil
}

// Diff compares the snapshot against live projections and returns one line per mismatch.
func (s *Snapshot) Diff(posts []Post, users []User) []string {
	var diffs []string

	seen := make(map[string]bool, len(posts))
	for _, live := range posts {
		seen[live.ID] = true
		want, ok := s.Posts[live.ID]
		if !ok {
			diffs = append(diffs, "post "+live.ID+": not in audit log")
			continue
		}
		if want.State != live.State || want.Version != live.Version || !want.LastActionAt.Equal(live.LastActionAt) {
			diffs = append(diffs, fmt.Sprintf("post %s: live %s v%d, replayed %s v%d", live.ID, live.State, live.Version, want.State, want.Version))
		}
	}
	for id := range s.Posts {
		if !seen[id] {
			diffs = append(diffs, "post "+id+": missing from store")
		}
	}

	seen = make(map[string]bool, len(users))
	for _, live := range users {
		seen[live.ID] = true
		want, ok := s.Users[live.ID]
		if !ok {
			diffs = append(diffs, "user "+live.ID+": not in audit log")
			continue
		}
		if !sameUser(want, live) {
			diffs = append(diffs, fmt.Sprintf("user %s: live %d flags (%s) v%d, replayed %d flags (%s) v%d",
				live.ID, live.FlagCount, live.Severity, live.Version, want.FlagCount, want.Severity, want.Version))
		}
	}
	for id := range s.Users {
		if !seen[id] {
			diffs = append(diffs, "user "+id+": missing from store")
		}
	}

	sort.Strings(diffs)
	return diffs
}

func sameUser(a, b User) bool {
	if a.FlagCount != b.FlagCount || a.Severity != b.Severity || a.Version != b.Version {
		return false
	}
	if (a.LastFlaggedAt == nil) != (b.LastFlaggedAt == nil) {
		return false
	}
	if a.LastFlaggedAt != nil && !a.LastFlaggedAt.Equal(*b.LastFlaggedAt) {
		return false
	}
	return sameJSON(a.Profile, b.Profile)
}

func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// memTx projects entries into a Snapshot
type memTx struct {
	snap *Snapshot
}

func (t *memTx) Append(AuditEntry) (uint64, error) {
	return 0, fmt.Errorf("snapshot is read-only")
}

func (t *memTx) GetPost(id string) (Post, error) {
	post, ok := t.snap.Posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return post, nil
}

func (t *memTx) PutPost(post Post) error {
	if _, ok := t.snap.Posts[post.ID]; ok {
		return fmt.Errorf("post %s: %w", post.ID, ErrAlreadyExists)
	}
	t.snap.Posts[post.ID] = post
	return nil
}

func (t *memTx) ApplyIfVersion(id string, expectedVersion int64, next Post) (Post, error) {
	post, ok := t.snap.Posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	if post.Version != expectedVersion {
		return Post{}, ErrVersionConflict
	}
	t.snap.Posts[id] = next
	return next, nil
}

func (t *memTx) GetUser(id string) (User, error) {
	user, ok := t.snap.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (t *memTx) PutUser(user User) error {
	if _, ok := t.snap.Users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrAlreadyExists)
	}
	t.snap.Users[user.ID] = user
	return nil
}

func (t *memTx) RecordFlag(id string, flag UserFlag) (User, error) {
	user, ok := t.snap.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	user = ApplyFlag(user, flag)
	t.snap.Users[id] = user
	return user, nil
}
