package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"modengine/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// defaultPageSize is the number of audit entries read per transaction by ReadFrom
const defaultPageSize = 256

// ModerationStore provides persistent storage for the audit log and projections.
type ModerationStore struct {
	db       *bolt.DB
	pageSize int
}

var _ moderation.Store = (*ModerationStore)(nil)

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// ========== Audit log ==========

// Append stores entry under the next sequence number in its own transaction.
func (s *ModerationStore) Append(ctx context.Context, entry moderation.AuditEntry) (uint64, error) {
	var seq uint64
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		seq, err = tx.Append(entry)
		return err
	})
	return seq, err
}

// LastSequence returns the sequence of the newest entry, or 0 if the log is empty.
func (s *ModerationStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(BucketAuditLog).Cursor().Last()
		if k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		return 0, moderation.Unavailable("bolt last sequence", err)
	}
	return seq, nil
}

// ReadFrom yields entries from seq through the last entry committed when
// iteration started. Entries are read in pages so no read transaction is held
// while the caller runs; writers may proceed during iteration.
func (s *ModerationStore) ReadFrom(ctx context.Context, seq uint64) iter.Seq2[moderation.AuditEntry, error] {
	return func(yield func(moderation.AuditEntry, error) bool) {
		if seq == 0 {
			seq = 1
		}
		end, err := s.LastSequence(ctx)
		if err != nil {
			yield(moderation.AuditEntry{}, err)
			return
		}

		for seq <= end {
			if err := ctx.Err(); err != nil {
				yield(moderation.AuditEntry{}, err)
				return
			}

			page, err := s.readPage(seq, end)
			if err != nil {
				yield(moderation.AuditEntry{}, err)
				return
			}
			if len(page) == 0 {
				return
			}

			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			seq = page[len(page)-1].Sequence + 1
		}
	}
}

func (s *ModerationStore) readPage(from, end uint64) ([]moderation.AuditEntry, error) {
	page := make([]moderation.AuditEntry, 0, s.pageSize)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketAuditLog).Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil && len(page) < s.pageSize; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > end {
				break
			}
			var entry moderation.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal audit entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			page = append(page, entry)
		}
		return nil
	})
	if err != nil {
		return nil, moderation.Unavailable("bolt read audit log", err)
	}
	return page, nil
}

// ========== Posts ==========

// GetPost retrieves a post by ID.
func (s *ModerationStore) GetPost(ctx context.Context, id string) (moderation.Post, error) {
	var post moderation.Post
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		post, err = (&boltTx{tx: tx}).GetPost(id)
		return err
	})
	if err != nil {
		return moderation.Post{}, moderation.Unavailable("bolt get post", err)
	}
	return post, nil
}

// ApplyIfVersion replaces the post if its stored version equals expectedVersion.
func (s *ModerationStore) ApplyIfVersion(ctx context.Context, id string, expectedVersion int64, next moderation.Post) (moderation.Post, error) {
	var post moderation.Post
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		post, err = tx.ApplyIfVersion(id, expectedVersion, next)
		return err
	})
	return post, err
}

// ListPosts returns all posts ordered by ID.
func (s *ModerationStore) ListPosts(ctx context.Context) ([]moderation.Post, error) {
	var posts []moderation.Post
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketPosts).ForEach(func(k, v []byte) error {
			var post moderation.Post
			if err := json.Unmarshal(v, &post); err != nil {
				return fmt.Errorf("failed to unmarshal post %s: %w", k, err)
			}
			posts = append(posts, post)
			return nil
		})
	})
	if err != nil {
		return nil, moderation.Unavailable("bolt list posts", err)
	}
	return posts, nil
}

// ========== Users ==========

// GetUser retrieves a user by ID.
func (s *ModerationStore) GetUser(ctx context.Context, id string) (moderation.User, error) {
	var user moderation.User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = (&boltTx{tx: tx}).GetUser(id)
		return err
	})
	if err != nil {
		return moderation.User{}, moderation.Unavailable("bolt get user", err)
	}
	return user, nil
}

// RecordFlag applies a flag to the user's counters.
func (s *ModerationStore) RecordFlag(ctx context.Context, id string, flag moderation.UserFlag) (moderation.User, error) {
	var user moderation.User
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		user, err = tx.RecordFlag(id, flag)
		return err
	})
	return user, err
}

// ListUsers returns all users ordered by ID.
func (s *ModerationStore) ListUsers(ctx context.Context) ([]moderation.User, error) {
	var users []moderation.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketUsers).ForEach(func(k, v []byte) error {
			var user moderation.User
			if err := json.Unmarshal(v, &user); err != nil {
				return fmt.Errorf("failed to unmarshal user %s: %w", k, err)
			}
			users = append(users, user)
			return nil
		})
	})
	if err != nil {
		return nil, moderation.Unavailable("bolt list users", err)
	}
	return users, nil
}

// ========== Transactions ==========

// Update runs fn in a single bolt write transaction. Errors returned by fn are
// passed through unchanged; commit failures are reported as ErrStorageUnavailable.
func (s *ModerationStore) Update(ctx context.Context, fn func(tx moderation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return moderation.Unavailable("bolt update", err)
}

// ResetProjections drops all post and user state. The audit log is kept.
func (s *ModerationStore) ResetProjections(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BucketPosts, BucketUsers} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	return moderation.Unavailable("bolt reset projections", err)
}

// Close closes the underlying database.
func (s *ModerationStore) Close() error {
	return s.db.Close()
}

// boltTx implements moderation.Tx over a bolt write (or read) transaction
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Append(entry moderation.AuditEntry) (uint64, error) {
	bucket := t.tx.Bucket(BucketAuditLog)

	seq, err := bucket.NextSequence()
	if err != nil {
		return 0, moderation.Unavailable("bolt next sequence", err)
	}
	entry.Sequence = seq
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := bucket.Put(seqKey(seq), data); err != nil {
		return 0, moderation.Unavailable("bolt append", err)
	}
	return seq, nil
}

func (t *boltTx) GetPost(id string) (moderation.Post, error) {
	data := t.tx.Bucket(BucketPosts).Get([]byte(id))
	if data == nil {
		return moderation.Post{}, fmt.Errorf("post %s: %w", id, moderation.ErrNotFound)
	}
	var post moderation.Post
	if err := json.Unmarshal(data, &post); err != nil {
		return moderation.Post{}, fmt.Errorf("failed to unmarshal post %s: %w", id, err)
	}
	return post, nil
}

func (t *boltTx) PutPost(post moderation.Post) error {
	bucket := t.tx.Bucket(BucketPosts)
	if bucket.Get([]byte(post.ID)) != nil {
		return fmt.Errorf("post %s: %w", post.ID, moderation.ErrAlreadyExists)
	}
	return t.putJSON(bucket, post.ID, post)
}

func (t *boltTx) ApplyIfVersion(id string, expectedVersion int64, next moderation.Post) (moderation.Post, error) {
	current, err := t.GetPost(id)
	if err != nil {
		return moderation.Post{}, err
	}
	if current.Version != expectedVersion {
		return moderation.Post{}, fmt.Errorf("post %s at version %d, expected %d: %w", id, current.Version, expectedVersion, moderation.ErrVersionConflict)
	}
	next.ID = id
	if err := t.putJSON(t.tx.Bucket(BucketPosts), id, next); err != nil {
		return moderation.Post{}, err
	}
	return next, nil
}

func (t *boltTx) GetUser(id string) (moderation.User, error) {
	data := t.tx.Bucket(BucketUsers).Get([]byte(id))
	if data == nil {
		return moderation.User{}, fmt.Errorf("user %s: %w", id, moderation.ErrNotFound)
	}
	var user moderation.User
	if err := json.Unmarshal(data, &user); err != nil {
		return moderation.User{}, fmt.Errorf("failed to unmarshal user %s: %w", id, err)
	}
	return user, nil
}

func (t *boltTx) PutUser(user moderation.User) error {
	bucket := t.tx.Bucket(BucketUsers)
	if bucket.Get([]byte(user.ID)) != nil {
		return fmt.Errorf("user %s: %w", user.ID, moderation.ErrAlreadyExists)
	}
	return t.putJSON(bucket, user.ID, user)
}

func (t *boltTx) RecordFlag(id string, flag moderation.UserFlag) (moderation.User, error) {
	user, err := t.GetUser(id)
	if err != nil {
		return moderation.User{}, err
	}
	user = moderation.ApplyFlag(user, flag)
	if err := t.putJSON(t.tx.Bucket(BucketUsers), id, user); err != nil {
		return moderation.User{}, err
	}
	return user, nil
}

func (t *boltTx) putJSON(bucket *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := bucket.Put([]byte(key), data); err != nil {
		return moderation.Unavailable("bolt put", err)
	}
	return nil
}
