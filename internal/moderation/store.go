package moderation

import (
	"context"
	"iter"
)

// AuditLog is the append-only, ordered record of every moderation action and flag.
// Sequence numbers start at 1 and are gapless.
type AuditLog interface {
	// Append assigns the next sequence number to entry and stores it.
	// It is all-or-nothing: on error nothing was written.
	Append(ctx context.Context, entry AuditEntry) (uint64, error)

	// ReadFrom yields entries with Sequence >= seq in order. The sequence is finite
	// (it ends at the last entry committed when iteration started) and may be
	// restarted from any sequence number.
	ReadFrom(ctx context.Context, seq uint64) iter.Seq2[AuditEntry, error]

	// LastSequence returns the sequence number of the newest entry, or 0 if empty.
	LastSequence(ctx context.Context) (uint64, error)
}

// PostStore holds the current moderation state of each post.
// It does not validate transitions; it only guarantees atomic, version-checked writes.
type PostStore interface {
	GetPost(ctx context.Context, id string) (Post, error)
	ApplyIfVersion(ctx context.Context, id string, expectedVersion int64, next Post) (Post, error)
	ListPosts(ctx context.Context) ([]Post, error)
}

// UserRegistry holds the current flag state of each user.
type UserRegistry interface {
	GetUser(ctx context.Context, id string) (User, error)
	RecordFlag(ctx context.Context, id string, flag UserFlag) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Tx is a unit of work against a Store. Everything done through a Tx commits
// together or not at all.
type Tx interface {
	Append(entry AuditEntry) (uint64, error)

	GetPost(id string) (Post, error)
	PutPost(post Post) error
	ApplyIfVersion(id string, expectedVersion int64, next Post) (Post, error)

	GetUser(id string) (User, error)
	PutUser(user User) error
	RecordFlag(id string, flag UserFlag) (User, error)
}

// Store defines the persistence interface for the engine.
// Implementations must be safe for concurrent use.
type Store interface {
	AuditLog
	PostStore
	UserRegistry

	// Update runs fn in a single write transaction. If fn returns an error
	// the transaction is rolled back, including any sequence numbers it drew.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// ResetProjections deletes all derived post and user state, keeping the audit log.
	ResetProjections(ctx context.Context) error

	Close() error
}

// Aggregator maintains statistics fed by committed audit entries.
type Aggregator interface {
	Record(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, q StatsQuery) (FlaggedContentStats, error)
	Reset(ctx context.Context) error
	Sequence(ctx context.Context) (uint64, error)
}
