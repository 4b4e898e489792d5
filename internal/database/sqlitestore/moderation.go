// Package sqlitestore provides SQLite-backed store implementations.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"modengine/internal/moderation"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"
)

// pageSize is the number of audit entries fetched per query by ReadFrom
const pageSize = 256

// Schema creates the moderation tables. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	sequence  INTEGER PRIMARY KEY,
	type      TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id             TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	version        INTEGER NOT NULL,
	last_action_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	profile         TEXT,
	flag_count      INTEGER NOT NULL DEFAULT 0,
	severity        TEXT NOT NULL DEFAULT '',
	last_flagged_at TEXT,
	version         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_posts_state ON posts(state);
`

// ModerationStore implements moderation.Store using SQLite.
type ModerationStore struct {
	db *sql.DB
}

// Ensure ModerationStore implements the interface at compile time.
var _ moderation.Store = (*ModerationStore)(nil)

// Open opens (creating if needed) the SQLite database at path with tracing
// enabled and applies the schema. Write transactions begin IMMEDIATE so
// concurrent writers queue on the busy timeout instead of failing to upgrade.
func Open(path string) (*ModerationStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return NewModerationStore(db), nil
}

// NewModerationStore creates a ModerationStore backed by the given database.
// The database must already have Schema applied.
func NewModerationStore(db *sql.DB) *ModerationStore {
	return &ModerationStore{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ========== Audit Log ==========

func (s *ModerationStore) Append(ctx context.Context, entry moderation.AuditEntry) (uint64, error) {
	var seq uint64
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		seq, err = tx.Append(entry)
		return err
	})
	return seq, err
}

func (s *ModerationStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM audit_log`).Scan(&seq)
	if err != nil {
		return 0, moderation.Unavailable("sqlite last sequence", err)
	}
	return seq, nil
}

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
			page, err := s.readPage(ctx, seq, end)
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

func (s *ModerationStore) readPage(ctx context.Context, from, end uint64) ([]moderation.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, payload FROM audit_log
		WHERE sequence >= ? AND sequence <= ?
		ORDER BY sequence
		LIMIT ?
	`, from, end, pageSize)
	if err != nil {
		return nil, moderation.Unavailable("sqlite read audit log", err)
	}
	defer rows.Close()

	page := make([]moderation.AuditEntry, 0, pageSize)
	for rows.Next() {
		var seq uint64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, moderation.Unavailable("sqlite read audit log", err)
		}
		var entry moderation.AuditEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %d: %w", seq, err)
		}
		entry.Sequence = seq
		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, moderation.Unavailable("sqlite read audit log", err)
	}
	return page, nil
}

// ========== Posts ==========

const selectPost = `SELECT id, state, version, last_action_at FROM posts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (moderation.Post, error) {
	var p moderation.Post
	var lastActionAt string
	if err := row.Scan(&p.ID, &p.State, &p.Version, &lastActionAt); err != nil {
		return moderation.Post{}, err
	}
	p.LastActionAt = parseTime(lastActionAt)
	return p, nil
}

func (s *ModerationStore) GetPost(ctx context.Context, id string) (moderation.Post, error) {
	post, err := scanPost(s.db.QueryRowContext(ctx, selectPost+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.Post{}, fmt.Errorf("post %s: %w", id, moderation.ErrNotFound)
	}
	if err != nil {
		return moderation.Post{}, moderation.Unavailable("sqlite get post", err)
	}
	return post, nil
}

func (s *ModerationStore) ApplyIfVersion(ctx context.Context, id string, expectedVersion int64, next moderation.Post) (moderation.Post, error) {
	var post moderation.Post
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		post, err = tx.ApplyIfVersion(id, expectedVersion, next)
		return err
	})
	return post, err
}

func (s *ModerationStore) ListPosts(ctx context.Context) ([]moderation.Post, error) {
	rows, err := s.db.QueryContext(ctx, selectPost+` ORDER BY id`)
	if err != nil {
		return nil, moderation.Unavailable("sqlite list posts", err)
	}
	defer rows.Close()

	var posts []moderation.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, moderation.Unavailable("sqlite list posts", err)
		}
		posts = append(posts, post)
	}
	return posts, moderation.Unavailable("sqlite list posts", rows.Err())
}

// ========== Users ==========

const selectUser = `SELECT id, profile, flag_count, severity, last_flagged_at, version FROM users`

func scanUser(row rowScanner) (moderation.User, error) {
	var u moderation.User
	var profile, lastFlaggedAt sql.NullString
	if err := row.Scan(&u.ID, &profile, &u.FlagCount, &u.Severity, &lastFlaggedAt, &u.Version); err != nil {
		return moderation.User{}, err
	}
	if profile.Valid && profile.String != "" {
		u.Profile = json.RawMessage(profile.String)
	}
	if lastFlaggedAt.Valid {
		t := parseTime(lastFlaggedAt.String)
		u.LastFlaggedAt = &t
	}
	return u, nil
}

func (s *ModerationStore) GetUser(ctx context.Context, id string) (moderation.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.User{}, fmt.Errorf("user %s: %w", id, moderation.ErrNotFound)
	}
	if err != nil {
		return moderation.User{}, moderation.Unavailable("sqlite get user", err)
	}
	return user, nil
}

func (s *ModerationStore) RecordFlag(ctx context.Context, id string, flag moderation.UserFlag) (moderation.User, error) {
	var user moderation.User
	err := s.Update(ctx, func(tx moderation.Tx) error {
		var err error
		user, err = tx.RecordFlag(id, flag)
		return err
	})
	return user, err
}

func (s *ModerationStore) ListUsers(ctx context.Context) ([]moderation.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY id`)
	if err != nil {
		return nil, moderation.Unavailable("sqlite list users", err)
	}
	defer rows.Close()

	var users []moderation.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, moderation.Unavailable("sqlite list users", err)
		}
		users = append(users, user)
	}
	return users, moderation.Unavailable("sqlite list users", rows.Err())
}

// ========== Transactions ==========

// Update runs fn in one IMMEDIATE transaction. Errors returned by fn are passed
// through unchanged; begin and commit failures are reported as ErrStorageUnavailable.
func (s *ModerationStore) Update(ctx context.Context, fn func(tx moderation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return moderation.Unavailable("sqlite begin", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return moderation.Unavailable("sqlite commit", err)
	}
	return nil
}

func (s *ModerationStore) ResetProjections(ctx context.Context) error {
	return s.Update(ctx, func(tx moderation.Tx) error {
		stx := tx.(*sqlTx)
		for _, stmt := range []string{`DELETE FROM posts`, `DELETE FROM users`} {
			if _, err := stx.tx.ExecContext(ctx, stmt); err != nil {
				return moderation.Unavailable("sqlite reset projections", err)
			}
		}
		return nil
	})
}

func (s *ModerationStore) Close() error {
	return s.db.Close()
}

// sqlTx implements moderation.Tx over a database/sql transaction
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Append(entry moderation.AuditEntry) (uint64, error) {
	var seq uint64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log`).Scan(&seq); err != nil {
		return 0, moderation.Unavailable("sqlite next sequence", err)
	}
	entry.Sequence = seq
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO audit_log (sequence, type, timestamp, payload)
		VALUES (?, ?, ?, ?)
	`, seq, string(entry.Type), formatTime(entry.Timestamp), string(payload))
	if err != nil {
		return 0, moderation.Unavailable("sqlite append", err)
	}
	return seq, nil
}

func (t *sqlTx) GetPost(id string) (moderation.Post, error) {
	post, err := scanPost(t.tx.QueryRowContext(t.ctx, selectPost+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.Post{}, fmt.Errorf("post %s: %w", id, moderation.ErrNotFound)
	}
	if err != nil {
		return moderation.Post{}, moderation.Unavailable("sqlite get post", err)
	}
	return post, nil
}

func (t *sqlTx) PutPost(post moderation.Post) error {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO posts (id, state, version, last_action_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, post.ID, string(post.State), post.Version, formatTime(post.LastActionAt))
	if err != nil {
		return moderation.Unavailable("sqlite put post", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", post.ID, moderation.ErrAlreadyExists)
	}
	return nil
}

func (t *sqlTx) ApplyIfVersion(id string, expectedVersion int64, next moderation.Post) (moderation.Post, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE posts SET state = ?, version = ?, last_action_at = ?
		WHERE id = ? AND version = ?
	`, string(next.State), next.Version, formatTime(next.LastActionAt), id, expectedVersion)
	if err != nil {
		return moderation.Post{}, moderation.Unavailable("sqlite apply post", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := t.GetPost(id)
		if err != nil {
			return moderation.Post{}, err
		}
		return moderation.Post{}, fmt.Errorf("post %s at version %d, expected %d: %w", id, current.Version, expectedVersion, moderation.ErrVersionConflict)
	}
	next.ID = id
	return next, nil
}

func (t *sqlTx) GetUser(id string) (moderation.User, error) {
	user, err := scanUser(t.tx.QueryRowContext(t.ctx, selectUser+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.User{}, fmt.Errorf("user %s: %w", id, moderation.ErrNotFound)
	}
	if err != nil {
		return moderation.User{}, moderation.Unavailable("sqlite get user", err)
	}
	return user, nil
}

func (t *sqlTx) PutUser(user moderation.User) error {
	var profile, lastFlaggedAt sql.NullString
	if len(user.Profile) > 0 {
		profile = sql.NullString{String: string(user.Profile), Valid: true}
	}
	if user.LastFlaggedAt != nil {
		lastFlaggedAt = sql.NullString{String: formatTime(*user.LastFlaggedAt), Valid: true}
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO users (id, profile, flag_count, severity, last_flagged_at, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, user.ID, profile, user.FlagCount, string(user.Severity), lastFlaggedAt, user.Version)
	if err != nil {
		return moderation.Unavailable("sqlite put user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", user.ID, moderation.ErrAlreadyExists)
	}
	return nil
}

func (t *sqlTx) RecordFlag(id string, flag moderation.UserFlag) (moderation.User, error) {
	user, err := t.GetUser(id)
	if err != nil {
		return moderation.User{}, err
	}
	user = moderation.ApplyFlag(user, flag)

	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE users SET flag_count = ?, severity = ?, last_flagged_at = ?, version = ?
		WHERE id = ?
	`, user.FlagCount, string(user.Severity), formatTime(*user.LastFlaggedAt), user.Version, id)
	if err != nil {
		return moderation.User{}, moderation.Unavailable("sqlite record flag", err)
	}
	return user, nil
}
