// Package boltstore implements moderation.Store on BoltDB (bbolt).
// The audit log and the post and user projections share one database file,
// so every unit of work commits in a single bolt transaction.
package boltstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the bucket layout written by this package
const SchemaVersion = 1

var (
	// BucketMeta holds store metadata such as the schema version
	BucketMeta = []byte("meta")

	// BucketAuditLog stores audit entries keyed by big-endian sequence number.
	// The bucket sequence is the audit sequence counter.
	BucketAuditLog = []byte("audit_log")

	// BucketPosts stores the current state of each post keyed by post ID
	BucketPosts = []byte("posts")

	// BucketUsers stores the current flag state of each user keyed by user ID
	BucketUsers = []byte("users")

	keySchemaVersion = []byte("schema_version")
)

// ErrSchemaVersion is returned when a database was written by an incompatible layout
var ErrSchemaVersion = errors.New("unsupported database schema version")

// Store owns the bolt database handle.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store. Zero values select defaults.
type Options struct {
	// Path to the database file. Parent directories are created if needed.
	Path string

	// Timeout for obtaining the file lock (default 5s). A second process
	// opening the same file fails after this long.
	Timeout time.Duration

	// FileMode for a newly created database file (default 0600).
	FileMode os.FileMode
}

// Open creates or opens the database at opts.Path, creating buckets and
// recording the schema version on first use.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "modengine.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(initSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// initSchema creates missing buckets and checks the recorded schema version
func initSchema(tx *bolt.Tx) error {
	for _, bucket := range [][]byte{BucketMeta, BucketAuditLog, BucketPosts, BucketUsers} {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	meta := tx.Bucket(BucketMeta)
	raw := meta.Get(keySchemaVersion)
	if raw == nil {
		return meta.Put(keySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
	}
	version, err := strconv.Atoi(string(raw))
	if err != nil || version != SchemaVersion {
		return fmt.Errorf("%w: found %q, want %d", ErrSchemaVersion, raw, SchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ModerationStore returns a moderation store backed by this database.
// Closing it closes the database.
func (s *Store) ModerationStore() *ModerationStore {
	return &ModerationStore{db: s.db, pageSize: defaultPageSize}
}
