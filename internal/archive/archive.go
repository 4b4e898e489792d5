// Package archive writes and restores audit log archives: zstd-compressed
// streams of JSON lines, one audit entry per line, in sequence order.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"modengine/internal/moderation"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ErrStoreNotEmpty is returned when importing into a store that already has entries
var ErrStoreNotEmpty = errors.New("archive: target store is not empty")

// importBatch is the number of entries written per store transaction
const importBatch = 256

// Export writes every entry with Sequence >= from to w and returns the number written.
func Export(ctx context.Context, auditLog moderation.AuditLog, w io.Writer, from uint64) (uint64, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, fmt.Errorf("archive: creating encoder: %w", err)
	}

	var n uint64
	jsonEnc := json.NewEncoder(enc)
	for entry, err := range auditLog.ReadFrom(ctx, from) {
		if err != nil {
			enc.Close()
			return n, err
		}
		if err := jsonEnc.Encode(entry); err != nil {
			enc.Close()
			return n, fmt.Errorf("archive: writing entry %d: %w", entry.Sequence, err)
		}
		n++
	}

	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("archive: flushing: %w", err)
	}

	log.Info().Uint64("entries", n).Uint64("from", from).Msg("archive: export complete")
	return n, nil
}

// Import restores an archive into an empty store. Entries are appended and
// projected together, so after a successful import the store matches the
// exporting store's log and projections. The archive must start at sequence 1
// and be gapless.
func Import(ctx context.Context, store moderation.Store, r io.Reader) (uint64, error) {
	last, err := store.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	if last != 0 {
		return 0, fmt.Errorf("%w (last sequence %d)", ErrStoreNotEmpty, last)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("archive: creating decoder: %w", err)
	}
	defer dec.Close()

	var n uint64
	batch := make([]moderation.AuditEntry, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := store.Update(ctx, func(tx moderation.Tx) error {
			for _, entry := range batch {
				seq, err := tx.Append(entry)
				if err != nil {
					return err
				}
				if seq != entry.Sequence {
					return fmt.Errorf("archive: entry %d was assigned sequence %d", entry.Sequence, seq)
				}
				if err := moderation.ProjectEntry(tx, entry); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		n += uint64(len(batch))
		batch = batch[:0]
		return nil
	}

	jsonDec := json.NewDecoder(dec)
	for {
		var entry moderation.AuditEntry
		if err := jsonDec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, fmt.Errorf("archive: reading entry after %d: %w", n+uint64(len(batch)), err)
		}
		if err := entry.Validate(); err != nil {
			return n, err
		}
		batch = append(batch, entry)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := flush(); err != nil {
		return n, err
	}

	log.Info().Uint64("entries", n).Msg("archive: import complete")
	return n, nil
}
