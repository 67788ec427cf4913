// Package boltstore implements store.Store on an embedded bbolt database.
// Each collection is a bucket; values are JSON so records stay readable
// and unknown fields are ignored on decode.
//
//	participants  id            -> Participant
//	blocked       id            -> blockEntry
//	reports       uint64 BE id  -> Report
//	quarantine    bucket/key/ms -> raw bytes of records that failed to decode
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/store"
)

// Bucket names for organizing data
var (
	BucketParticipants = []byte(store.CollectionParticipants)
	BucketBlocked      = []byte(store.CollectionBlocked)
	BucketReports      = []byte(store.CollectionReports)
	BucketQuarantine   = []byte("quarantine")
)

// Options configures the bbolt store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// MaxBytes is the per-collection ceiling measured from bucket leaf usage.
	// Zero disables it.
	MaxBytes int

	CompactParticipants int
	CompactReports      int

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Path:                "data/pairing.db",
		Timeout:             5 * time.Second,
		MaxBytes:            store.DefaultMaxBytes,
		CompactParticipants: store.DefaultCompactParticipants,
		CompactReports:      store.DefaultCompactReports,
	}
}

type blockEntry struct {
	ID        string    `json:"id"`
	BlockedAt time.Time `json:"blockedAt"`
}

// Store is the bbolt implementation of store.Store.
type Store struct {
	db     *bolt.DB
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database. A file that bbolt refuses to open as
// a database is moved aside to <path>.backup.<unix-ms> and replaced with a
// fresh one.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "data/pairing.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("boltstore: create database directory: %w", err)
		}
	}

	s := &Store{opts: opts, now: opts.Now, logger: opts.Logger.Named("boltstore")}

	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		if !isCorruptOpen(err) {
			return nil, fmt.Errorf("boltstore: open database: %w", err)
		}
		db, err = s.recoverFile(err)
		if err != nil {
			return nil, err
		}
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{BucketParticipants, BucketBlocked, BucketReports, BucketQuarantine} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return s, nil
}

// isCorruptOpen separates "this file is not a usable database" from lock
// timeouts and permission problems, which must not trigger recovery.
func isCorruptOpen(err error) bool {
	return errors.Is(err, bolt.ErrInvalid) ||
		errors.Is(err, bolt.ErrVersionMismatch) ||
		errors.Is(err, bolt.ErrChecksum)
}

func (s *Store) recoverFile(cause error) (*bolt.DB, error) {
	backup := fmt.Sprintf("%s.backup.%d", s.opts.Path, s.now().UnixMilli())
	if err := os.Rename(s.opts.Path, backup); err != nil {
		return nil, fmt.Errorf("boltstore: back up corrupt database: %w", err)
	}
	s.logger.Warn("corrupt database backed up and reinitialised",
		zap.String("backup", backup),
		zap.Error(errors.Join(store.ErrCorrupt, cause)),
	)
	metrics.StoreRecoveries.WithLabelValues("database").Inc()

	db, err := bolt.Open(s.opts.Path, 0o600, &bolt.Options{Timeout: s.opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: reopen after recovery: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

func reportKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// quarantine moves an undecodable record out of its bucket so later reads
// treat it as absent. Must run inside a write transaction.
func (s *Store) quarantine(tx *bolt.Tx, bucket []byte, key, raw []byte, cause error) error {
	q := tx.Bucket(BucketQuarantine)
	qk := fmt.Sprintf("%s/%x/%d", bucket, key, s.now().UnixMilli())
	if err := q.Put([]byte(qk), append([]byte(nil), raw...)); err != nil {
		return err
	}
	if err := tx.Bucket(bucket).Delete(key); err != nil {
		return err
	}
	s.logger.Warn("corrupt record quarantined",
		zap.ByteString("bucket", bucket),
		zap.String("quarantine_key", qk),
		zap.Error(errors.Join(store.ErrCorrupt, cause)),
	)
	metrics.StoreRecoveries.WithLabelValues(string(bucket)).Inc()
	return nil
}

// decodeParticipant reads one participant inside a write transaction,
// quarantining it if it does not decode.
func (s *Store) decodeParticipant(tx *bolt.Tx, id string) (*store.Participant, error) {
	raw := tx.Bucket(BucketParticipants).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var p store.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, s.quarantine(tx, BucketParticipants, []byte(id), raw, err)
	}
	return &p, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func isBlocked(tx *bolt.Tx, id string) bool {
	return tx.Bucket(BucketBlocked).Get([]byte(id)) != nil
}

// UpsertParticipant creates or refreshes a participant record.
func (s *Store) UpsertParticipant(_ context.Context, p store.Profile) (store.Participant, error) {
	if p.ID == "" {
		return store.Participant{}, store.ErrInvalidID
	}
	var out store.Participant
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := s.decodeParticipant(tx, p.ID)
		if err != nil {
			return err
		}
		out = store.MergeProfile(existing, p, s.now())
		if err := putJSON(tx.Bucket(BucketParticipants), []byte(p.ID), out); err != nil {
			return err
		}
		out.Blocked = isBlocked(tx, p.ID)
		return s.enforceCeiling(tx)
	})
	if err != nil {
		return store.Participant{}, fmt.Errorf("boltstore: upsert participant: %w", err)
	}
	return out, nil
}

// GetParticipant returns the participant or store.ErrNotFound. A record
// that fails to decode is quarantined and reported as not found.
func (s *Store) GetParticipant(_ context.Context, id string) (store.Participant, error) {
	var (
		out     store.Participant
		found   bool
		corrupt bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketParticipants).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			corrupt = true
			return nil
		}
		found = true
		out.Blocked = isBlocked(tx, id)
		return nil
	})
	if err != nil {
		return store.Participant{}, err
	}
	if corrupt {
		if err := s.db.Update(func(tx *bolt.Tx) error {
			_, err := s.decodeParticipant(tx, id)
			return err
		}); err != nil {
			return store.Participant{}, fmt.Errorf("boltstore: quarantine participant: %w", err)
		}
	}
	if !found {
		return store.Participant{}, store.ErrNotFound
	}
	return out, nil
}

// UpdateParticipant merges u into an existing record.
func (s *Store) UpdateParticipant(_ context.Context, id string, u store.ParticipantUpdate) (store.Participant, error) {
	var out store.Participant
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := s.decodeParticipant(tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return store.ErrNotFound
		}
		out = store.ApplyUpdate(*cur, u, s.now())
		if err := putJSON(tx.Bucket(BucketParticipants), []byte(id), out); err != nil {
			return err
		}
		out.Blocked = isBlocked(tx, id)
		return nil
	})
	return out, err
}

// IsBlocked reports whether id is in the block set.
func (s *Store) IsBlocked(_ context.Context, id string) (bool, error) {
	var blocked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blocked = isBlocked(tx, id)
		return nil
	})
	return blocked, err
}

// Block adds id to the block set.
func (s *Store) Block(_ context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidID
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if isBlocked(tx, id) {
			return nil
		}
		return putJSON(tx.Bucket(BucketBlocked), []byte(id), blockEntry{ID: id, BlockedAt: s.now()})
	})
}

// Unblock removes id from the block set.
func (s *Store) Unblock(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketBlocked).Delete([]byte(id))
	})
}

// BlockedIDs lists the block set in key order.
func (s *Store) BlockedIDs(_ context.Context) ([]string, error) {
	ids := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketBlocked).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// AddReport stores the report and increments the reported participant's
// count in a single transaction.
func (s *Store) AddReport(_ context.Context, r store.NewReport) (store.Report, int, error) {
	if r.Reported.ID == "" || r.Reporter.ID == "" {
		return store.Report{}, 0, store.ErrInvalidID
	}
	var (
		report store.Report
		count  int
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		reports := tx.Bucket(BucketReports)

		var last int64
		if k, _ := reports.Cursor().Last(); k != nil {
			last = int64(binary.BigEndian.Uint64(k))
		}
		report = store.Report{
			ID:        store.NextReportID(last, now),
			Reporter:  r.Reporter,
			Reported:  r.Reported,
			Reason:    r.Reason,
			CreatedAt: now,
			Status:    store.ReportPending,
		}
		if err := putJSON(reports, reportKey(report.ID), report); err != nil {
			return err
		}

		existing, err := s.decodeParticipant(tx, r.Reported.ID)
		if err != nil {
			return err
		}
		p := store.ReportedParticipant(existing, r.Reported, now)
		if err := putJSON(tx.Bucket(BucketParticipants), []byte(p.ID), p); err != nil {
			return err
		}
		count = p.ReportCount
		return s.enforceCeiling(tx)
	})
	if err != nil {
		return store.Report{}, 0, fmt.Errorf("boltstore: add report: %w", err)
	}
	return report, count, nil
}

// GetReport returns the report with the given id.
func (s *Store) GetReport(_ context.Context, id int64) (store.Report, error) {
	var (
		out   store.Report
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketReports).Get(reportKey(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return store.Report{}, fmt.Errorf("boltstore: decode report %d: %w", id, err)
	}
	if !found {
		return store.Report{}, store.ErrNotFound
	}
	return out, nil
}

// ResolveReport sets the status and stamps the acting administrator.
func (s *Store) ResolveReport(_ context.Context, id int64, status store.ReportStatus, actor string) (store.Report, error) {
	var out store.Report
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketReports)
		raw := b.Get(reportKey(id))
		if raw == nil {
			return store.ErrNotFound
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return s.quarantine(tx, BucketReports, reportKey(id), raw, err)
		}
		now := s.now()
		out.Status = status
		out.ActionBy = actor
		out.ActionAt = &now
		return putJSON(b, reportKey(id), out)
	})
	return out, err
}

// loadReports decodes every report, skipping undecodable ones. The skipped
// keys are returned so a write transaction can quarantine them.
func loadReports(tx *bolt.Tx) ([]store.Report, [][]byte) {
	var (
		out []store.Report
		bad [][]byte
	)
	c := tx.Bucket(BucketReports).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r store.Report
		if err := json.Unmarshal(v, &r); err != nil {
			bad = append(bad, append([]byte(nil), k...))
			continue
		}
		out = append(out, r)
	}
	return out, bad
}

// ListReports returns matching reports, newest first.
func (s *Store) ListReports(_ context.Context, f store.ReportFilter, limit int) ([]store.Report, error) {
	var out []store.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		all, bad := loadReports(tx)
		if len(bad) > 0 {
			s.logger.Warn("skipping undecodable reports", zap.Int("count", len(bad)))
		}
		out = store.SelectReports(all, f, limit)
		return nil
	})
	return out, err
}

// Stats counts the three collections.
func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Participants = tx.Bucket(BucketParticipants).Stats().KeyN
		st.Blocked = tx.Bucket(BucketBlocked).Stats().KeyN
		reports, _ := loadReports(tx)
		st.Reports = len(reports)
		for _, r := range reports {
			if r.Status == store.ReportPending {
				st.PendingReports++
			}
		}
		return nil
	})
	return st, err
}

// SweepParticipants drops unreported participants inactive since cutoff.
func (s *Store) SweepParticipants(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketParticipants)
		var drop [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var p store.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if !store.Retained(p, cutoff) {
				drop = append(drop, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(drop)
		return nil
	})
	return removed, err
}

// SweepReports drops reports created before cutoff and returns them.
func (s *Store) SweepReports(_ context.Context, cutoff time.Time) ([]store.Report, error) {
	var removed []store.Report
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketReports)
		all, _ := loadReports(tx)
		for _, r := range all {
			if !r.CreatedAt.Before(cutoff) {
				continue
			}
			if err := b.Delete(reportKey(r.ID)); err != nil {
				return err
			}
			removed = append(removed, r)
		}
		return nil
	})
	return removed, err
}

// bucketBytes is the encoded size of every key and value in b. It walks the
// bucket through the transaction, so writes made earlier in tx are counted.
func bucketBytes(b *bolt.Bucket) int {
	var n int
	_ = b.ForEach(func(k, v []byte) error {
		n += len(k) + len(v)
		return nil
	})
	return n
}

// enforceCeiling compacts participants and reports inside tx when either
// bucket exceeds the configured ceiling. A bucket still over the ceiling
// after compaction fails with store.ErrOversize, which rolls tx back.
func (s *Store) enforceCeiling(tx *bolt.Tx) error {
	if s.opts.MaxBytes <= 0 {
		return nil
	}
	if err := s.compactParticipants(tx); err != nil {
		return err
	}
	return s.compactReports(tx)
}

func (s *Store) oversize(collection string, size int) {
	s.logger.Warn("collection exceeds size ceiling, compacting",
		zap.String("collection", collection),
		zap.Int("bytes", size),
		zap.Int("max_bytes", s.opts.MaxBytes),
		zap.Error(store.ErrOversize),
	)
	metrics.StoreCompactions.WithLabelValues(collection).Inc()
}

func (s *Store) compactParticipants(tx *bolt.Tx) error {
	pb := tx.Bucket(BucketParticipants)
	size := bucketBytes(pb)
	if size <= s.opts.MaxBytes {
		return nil
	}
	s.oversize(store.CollectionParticipants, size)

	all := map[string]store.Participant{}
	if err := pb.ForEach(func(k, v []byte) error {
		var p store.Participant
		if json.Unmarshal(v, &p) == nil {
			all[string(k)] = p
		}
		return nil
	}); err != nil {
		return err
	}
	kept := store.CompactParticipants(all, s.opts.CompactParticipants)
	if err := tx.DeleteBucket(BucketParticipants); err != nil {
		return err
	}
	nb, err := tx.CreateBucket(BucketParticipants)
	if err != nil {
		return err
	}
	for id, p := range kept {
		if err := putJSON(nb, []byte(id), p); err != nil {
			return err
		}
	}
	if after := bucketBytes(nb); after > s.opts.MaxBytes {
		return fmt.Errorf("%s (%d bytes after compaction): %w", store.CollectionParticipants, after, store.ErrOversize)
	}
	return nil
}

func (s *Store) compactReports(tx *bolt.Tx) error {
	rb := tx.Bucket(BucketReports)
	size := bucketBytes(rb)
	if size <= s.opts.MaxBytes {
		return nil
	}
	s.oversize(store.CollectionReports, size)

	all, _ := loadReports(tx)
	keep := make(map[int64]bool, s.opts.CompactReports)
	for _, r := range store.CompactReports(all, s.opts.CompactReports) {
		keep[r.ID] = true
	}
	for _, r := range all {
		if keep[r.ID] {
			continue
		}
		if err := rb.Delete(reportKey(r.ID)); err != nil {
			return err
		}
	}
	if after := bucketBytes(rb); after > s.opts.MaxBytes {
		return fmt.Errorf("%s (%d bytes after compaction): %w", store.CollectionReports, after, store.ErrOversize)
	}
	return nil
}
