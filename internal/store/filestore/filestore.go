// Package filestore implements store.Store on top of three JSON files, one
// per collection:
//
//	<dir>/participants.json  object keyed by participant id
//	<dir>/blocked.json       list of blocked ids
//	<dir>/reports.json       list of reports, oldest first
//
// Every write goes to a temporary file that is fsynced and renamed over the
// collection. A collection that fails to parse is copied to
// <file>.backup.<unix-ms> and reset to empty.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/store"
)

// Options configures the file-backed store.
type Options struct {
	// Dir holds the collection files. It is created if missing.
	Dir string

	// MaxBytes is the serialized size ceiling per collection. Zero disables
	// the ceiling.
	MaxBytes int

	// CompactParticipants and CompactReports bound each collection when the
	// ceiling is hit.
	CompactParticipants int
	CompactReports      int

	// WriteRetries is the number of write attempts before giving up.
	WriteRetries int
	RetryDelay   time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultOptions returns the defaults used by the matcher.
func DefaultOptions() Options {
	return Options{
		Dir:                 "data",
		MaxBytes:            store.DefaultMaxBytes,
		CompactParticipants: store.DefaultCompactParticipants,
		CompactReports:      store.DefaultCompactReports,
		WriteRetries:        3,
		RetryDelay:          50 * time.Millisecond,
	}
}

// Store is the JSON file implementation of store.Store.
type Store struct {
	participants *collection[map[string]store.Participant]
	blocked      *collection[[]string]
	reports      *collection[[]store.Report]

	now    func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open prepares the data directory and initialises missing collections.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		opts.Dir = "data"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create data dir: %w", err)
	}

	logger := opts.Logger.Named("filestore")
	s := &Store{now: opts.Now, logger: logger}

	s.participants = &collection[map[string]store.Participant]{
		name:  store.CollectionParticipants,
		path:  filepath.Join(opts.Dir, store.CollectionParticipants+".json"),
		empty: func() map[string]store.Participant { return map[string]store.Participant{} },
		normalize: func(m map[string]store.Participant) map[string]store.Participant {
			if m == nil {
				return map[string]store.Participant{}
			}
			return m
		},
		compact: func(m map[string]store.Participant) map[string]store.Participant {
			return store.CompactParticipants(m, opts.CompactParticipants)
		},
	}
	s.blocked = &collection[[]string]{
		name:      store.CollectionBlocked,
		path:      filepath.Join(opts.Dir, store.CollectionBlocked+".json"),
		empty:     func() []string { return []string{} },
		normalize: func(ids []string) []string { return nonNil(ids) },
		// The block set is never truncated: losing a block is worse than
		// failing the write.
		compact: func(ids []string) []string { return ids },
	}
	s.reports = &collection[[]store.Report]{
		name:      store.CollectionReports,
		path:      filepath.Join(opts.Dir, store.CollectionReports+".json"),
		empty:     func() []store.Report { return []store.Report{} },
		normalize: func(rs []store.Report) []store.Report { return nonNil(rs) },
		compact: func(rs []store.Report) []store.Report {
			return store.CompactReports(rs, opts.CompactReports)
		},
	}

	for _, c := range []interface {
		configure(Options, *zap.Logger)
		ensure() error
	}{s.participants, s.blocked, s.reports} {
		c.configure(opts, logger)
		if err := c.ensure(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (c *collection[T]) configure(opts Options, logger *zap.Logger) {
	c.maxBytes = opts.MaxBytes
	c.retries = opts.WriteRetries
	c.retryDelay = opts.RetryDelay
	c.now = opts.Now
	c.logger = logger
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// UpsertParticipant creates or refreshes a participant record.
func (s *Store) UpsertParticipant(ctx context.Context, p store.Profile) (store.Participant, error) {
	if p.ID == "" {
		return store.Participant{}, store.ErrInvalidID
	}

	var out store.Participant
	err := s.participants.update(func(m map[string]store.Participant) (map[string]store.Participant, bool, error) {
		var existing *store.Participant
		if cur, ok := m[p.ID]; ok {
			existing = &cur
		}
		out = store.MergeProfile(existing, p, s.now())
		m[p.ID] = out
		return m, true, nil
	})
	if err != nil {
		return store.Participant{}, fmt.Errorf("filestore: upsert participant: %w", err)
	}
	return s.withBlocked(ctx, out)
}

// GetParticipant returns the participant or store.ErrNotFound.
func (s *Store) GetParticipant(ctx context.Context, id string) (store.Participant, error) {
	var (
		out   store.Participant
		found bool
	)
	err := s.participants.view(func(m map[string]store.Participant) error {
		out, found = m[id]
		return nil
	})
	if err != nil {
		return store.Participant{}, err
	}
	if !found {
		return store.Participant{}, store.ErrNotFound
	}
	return s.withBlocked(ctx, out)
}

// UpdateParticipant merges u into an existing record.
func (s *Store) UpdateParticipant(ctx context.Context, id string, u store.ParticipantUpdate) (store.Participant, error) {
	var out store.Participant
	err := s.participants.update(func(m map[string]store.Participant) (map[string]store.Participant, bool, error) {
		cur, ok := m[id]
		if !ok {
			return m, false, store.ErrNotFound
		}
		out = store.ApplyUpdate(cur, u, s.now())
		m[id] = out
		return m, true, nil
	})
	if err != nil {
		return store.Participant{}, err
	}
	return s.withBlocked(ctx, out)
}

func (s *Store) withBlocked(ctx context.Context, p store.Participant) (store.Participant, error) {
	blocked, err := s.IsBlocked(ctx, p.ID)
	if err != nil {
		return store.Participant{}, err
	}
	p.Blocked = blocked
	return p, nil
}

// IsBlocked reports whether id is in the block set.
func (s *Store) IsBlocked(_ context.Context, id string) (bool, error) {
	var blocked bool
	err := s.blocked.view(func(ids []string) error {
		blocked = slices.Contains(ids, id)
		return nil
	})
	return blocked, err
}

// Block adds id to the block set. Blocking twice is a no-op.
func (s *Store) Block(_ context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidID
	}
	return s.blocked.update(func(ids []string) ([]string, bool, error) {
		if slices.Contains(ids, id) {
			return ids, false, nil
		}
		return append(ids, id), true, nil
	})
}

// Unblock removes id from the block set.
func (s *Store) Unblock(_ context.Context, id string) error {
	return s.blocked.update(func(ids []string) ([]string, bool, error) {
		i := slices.Index(ids, id)
		if i < 0 {
			return ids, false, nil
		}
		return slices.Delete(ids, i, i+1), true, nil
	})
}

// BlockedIDs returns a copy of the block set.
func (s *Store) BlockedIDs(_ context.Context) ([]string, error) {
	var out []string
	err := s.blocked.view(func(ids []string) error {
		out = slices.Clone(ids)
		return nil
	})
	return nonNil(out), err
}

// AddReport appends a pending report and then bumps the reported
// participant's count. The two collections are separate files, so the
// policy layer serialises report filing. If the count cannot be written the
// appended report is removed again.
func (s *Store) AddReport(ctx context.Context, r store.NewReport) (store.Report, int, error) {
	if r.Reported.ID == "" || r.Reporter.ID == "" {
		return store.Report{}, 0, store.ErrInvalidID
	}

	now := s.now()
	var report store.Report
	err := s.reports.update(func(rs []store.Report) ([]store.Report, bool, error) {
		var last int64
		for _, existing := range rs {
			last = max(last, existing.ID)
		}
		report = store.Report{
			ID:        store.NextReportID(last, now),
			Reporter:  r.Reporter,
			Reported:  r.Reported,
			Reason:    r.Reason,
			CreatedAt: now,
			Status:    store.ReportPending,
		}
		return append(rs, report), true, nil
	})
	if err != nil {
		return store.Report{}, 0, fmt.Errorf("filestore: add report: %w", err)
	}

	var count int
	err = s.participants.update(func(m map[string]store.Participant) (map[string]store.Participant, bool, error) {
		var existing *store.Participant
		if cur, ok := m[r.Reported.ID]; ok {
			existing = &cur
		}
		p := store.ReportedParticipant(existing, r.Reported, now)
		m[p.ID] = p
		count = p.ReportCount
		return m, true, nil
	})
	if err != nil {
		s.dropReport(report.ID)
		return store.Report{}, 0, fmt.Errorf("filestore: increment report count: %w", err)
	}
	return report, count, nil
}

// dropReport removes a report whose count update failed.
func (s *Store) dropReport(id int64) {
	err := s.reports.update(func(rs []store.Report) ([]store.Report, bool, error) {
		i := slices.IndexFunc(rs, func(r store.Report) bool { return r.ID == id })
		if i < 0 {
			return rs, false, nil
		}
		return slices.Delete(rs, i, i+1), true, nil
	})
	if err != nil {
		s.logger.Error("failed to roll back report", zap.Int64("report_id", id), zap.Error(err))
	}
}

// GetReport returns the report with the given id.
func (s *Store) GetReport(_ context.Context, id int64) (store.Report, error) {
	var (
		out   store.Report
		found bool
	)
	err := s.reports.view(func(rs []store.Report) error {
		for _, r := range rs {
			if r.ID == id {
				out, found = r, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return store.Report{}, err
	}
	if !found {
		return store.Report{}, store.ErrNotFound
	}
	return out, nil
}

// ResolveReport sets the status and stamps the acting administrator.
func (s *Store) ResolveReport(_ context.Context, id int64, status store.ReportStatus, actor string) (store.Report, error) {
	var out store.Report
	err := s.reports.update(func(rs []store.Report) ([]store.Report, bool, error) {
		for i := range rs {
			if rs[i].ID != id {
				continue
			}
			now := s.now()
			rs[i].Status = status
			rs[i].ActionBy = actor
			rs[i].ActionAt = &now
			out = rs[i]
			return rs, true, nil
		}
		return rs, false, store.ErrNotFound
	})
	return out, err
}

// ListReports returns matching reports, newest first.
func (s *Store) ListReports(_ context.Context, f store.ReportFilter, limit int) ([]store.Report, error) {
	var out []store.Report
	err := s.reports.view(func(rs []store.Report) error {
		out = store.SelectReports(rs, f, limit)
		return nil
	})
	return out, err
}

// Stats counts the three collections.
func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	var st store.Stats
	if err := s.participants.view(func(m map[string]store.Participant) error {
		st.Participants = len(m)
		return nil
	}); err != nil {
		return st, err
	}
	if err := s.blocked.view(func(ids []string) error {
		st.Blocked = len(ids)
		return nil
	}); err != nil {
		return st, err
	}
	err := s.reports.view(func(rs []store.Report) error {
		st.Reports = len(rs)
		for _, r := range rs {
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
	err := s.participants.update(func(m map[string]store.Participant) (map[string]store.Participant, bool, error) {
		for id, p := range m {
			if !store.Retained(p, cutoff) {
				delete(m, id)
				removed++
			}
		}
		return m, removed > 0, nil
	})
	return removed, err
}

// SweepReports drops reports created before cutoff and returns them.
func (s *Store) SweepReports(_ context.Context, cutoff time.Time) ([]store.Report, error) {
	var removed []store.Report
	err := s.reports.update(func(rs []store.Report) ([]store.Report, bool, error) {
		kept := make([]store.Report, 0, len(rs))
		for _, r := range rs {
			if r.CreatedAt.Before(cutoff) {
				removed = append(removed, r)
				continue
			}
			kept = append(kept, r)
		}
		return kept, len(removed) > 0, nil
	})
	return removed, err
}

// Close is a no-op; every write is already durable.
func (s *Store) Close() error {
	return nil
}
