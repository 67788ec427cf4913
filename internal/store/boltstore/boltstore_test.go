package boltstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/whisper/pairing/internal/store"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T, mutate ...func(*Options)) (*Store, *time.Time) {
	t.Helper()
	now := base
	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "test.db")
	opts.Now = func() time.Time { return now }
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func TestOpen_CreatesBuckets(t *testing.T) {
	s, _ := setupTestStore(t)

	err := s.DB().View(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{BucketParticipants, BucketBlocked, BucketReports, BucketQuarantine} {
			assert.NotNil(t, tx.Bucket(b), "bucket %s", b)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_RecoversGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	opts := DefaultOptions()
	opts.Path = path
	opts.Timeout = time.Second
	s, err := Open(opts)
	require.NoError(t, err)
	defer s.Close()

	backups, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	_, err = s.UpsertParticipant(context.Background(), store.Profile{ID: "u1", Name: "Ana"})
	assert.NoError(t, err)
}

func TestParticipantLifecycle(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetParticipant(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := s.UpsertParticipant(ctx, store.Profile{ID: "u1", Name: "Ana", Locale: "en"})
	require.NoError(t, err)
	assert.Equal(t, base, p.JoinedAt)

	*now = base.Add(time.Hour)
	name := "Ana B"
	p, err = s.UpdateParticipant(ctx, "u1", store.ParticipantUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ana B", p.Name)
	assert.Equal(t, "en", p.Locale)
	assert.Equal(t, base.Add(time.Hour), p.LastActive)

	_, err = s.UpdateParticipant(ctx, "ghost", store.ParticipantUpdate{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCorruptRecord_Quarantined(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketParticipants).Put([]byte("u1"), []byte("{oops"))
	}))

	_, err := s.GetParticipant(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var quarantined int
	require.NoError(t, s.DB().View(func(tx *bolt.Tx) error {
		quarantined = tx.Bucket(BucketQuarantine).Stats().KeyN
		assert.Nil(t, tx.Bucket(BucketParticipants).Get([]byte("u1")))
		return nil
	}))
	assert.Equal(t, 1, quarantined)

	_, err = s.UpsertParticipant(ctx, store.Profile{ID: "u1", Name: "Ana"})
	assert.NoError(t, err)
}

func TestBlockSet(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "b"))
	require.NoError(t, s.Block(ctx, "a"))
	require.NoError(t, s.Block(ctx, "a"))

	ids, err := s.BlockedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, s.Unblock(ctx, "a"))
	blocked, err := s.IsBlocked(ctx, "a")
	require.NoError(t, err)
	assert.False(t, blocked)

	assert.ErrorIs(t, s.Block(ctx, ""), store.ErrInvalidID)
}

func TestAddReport_SingleTransaction(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	counts := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.AddReport(ctx, store.NewReport{
				Reporter: store.PartyRef{ID: "a"},
				Reported: store.PartyRef{ID: "b", Name: "B"},
			})
			assert.NoError(t, err)
			counts <- c
		}()
	}
	wg.Wait()
	close(counts)

	seen := map[int]bool{}
	for c := range counts {
		assert.False(t, seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)

	p, err := s.GetParticipant(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, n, p.ReportCount)
}

func TestReports_ResolveListSweep(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	first, _, err := s.AddReport(ctx, store.NewReport{Reporter: store.PartyRef{ID: "a"}, Reported: store.PartyRef{ID: "b"}})
	require.NoError(t, err)
	*now = base.Add(200 * 24 * time.Hour)
	second, _, err := s.AddReport(ctx, store.NewReport{Reporter: store.PartyRef{ID: "c"}, Reported: store.PartyRef{ID: "b"}})
	require.NoError(t, err)

	resolved, err := s.ResolveReport(ctx, second.ID, store.ReportBlocked, "mod")
	require.NoError(t, err)
	assert.Equal(t, "mod", resolved.ActionBy)

	list, err := s.ListReports(ctx, store.ReportFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Reports)
	assert.Equal(t, 1, st.PendingReports)

	removed, err := s.SweepReports(ctx, now.AddDate(0, -6, 0))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, first.ID, removed[0].ID)

	_, err = s.GetReport(ctx, first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepParticipants(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertParticipant(ctx, store.Profile{ID: "idle"})
	require.NoError(t, err)
	_, _, err = s.AddReport(ctx, store.NewReport{Reporter: store.PartyRef{ID: "idle"}, Reported: store.PartyRef{ID: "flagged"}})
	require.NoError(t, err)

	*now = base.Add(31 * 24 * time.Hour)
	removed, err := s.SweepParticipants(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetParticipant(ctx, "flagged")
	assert.NoError(t, err)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Path = path

	s, err := Open(opts)
	require.NoError(t, err)
	_, err = s.UpsertParticipant(ctx, store.Profile{ID: "u1", Name: "Ana"})
	require.NoError(t, err)
	require.NoError(t, s.Block(ctx, "u1"))
	require.NoError(t, s.Close())

	s, err = Open(opts)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetParticipant(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Blocked)
}

func bucketSize(t *testing.T, s *Store, bucket []byte) (bytes, keys int) {
	t.Helper()
	require.NoError(t, s.DB().View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		bytes, keys = bucketBytes(b), b.Stats().KeyN
		return nil
	}))
	return bytes, keys
}

func TestOversize_CompactsParticipantsToMostRecent(t *testing.T) {
	s, now := setupTestStore(t, func(o *Options) {
		o.MaxBytes = 8192
		o.CompactParticipants = 3
	})
	ctx := context.Background()

	compactions := 0
	prev := 0
	for i := 0; i < 200; i++ {
		*now = now.Add(time.Second)
		id := fmt.Sprintf("u%03d", i)
		_, err := s.UpsertParticipant(ctx, store.Profile{ID: id, Name: "Participant " + id, Locale: "en"})
		require.NoError(t, err)

		size, n := bucketSize(t, s, BucketParticipants)
		assert.LessOrEqual(t, size, 8192, "after upsert %d", i)
		if n < prev {
			compactions++
			assert.Equal(t, 3, n, "compaction keeps exactly the configured count")
		}
		prev = n

		_, err = s.GetParticipant(ctx, id)
		require.NoError(t, err, "most recent participant survives compaction")
	}
	assert.Positive(t, compactions)

	_, err := s.GetParticipant(ctx, "u000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOversize_CompactsReportsToNewest(t *testing.T) {
	s, now := setupTestStore(t, func(o *Options) {
		o.MaxBytes = 8192
		o.CompactReports = 2
	})
	ctx := context.Background()

	compactions := 0
	prev := 0
	var last store.Report
	for i := 0; i < 200; i++ {
		*now = now.Add(time.Second)
		r, _, err := s.AddReport(ctx, store.NewReport{
			Reporter: store.PartyRef{ID: "a", Name: "A"},
			Reported: store.PartyRef{ID: "b", Name: "B"},
			Reason:   fmt.Sprintf("report number %d", i),
		})
		require.NoError(t, err)
		last = r

		size, n := bucketSize(t, s, BucketReports)
		assert.LessOrEqual(t, size, 8192, "after report %d", i)
		if n < prev {
			compactions++
			assert.Equal(t, 2, n, "compaction keeps exactly the configured count")
		}
		prev = n
	}
	assert.Positive(t, compactions)

	_, err := s.GetReport(ctx, last.ID)
	assert.NoError(t, err, "newest report survives compaction")

	p, err := s.GetParticipant(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 200, p.ReportCount, "counts are not lost when reports are compacted")
}

func TestOversize_AfterCompactionKeepsPriorState(t *testing.T) {
	s, now := setupTestStore(t, func(o *Options) {
		o.MaxBytes = 500
		o.CompactParticipants = 1
	})
	ctx := context.Background()

	_, err := s.UpsertParticipant(ctx, store.Profile{ID: "u1", Name: "Ana"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)

	_, err = s.UpsertParticipant(ctx, store.Profile{ID: "huge", Name: strings.Repeat("y", 1000)})
	assert.ErrorIs(t, err, store.ErrOversize)

	_, err = s.GetParticipant(ctx, "u1")
	assert.NoError(t, err, "rolled back transaction leaves the previous contents")
	_, err = s.GetParticipant(ctx, "huge")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
