// Package matching implements the pairing engine: a strict FIFO waiting
// queue and the Service that turns queue heads into sessions, enforces the
// maximum queue wait and notifies participants.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/session"
)

var (
	ErrAlreadyQueued    = errors.New("matching: participant already queued")
	ErrAlreadyPaired    = session.ErrAlreadyPaired
	ErrBlocked          = errors.New("matching: participant is blocked")
	ErrSessionNotActive = errors.New("matching: no active session")
)

// QueueEntry is a participant waiting for a partner.
type QueueEntry struct {
	ParticipantID string    `json:"participantId"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// Pairer creates sessions. *session.Registry satisfies it.
type Pairer interface {
	IsActive(id string) bool
	Create(a, b string) (session.Session, error)
}

// BlockChecker reports block set membership. store.Store satisfies it.
type BlockChecker interface {
	IsBlocked(ctx context.Context, id string) (bool, error)
}

// Match is a pair popped from the queue together with its new session.
type Match struct {
	Session session.Session
	A, B    QueueEntry
}

// Queue is the FIFO waiting list. Entries are kept in arrival order and
// paired strictly from the head.
type Queue struct {
	mu      sync.Mutex
	entries []QueueEntry
	queued  map[string]struct{}

	pairs  Pairer
	blocks BlockChecker
	now    func() time.Time
	logger *zap.Logger
}

// NewQueue creates an empty queue.
func NewQueue(pairs Pairer, blocks BlockChecker, now func() time.Time, logger *zap.Logger) *Queue {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		queued: make(map[string]struct{}),
		pairs:  pairs,
		blocks: blocks,
		now:    now,
		logger: logger.Named("queue"),
	}
}

// Enqueue appends id to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	blocked, err := q.blocks.IsBlocked(ctx, id)
	if err != nil {
		return fmt.Errorf("matching: check block for %s: %w", id, err)
	}
	if blocked {
		return ErrBlocked
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[id]; ok {
		return ErrAlreadyQueued
	}
	if q.pairs.IsActive(id) {
		return ErrAlreadyPaired
	}
	q.entries = append(q.entries, QueueEntry{ParticipantID: id, JoinedAt: q.now()})
	q.queued[id] = struct{}{}
	metrics.QueueSize.Set(float64(len(q.entries)))
	return nil
}

// Dequeue removes id. It reports whether an entry was removed; removing an
// absent id is not an error.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) bool {
	if _, ok := q.queued[id]; !ok {
		return false
	}
	for i, e := range q.entries {
		if e.ParticipantID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	delete(q.queued, id)
	metrics.QueueSize.Set(float64(len(q.entries)))
	return true
}

// Position returns id's 1-based position, or 0 if it is not waiting.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; !ok {
		return 0
	}
	for i, e := range q.entries {
		if e.ParticipantID == id {
			return i + 1
		}
	}
	return 0
}

// Entry returns id's queue entry.
func (q *Queue) Entry(id string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ParticipantID == id {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// Len returns the number of waiting participants.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Waiting returns a copy of the queue in arrival order.
func (q *Queue) Waiting() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

// TryMatch pops the two oldest entries and creates a session for them. It
// returns false when fewer than two participants are waiting. Heads that
// were blocked after they joined are dropped instead of paired.
func (q *Queue) TryMatch(ctx context.Context) (Match, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) >= 2 {
		a, b := q.entries[0], q.entries[1]

		dropped := false
		for _, e := range [2]QueueEntry{a, b} {
			blocked, err := q.blocks.IsBlocked(ctx, e.ParticipantID)
			if err != nil {
				return Match{}, false, fmt.Errorf("matching: check block for %s: %w", e.ParticipantID, err)
			}
			if blocked {
				q.removeLocked(e.ParticipantID)
				q.logger.Warn("dropped blocked participant from queue head",
					zap.String("participant_id", e.ParticipantID))
				dropped = true
			}
		}
		if dropped {
			continue
		}

		sess, err := q.pairs.Create(a.ParticipantID, b.ParticipantID)
		if errors.Is(err, session.ErrAlreadyPaired) {
			// A queued participant must never be in a session; drop
			// whichever side is and try the next pair.
			for _, e := range [2]QueueEntry{a, b} {
				if q.pairs.IsActive(e.ParticipantID) {
					q.removeLocked(e.ParticipantID)
					q.logger.Error("queued participant already in a session",
						zap.String("participant_id", e.ParticipantID))
				}
			}
			continue
		}
		if err != nil {
			return Match{}, false, fmt.Errorf("matching: create session: %w", err)
		}

		q.entries = q.entries[2:]
		delete(q.queued, a.ParticipantID)
		delete(q.queued, b.ParticipantID)
		metrics.QueueSize.Set(float64(len(q.entries)))
		metrics.MatchesTotal.Inc()

		now := q.now()
		metrics.MatchWait.Observe(now.Sub(a.JoinedAt).Seconds())
		metrics.MatchWait.Observe(now.Sub(b.JoinedAt).Seconds())

		return Match{Session: sess, A: a, B: b}, true, nil
	}
	return Match{}, false, nil
}

// Expired removes and returns every entry that joined before cutoff.
func (q *Queue) Expired(cutoff time.Time) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []QueueEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.JoinedAt.Before(cutoff) {
			expired = append(expired, e)
			delete(q.queued, e.ParticipantID)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	metrics.QueueSize.Set(float64(len(q.entries)))
	return expired
}
