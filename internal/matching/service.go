package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/store"
)

const (
	DefaultMaxWait       = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Options configures a Service.
type Options struct {
	// MaxWait is how long a participant may wait in the queue before being
	// removed with a queue-timeout notification. Zero disables the limit.
	MaxWait       time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// Service is the pairing engine. It owns the queue and drives the session
// registry, persisting participant activity through the store and telling
// participants what happened through the notifier.
//
// Compound changes run under the engine mutex. Lock order is engine, then
// queue, then registry.
type Service struct {
	mu sync.Mutex

	queue    *Queue
	sessions *session.Registry
	store    store.Store
	notifier gateway.Notifier

	maxWait       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewService wires the engine and registers itself as the registry's expiry
// callback.
func NewService(st store.Store, reg *session.Registry, n gateway.Notifier, opts Options) *Service {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if n == nil {
		n = gateway.Discard
	}
	logger := opts.Logger.Named("matcher")

	s := &Service{
		queue:         NewQueue(reg, st, opts.Now, logger),
		sessions:      reg,
		store:         st,
		notifier:      n,
		maxWait:       opts.MaxWait,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        logger,
	}
	reg.SetOnExpire(s.sessionExpired)
	return s
}

// Queue exposes the underlying queue.
func (s *Service) Queue() *Queue { return s.queue }

// Sessions exposes the underlying registry.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// JoinResult describes where a participant ended up after joining.
type JoinResult struct {
	Matched   bool             `json:"matched"`
	Position  int              `json:"position,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	PartnerID string           `json:"partnerId,omitempty"`
}

// Join records the participant's profile, queues them and attempts a match.
func (s *Service) Join(ctx context.Context, p store.Profile) (JoinResult, error) {
	var out outbox

	s.mu.Lock()
	res, err := s.join(ctx, p, &out)
	s.mu.Unlock()

	out.flush(ctx, s.notifier, s.logger)
	return res, err
}

func (s *Service) join(ctx context.Context, p store.Profile, out *outbox) (JoinResult, error) {
	participant, err := s.store.UpsertParticipant(ctx, p)
	if err != nil {
		return JoinResult{}, err
	}
	if participant.Blocked {
		return JoinResult{}, ErrBlocked
	}
	if err := s.queue.Enqueue(ctx, p.ID); err != nil {
		return JoinResult{}, err
	}

	matched, err := s.matchLocked(ctx, out)
	if err != nil {
		// The participant stays queued; the next sweep retries the match.
		s.logger.Error("match attempt failed", zap.String("participant_id", p.ID), zap.Error(err))
	}
	for _, m := range matched {
		if partner := m.Session.Partner(p.ID); partner != "" {
			sess := m.Session
			return JoinResult{Matched: true, Session: &sess, PartnerID: partner}, nil
		}
	}
	return JoinResult{Position: s.queue.Position(p.ID)}, nil
}

// matchLocked pairs queue heads until fewer than two remain. Callers must
// hold s.mu.
func (s *Service) matchLocked(ctx context.Context, out *outbox) ([]Match, error) {
	var matched []Match
	for {
		m, ok, err := s.queue.TryMatch(ctx)
		if err != nil {
			return matched, err
		}
		if !ok {
			return matched, nil
		}
		matched = append(matched, m)

		a, b := s.ref(ctx, m.A.ParticipantID), s.ref(ctx, m.B.ParticipantID)
		now := s.now()
		out.add(a.ID, gateway.KindMatched, gateway.Payload{SessionID: m.Session.ID, Partner: &b, At: now})
		out.add(b.ID, gateway.KindMatched, gateway.Payload{SessionID: m.Session.ID, Partner: &a, At: now})

		s.logger.Info("participants paired",
			zap.String("session_id", m.Session.ID),
			zap.String("a", a.ID),
			zap.String("b", b.ID),
		)
	}
}

// LeaveResult reports what Leave did.
type LeaveResult struct {
	LeftQueue    bool   `json:"leftQueue,omitempty"`
	EndedSession string `json:"endedSession,omitempty"`
}

// Leave removes id from the queue or ends their session with
// user_stopped. Leaving twice is harmless and notifies nobody the second
// time.
func (s *Service) Leave(ctx context.Context, id string) (LeaveResult, error) {
	var out outbox

	s.mu.Lock()
	var res LeaveResult
	if s.queue.Dequeue(id) {
		res.LeftQueue = true
	} else if ended, ok := s.sessions.End(id, session.ReasonUserStopped); ok {
		res.EndedSession = ended.Session.ID
		by := s.ref(ctx, id)
		out.add(ended.Partner, gateway.KindPartnerLeft, gateway.Payload{
			SessionID: ended.Session.ID,
			Partner:   &by,
			Reason:    string(ended.Reason),
			At:        ended.EndedAt,
		})
	}
	s.mu.Unlock()

	if res.LeftQueue || res.EndedSession != "" {
		s.recordActivity(ctx, id)
	}
	out.flush(ctx, s.notifier, s.logger)
	return res, nil
}

// Touch records activity in id's session and restarts its inactivity
// timer.
func (s *Service) Touch(ctx context.Context, id string) error {
	if !s.sessions.Touch(id) {
		return ErrSessionNotActive
	}
	s.recordActivity(ctx, id)
	return nil
}

func (s *Service) recordActivity(ctx context.Context, id string) {
	if _, err := s.store.UpdateParticipant(ctx, id, store.ParticipantUpdate{}); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to record activity", zap.String("participant_id", id), zap.Error(err))
	}
}

// State names where a participant stands.
type State string

const (
	StateIdle   State = "idle"
	StateQueued State = "queued"
	StatePaired State = "paired"
)

// Status is a participant's current standing.
type Status struct {
	State     State            `json:"state"`
	Position  int              `json:"position,omitempty"`
	Waiting   time.Duration    `json:"waitingNs,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	PartnerID string           `json:"partnerId,omitempty"`
}

// Status reports whether id is idle, queued or paired.
func (s *Service) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.queue.Entry(id); ok {
		return Status{
			State:    StateQueued,
			Position: s.queue.Position(id),
			Waiting:  s.now().Sub(e.JoinedAt),
		}
	}
	if sess, ok := s.sessions.Get(id); ok {
		return Status{State: StatePaired, Session: &sess, PartnerID: sess.Partner(id)}
	}
	return Status{State: StateIdle}
}

// EvictResult reports which in-memory state Evict cleared.
type EvictResult struct {
	EndedSession string `json:"endedSession,omitempty"`
	PartnerID    string `json:"partnerId,omitempty"`
	Dequeued     bool   `json:"dequeued,omitempty"`
}

// Evict ends id's session, telling the partner with partnerKind, and then
// removes id from the queue. It is the in-memory half of blocking a
// participant.
func (s *Service) Evict(ctx context.Context, id string, reason session.Reason, partnerKind gateway.Kind) EvictResult {
	var out outbox

	s.mu.Lock()
	var res EvictResult
	if ended, ok := s.sessions.End(id, reason); ok {
		res.EndedSession = ended.Session.ID
		res.PartnerID = ended.Partner
		out.add(ended.Partner, partnerKind, gateway.Payload{
			SessionID: ended.Session.ID,
			Reason:    string(reason),
			At:        ended.EndedAt,
		})
	}
	res.Dequeued = s.queue.Dequeue(id)
	s.mu.Unlock()

	out.flush(ctx, s.notifier, s.logger)
	return res
}

// ForceEnd ends id's session with reason and notifies both sides with
// session-ended.
func (s *Service) ForceEnd(ctx context.Context, id string, reason session.Reason) (session.Ended, error) {
	s.mu.Lock()
	ended, ok := s.sessions.End(id, reason)
	s.mu.Unlock()
	if !ok {
		return session.Ended{}, ErrSessionNotActive
	}

	var out outbox
	for _, side := range []string{ended.By, ended.Partner} {
		out.add(side, gateway.KindSessionEnded, gateway.Payload{
			SessionID: ended.Session.ID,
			Reason:    string(reason),
			At:        ended.EndedAt,
		})
	}
	out.flush(ctx, s.notifier, s.logger)
	return ended, nil
}

// Snapshot is a consistent view of the engine's in-memory state.
type Snapshot struct {
	Queue    []QueueEntry      `json:"queue"`
	Sessions []session.Session `json:"sessions"`
}

// Snapshot returns the queue and active sessions as of one instant.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Queue: s.queue.Waiting(), Sessions: s.sessions.Sessions()}
}

// sessionExpired notifies both sides of a session the registry timed out.
func (s *Service) sessionExpired(ended session.Ended) {
	ctx := context.Background()
	var out outbox
	for _, side := range []string{ended.Session.A, ended.Session.B} {
		out.add(side, gateway.KindSessionTimeout, gateway.Payload{
			SessionID: ended.Session.ID,
			Reason:    string(ended.Reason),
			At:        ended.EndedAt,
		})
	}
	out.flush(ctx, s.notifier, s.logger)
}

// Partner returns id's current partner.
func (s *Service) Partner(id string) (string, bool) {
	return s.sessions.Partner(id)
}
