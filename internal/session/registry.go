package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/metrics"
)

// ExpiryFunc is called once for every session that ends by timeout. It runs
// outside the registry lock.
type ExpiryFunc func(Ended)

// Options configures a Registry.
type Options struct {
	Timeout   time.Duration
	Scheduler Scheduler
	Now       func() time.Time
	OnExpire  ExpiryFunc
	Logger    *zap.Logger
}

type entry struct {
	sess  Session
	timer Timer
	gen   uint64
}

// Registry holds active sessions. Both directions of a pairing are written
// and cleared inside one critical section, so Partner(Partner(x)) == x for
// every active x.
type Registry struct {
	mu       sync.Mutex
	partners map[string]string
	members  map[string]*entry // participant id -> session
	sessions map[string]*entry // session id -> session
	gen      uint64

	timeout  time.Duration
	sched    Scheduler
	now      func() time.Time
	onExpire ExpiryFunc
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		partners: make(map[string]string),
		members:  make(map[string]*entry),
		sessions: make(map[string]*entry),
		timeout:  opts.Timeout,
		sched:    opts.Scheduler,
		now:      opts.Now,
		onExpire: opts.OnExpire,
		logger:   opts.Logger.Named("session"),
	}
}

// SetOnExpire replaces the expiry callback. It is meant for wiring at
// startup, before any session exists.
func (r *Registry) SetOnExpire(fn ExpiryFunc) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Create pairs a and b and arms the inactivity timer.
func (r *Registry) Create(a, b string) (Session, error) {
	if a == b {
		return Session{}, ErrSelfPair
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partners[a]; ok {
		return Session{}, ErrAlreadyPaired
	}
	if _, ok := r.partners[b]; ok {
		return Session{}, ErrAlreadyPaired
	}

	now := r.now()
	e := &entry{sess: Session{
		ID:           uuid.NewString(),
		A:            a,
		B:            b,
		StartedAt:    now,
		LastActivity: now,
	}}
	r.partners[a] = b
	r.partners[b] = a
	r.members[a] = e
	r.members[b] = e
	r.sessions[e.sess.ID] = e
	r.arm(e)

	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.logger.Debug("session created",
		zap.String("session_id", e.sess.ID),
		zap.String("a", a),
		zap.String("b", b),
	)
	return e.sess, nil
}

// arm (re)starts the inactivity timer under a fresh generation. Callers must
// hold r.mu.
func (r *Registry) arm(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	r.gen++
	e.gen = r.gen
	id, gen := e.sess.ID, e.gen
	e.timer = r.sched.AfterFunc(r.timeout, func() { r.expire(id, gen) })
}

// expire ends a session whose timer fired. A timer from an earlier
// generation, or for a session that already ended, does nothing.
func (r *Registry) expire(sessionID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	ended := r.remove(e, e.sess.A, ReasonTimeout)
	fn := r.onExpire
	r.mu.Unlock()

	r.logger.Info("session timed out",
		zap.String("session_id", sessionID),
		zap.Duration("timeout", r.timeout),
	)
	if fn != nil {
		fn(ended)
	}
}

// remove clears both directions and the timer. Callers must hold r.mu.
func (r *Registry) remove(e *entry, by string, reason Reason) Ended {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.partners, e.sess.A)
	delete(r.partners, e.sess.B)
	delete(r.members, e.sess.A)
	delete(r.members, e.sess.B)
	delete(r.sessions, e.sess.ID)

	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	return Ended{
		Session: e.sess,
		By:      by,
		Partner: e.sess.Partner(by),
		Reason:  reason,
		EndedAt: r.now(),
	}
}

// End terminates id's session. The second result is false when id has no
// active session, so repeated calls are harmless.
func (r *Registry) End(id string, reason Reason) (Ended, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.members[id]
	if !ok {
		return Ended{}, false
	}
	ended := r.remove(e, id, reason)
	r.logger.Debug("session ended",
		zap.String("session_id", e.sess.ID),
		zap.String("by", id),
		zap.String("reason", string(reason)),
	)
	return ended, true
}

// Touch records activity on id's session and restarts its inactivity
// window. It returns false when id is not in a session.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.members[id]
	if !ok {
		return false
	}
	e.sess.LastActivity = r.now()
	r.arm(e)
	return true
}

// IsActive reports whether id is in a session.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.partners[id]
	return ok
}

// Partner returns id's partner.
func (r *Registry) Partner(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partners[id]
	return p, ok
}

// Get returns id's session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[id]
	if !ok {
		return Session{}, false
	}
	return e.sess, true
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a copy of every active session.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.sess)
	}
	return out
}
