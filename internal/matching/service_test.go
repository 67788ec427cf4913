package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/gateway/gatewaytest"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/session/sessiontest"
	"github.com/whisper/pairing/internal/store"
	"github.com/whisper/pairing/internal/store/filestore"
)

type harness struct {
	svc   *Service
	store *filestore.Store
	rec   *gatewaytest.Recorder
	sched *sessiontest.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := sessiontest.NewScheduler(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	opts := filestore.DefaultOptions()
	opts.Dir = t.TempDir()
	opts.Now = sched.Now
	st, err := filestore.Open(opts)
	require.NoError(t, err)

	reg := session.NewRegistry(session.Options{Timeout: 30 * time.Minute, Scheduler: sched, Now: sched.Now})
	rec := &gatewaytest.Recorder{}
	svc := NewService(st, reg, rec, Options{MaxWait: 5 * time.Minute, Now: sched.Now})
	return &harness{svc: svc, store: st, rec: rec, sched: sched}
}

func (h *harness) join(t *testing.T, id string) JoinResult {
	t.Helper()
	res, err := h.svc.Join(context.Background(), store.Profile{ID: id, Name: "name-" + id})
	require.NoError(t, err)
	return res
}

func TestJoin_QueuesThenMatches(t *testing.T) {
	h := newHarness(t)

	first := h.join(t, "a")
	assert.False(t, first.Matched)
	assert.Equal(t, 1, first.Position)

	second := h.join(t, "b")
	require.True(t, second.Matched)
	assert.Equal(t, "a", second.PartnerID)

	require.Equal(t, []gateway.Kind{gateway.KindMatched}, h.rec.Kinds("a"))
	require.Equal(t, []gateway.Kind{gateway.KindMatched}, h.rec.Kinds("b"))
	ev := h.rec.For("a")[0]
	require.NotNil(t, ev.Payload.Partner)
	assert.Equal(t, "b", ev.Payload.Partner.ID)
	assert.Equal(t, "name-b", ev.Payload.Partner.Name)
	assert.Equal(t, second.Session.ID, ev.Payload.SessionID)

	p, err := h.store.GetParticipant(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "name-a", p.Name, "join persists the participant")
}

func TestJoin_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "a")
	_, err := h.svc.Join(ctx, store.Profile{ID: "a"})
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	h.join(t, "b")
	_, err = h.svc.Join(ctx, store.Profile{ID: "a"})
	assert.ErrorIs(t, err, ErrAlreadyPaired)

	require.NoError(t, h.store.Block(ctx, "x"))
	_, err = h.svc.Join(ctx, store.Profile{ID: "x"})
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, StateIdle, h.svc.Status("x").State)

	_, err = h.svc.Join(ctx, store.Profile{})
	assert.ErrorIs(t, err, store.ErrInvalidID)
}

func TestLeave_FromQueueAndSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "a")
	res, err := h.svc.Leave(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.LeftQueue)
	assert.Equal(t, StateIdle, h.svc.Status("a").State)

	h.join(t, "a")
	h.join(t, "b")
	h.rec.Reset()

	res, err = h.svc.Leave(ctx, "b")
	require.NoError(t, err)
	assert.NotEmpty(t, res.EndedSession)
	assert.Equal(t, []gateway.Kind{gateway.KindPartnerLeft}, h.rec.Kinds("a"))
	assert.Equal(t, string(session.ReasonUserStopped), h.rec.For("a")[0].Payload.Reason)
	assert.Empty(t, h.rec.For("b"))

	// Leaving again changes nothing and notifies nobody.
	res, err = h.svc.Leave(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, LeaveResult{}, res)
	assert.Len(t, h.rec.Events(), 1)
}

func TestSessionTimeout_NotifiesBothOnce(t *testing.T) {
	h := newHarness(t)

	h.join(t, "a")
	h.join(t, "b")
	h.rec.Reset()

	h.sched.Advance(30 * time.Minute)
	assert.Equal(t, 1, h.rec.Count("a", gateway.KindSessionTimeout))
	assert.Equal(t, 1, h.rec.Count("b", gateway.KindSessionTimeout))
	assert.Equal(t, StateIdle, h.svc.Status("a").State)

	h.sched.Advance(time.Hour)
	_, err := h.svc.Leave(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, h.rec.Events(), 2)
}

func TestTouch_ExtendsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.Touch(ctx, "a"), ErrSessionNotActive)

	h.join(t, "a")
	h.join(t, "b")
	h.sched.Advance(25 * time.Minute)
	require.NoError(t, h.svc.Touch(ctx, "b"))

	p, err := h.store.GetParticipant(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, h.sched.Now(), p.LastActive)

	h.sched.Advance(25 * time.Minute)
	assert.Equal(t, StatePaired, h.svc.Status("a").State)
}

func TestEvict_EndsSessionAndDequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "a")
	h.join(t, "b")
	h.join(t, "c")
	h.rec.Reset()

	res := h.svc.Evict(ctx, "a", session.ReasonPartnerBlocked, gateway.KindPartnerBlocked)
	assert.Equal(t, "b", res.PartnerID)
	assert.False(t, res.Dequeued)
	assert.Equal(t, []gateway.Kind{gateway.KindPartnerBlocked}, h.rec.Kinds("b"))
	assert.Equal(t, string(session.ReasonPartnerBlocked), h.rec.For("b")[0].Payload.Reason)

	res = h.svc.Evict(ctx, "c", session.ReasonPartnerBlocked, gateway.KindPartnerBlocked)
	assert.True(t, res.Dequeued)
	assert.Empty(t, res.EndedSession)
}

func TestForceEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ForceEnd(ctx, "a", session.ReasonAdminForce)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	h.join(t, "a")
	h.join(t, "b")
	h.rec.Reset()

	ended, err := h.svc.ForceEnd(ctx, "a", session.ReasonAdminForce)
	require.NoError(t, err)
	assert.Equal(t, "b", ended.Partner)
	assert.Equal(t, 1, h.rec.Count("a", gateway.KindSessionEnded))
	assert.Equal(t, 1, h.rec.Count("b", gateway.KindSessionEnded))
}

func TestSweep_RemovesLongWaiters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.join(t, "a")
	h.sched.Advance(4 * time.Minute)
	h.svc.Sweep(ctx)
	assert.Equal(t, StateQueued, h.svc.Status("a").State)

	h.sched.Advance(2 * time.Minute)
	h.svc.Sweep(ctx)
	assert.Equal(t, StateIdle, h.svc.Status("a").State)
	require.Equal(t, []gateway.Kind{gateway.KindQueueTimeout}, h.rec.Kinds("a"))
	assert.Equal(t, 6*time.Minute, h.rec.For("a")[0].Payload.Waited)
}

func TestStatusAndSnapshot(t *testing.T) {
	h := newHarness(t)

	h.join(t, "a")
	h.join(t, "b")
	h.join(t, "c")
	h.sched.Advance(time.Minute)

	st := h.svc.Status("c")
	assert.Equal(t, StateQueued, st.State)
	assert.Equal(t, 1, st.Position)
	assert.Equal(t, time.Minute, st.Waiting)

	st = h.svc.Status("a")
	assert.Equal(t, StatePaired, st.State)
	assert.Equal(t, "b", st.PartnerID)

	snap := h.svc.Snapshot()
	assert.Len(t, snap.Queue, 1)
	assert.Len(t, snap.Sessions, 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.svc.sweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
