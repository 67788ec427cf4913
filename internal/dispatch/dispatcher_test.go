package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/gateway/gatewaytest"
	"github.com/whisper/pairing/internal/maintenance"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/session/sessiontest"
	"github.com/whisper/pairing/internal/store"
	"github.com/whisper/pairing/internal/store/filestore"
)

type harness struct {
	d     *Dispatcher
	rec   *gatewaytest.Recorder
	store *filestore.Store
	mr    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := sessiontest.NewScheduler(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	fopts := filestore.DefaultOptions()
	fopts.Dir = t.TempDir()
	fopts.Now = sched.Now
	st, err := filestore.Open(fopts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rec := &gatewaytest.Recorder{}
	reg := session.NewRegistry(session.Options{Scheduler: sched, Now: sched.Now})
	engine := matching.NewService(st, reg, rec, matching.Options{Now: sched.Now})
	policy := moderation.NewPolicy(st, engine, rec, moderation.Options{Now: sched.Now})

	d := New(Options{
		Engine:      engine,
		Policy:      policy,
		Maintenance: maintenance.New(st, maintenance.Options{Now: sched.Now}),
		Limiter:     ratelimit.NewLimiter(rdb, zap.NewNop()),
	})
	return &harness{d: d, rec: rec, store: st, mr: mr}
}

func (h *harness) send(t *testing.T, msg map[string]any) protocol.Result {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	res, err := protocol.ParseResult(h.d.Dispatch(context.Background(), raw))
	require.NoError(t, err)
	return res
}

func (h *harness) admin(t *testing.T, req protocol.AdminRequest) protocol.Result {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	res, err := protocol.ParseResult(h.d.DispatchAdmin(context.Background(), raw))
	require.NoError(t, err)
	return res
}

func TestDispatch_JoinAndMatch(t *testing.T) {
	h := newHarness(t)

	res := h.send(t, map[string]any{"type": "join", "id": "a", "name": "Alice"})
	require.True(t, res.OK, res.Error)
	var jr matching.JoinResult
	require.NoError(t, res.Decode(&jr))
	assert.False(t, jr.Matched)
	assert.Equal(t, 1, jr.Position)

	res = h.send(t, map[string]any{"type": "join", "id": "b", "name": "Bob"})
	require.True(t, res.OK)
	require.NoError(t, res.Decode(&jr))
	assert.True(t, jr.Matched)
	assert.Equal(t, "a", jr.PartnerID)

	res = h.send(t, map[string]any{"type": "join", "id": "a"})
	assert.False(t, res.OK)
	assert.Equal(t, protocol.CodeAlreadyPaired, res.Code)

	res = h.send(t, map[string]any{"type": "status", "id": "b"})
	require.True(t, res.OK)
	var st matching.Status
	require.NoError(t, res.Decode(&st))
	assert.Equal(t, matching.StatePaired, st.State)

	res = h.send(t, map[string]any{"type": "activity", "id": "a"})
	assert.True(t, res.OK)

	res = h.send(t, map[string]any{"type": "leave", "id": "a"})
	require.True(t, res.OK)
	assert.Equal(t, []gateway.Kind{gateway.KindMatched, gateway.KindPartnerLeft}, h.rec.Kinds("b"))

	res = h.send(t, map[string]any{"type": "activity", "id": "a"})
	assert.Equal(t, protocol.CodeSessionNotActive, res.Code)
}

func TestDispatch_ReportFlow(t *testing.T) {
	h := newHarness(t)

	res := h.send(t, map[string]any{"type": "report", "id": "a", "reason": "rude"})
	assert.Equal(t, protocol.CodeSessionNotActive, res.Code)

	h.send(t, map[string]any{"type": "join", "id": "a"})
	h.send(t, map[string]any{"type": "join", "id": "b"})
	res = h.send(t, map[string]any{"type": "report", "id": "a", "reason": "rude"})
	require.True(t, res.OK, res.Error)
	var out moderation.ReportOutcome
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "b", out.Report.Reported.ID)
	assert.Equal(t, 1, out.Count)
}

func TestDispatch_BlockedJoin(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Block(context.Background(), "x"))

	res := h.send(t, map[string]any{"type": "join", "id": "x"})
	assert.False(t, res.OK)
	assert.Equal(t, protocol.CodeBlocked, res.Code)
}

func TestDispatch_RateLimitsJoin(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < ratelimit.RuleJoin.Limit; i++ {
		h.send(t, map[string]any{"type": "leave", "id": "a"})
		res := h.send(t, map[string]any{"type": "join", "id": "a"})
		require.True(t, res.OK, "join %d: %s", i+1, res.Error)
	}
	h.send(t, map[string]any{"type": "leave", "id": "a"})
	res := h.send(t, map[string]any{"type": "join", "id": "a"})
	assert.Equal(t, protocol.CodeRateLimited, res.Code)
	var limit RateLimit
	require.NoError(t, res.Decode(&limit))
	assert.Equal(t, ratelimit.RuleJoin.Name, limit.Rule)
	assert.Positive(t, limit.RetryAfterMs)
	assert.LessOrEqual(t, limit.RetryAfterMs, ratelimit.RuleJoin.Window.Milliseconds())

	h.mr.FastForward(ratelimit.RuleJoin.Window)
	res = h.send(t, map[string]any{"type": "join", "id": "a"})
	assert.True(t, res.OK)
}

func TestDispatch_MalformedAndUnknown(t *testing.T) {
	h := newHarness(t)

	res, err := protocol.ParseResult(h.d.Dispatch(context.Background(), []byte("{not json")))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalid, res.Code)

	res = h.send(t, map[string]any{"type": "join"})
	assert.Equal(t, protocol.CodeInvalid, res.Code)

	res = h.send(t, map[string]any{"type": "dance", "id": "a"})
	assert.Equal(t, protocol.CodeUnsupported, res.Code)

	res = h.send(t, map[string]any{"type": "join", "id": "bob.admin", "name": "Bob"})
	assert.Equal(t, protocol.CodeInvalid, res.Code)
	_, err = h.store.GetParticipant(context.Background(), "bob.admin")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected id is never recorded")
}

func TestDispatch_Ping(t *testing.T) {
	h := newHarness(t)

	out := h.d.Dispatch(context.Background(), []byte(`{"type":"ping"}`))
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestDispatch_RegisterOverrides(t *testing.T) {
	h := newHarness(t)
	h.d.Register(protocol.TypeStatus, func(context.Context, any) (any, error) {
		return nil, errors.New("boom")
	})

	res := h.send(t, map[string]any{"type": "status", "id": "a"})
	assert.Equal(t, protocol.CodeInternal, res.Code)
	assert.Equal(t, "boom", res.Error)
}

func TestDispatchAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, map[string]any{"type": "join", "id": "a"})
	h.send(t, map[string]any{"type": "join", "id": "b"})
	h.send(t, map[string]any{"type": "report", "id": "a", "reason": "rude"})

	res := h.admin(t, protocol.AdminRequest{Type: protocol.TypeListReports, Actor: "mod"})
	require.True(t, res.OK, res.Error)
	var reports []store.Report
	require.NoError(t, res.Decode(&reports))
	require.Len(t, reports, 1)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeResolveReport, Actor: "mod", ReportID: reports[0].ID, Action: "ignore"})
	require.True(t, res.OK, res.Error)
	var resolved store.Report
	require.NoError(t, res.Decode(&resolved))
	assert.Equal(t, store.ReportIgnored, resolved.Status)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeResolveReport, Actor: "mod", ReportID: reports[0].ID, Action: "ban"})
	assert.Equal(t, protocol.CodeInvalid, res.Code)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeWarn, Actor: "mod", ParticipantID: "b"})
	require.True(t, res.OK, res.Error)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeHistory, Actor: "mod", ParticipantID: "b"})
	require.True(t, res.OK, res.Error)
	var hist moderation.History
	require.NoError(t, res.Decode(&hist))
	assert.Equal(t, 1, hist.Participant.WarningCount)
	assert.Len(t, hist.Reports, 1)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeForceEnd, Actor: "mod", ParticipantID: "a"})
	require.True(t, res.OK, res.Error)
	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeForceEnd, Actor: "mod", ParticipantID: "a"})
	assert.Equal(t, protocol.CodeSessionNotActive, res.Code)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeBlock, Actor: "mod", ParticipantID: "b"})
	require.True(t, res.OK, res.Error)
	blocked, err := h.store.IsBlocked(ctx, "b")
	require.NoError(t, err)
	assert.True(t, blocked)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeUnblock, Actor: "mod", ParticipantID: "b"})
	require.True(t, res.OK, res.Error)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeStats, Actor: "mod"})
	require.True(t, res.OK, res.Error)
	var stats moderation.Stats
	require.NoError(t, res.Decode(&stats))
	assert.Equal(t, 1, stats.Reports)
	assert.Zero(t, stats.Blocked)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeRunMaintenance, Actor: "mod"})
	require.True(t, res.OK, res.Error)
	var mres maintenance.Result
	require.NoError(t, res.Decode(&mres))
	assert.Zero(t, mres.ParticipantsRemoved)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeWarn, Actor: "mod", ParticipantID: "ghost"})
	assert.Equal(t, protocol.CodeNotFound, res.Code)

	res = h.admin(t, protocol.AdminRequest{Type: protocol.TypeBlock, ParticipantID: "b"})
	assert.Equal(t, protocol.CodeInvalid, res.Code, "actor is required")
}

func TestCode(t *testing.T) {
	cases := map[error]string{
		nil:                                         protocol.CodeOK,
		matching.ErrAlreadyQueued:                   protocol.CodeAlreadyQueued,
		fmt.Errorf("wrap: %w", matching.ErrBlocked): protocol.CodeBlocked,
		store.ErrNotFound:                           protocol.CodeNotFound,
		store.ErrInvalidID:                          protocol.CodeInvalid,
		moderation.ErrSelfReport:                    protocol.CodeInvalid,
		store.ErrOversize:                           protocol.CodeInternal,
		errors.New("other"):                         protocol.CodeInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, Code(err), "%v", err)
	}
}

type subscriberStub struct {
	handlers map[string]func([]byte) []byte
}

func (s *subscriberStub) SubscribeRequest(subject string, h func([]byte) []byte) error {
	if s.handlers == nil {
		s.handlers = map[string]func([]byte) []byte{}
	}
	s.handlers[subject] = h
	return nil
}

func TestServe_SubscribesEverySubject(t *testing.T) {
	h := newHarness(t)
	sub := &subscriberStub{}
	require.NoError(t, h.d.Serve(context.Background(), sub))

	for _, subject := range append(ActionSubjects, messaging.SubjectAdmin) {
		assert.Contains(t, sub.handlers, subject)
	}

	res, err := protocol.ParseResult(sub.handlers[messaging.SubjectJoin]([]byte(`{"type":"join","id":"a"}`)))
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = protocol.ParseResult(sub.handlers[messaging.SubjectAdmin]([]byte(`{"type":"stats","actor":"mod"}`)))
	require.NoError(t, err)
	assert.True(t, res.OK)
}
