// Package dispatch is the engine's intake. It decodes gateway actions and
// admin requests, routes them to the pairing engine and the moderation
// policy, and answers every request with a protocol.Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/maintenance"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/store"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrRateLimited = errors.New("dispatch: rate limited")
	ErrInvalid     = errors.New("dispatch: invalid request")
	ErrUnsupported = errors.New("dispatch: unsupported request")
)

// Handler handles one decoded message. The returned value becomes the
// result's data.
type Handler func(ctx context.Context, msg any) (any, error)

// Options wires a Dispatcher.
type Options struct {
	Engine *matching.Service
	Policy *moderation.Policy
	// Maintenance and Limiter are optional.
	Maintenance *maintenance.Job
	Limiter     *ratelimit.Limiter
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Dispatcher routes actions by type. Ping is answered internally.
type Dispatcher struct {
	handlers map[string]Handler

	engine      *matching.Service
	policy      *moderation.Policy
	maintenance *maintenance.Job
	limiter     *ratelimit.Limiter
	timeout     time.Duration
	logger      *zap.Logger
}

// New creates a Dispatcher with handlers for every gateway action.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		handlers:    make(map[string]Handler),
		engine:      opts.Engine,
		policy:      opts.Policy,
		maintenance: opts.Maintenance,
		limiter:     opts.Limiter,
		timeout:     opts.Timeout,
		logger:      opts.Logger.Named("dispatch"),
	}
	d.Register(protocol.TypeJoin, d.handleJoin)
	d.Register(protocol.TypeLeave, d.handleLeave)
	d.Register(protocol.TypeReport, d.handleReport)
	d.Register(protocol.TypeActivity, d.handleActivity)
	d.Register(protocol.TypeStatus, d.handleStatus)
	return d
}

// Register associates a handler with an action type, replacing any previous
// one.
func (d *Dispatcher) Register(msgType string, h Handler) {
	d.handlers[msgType] = h
}

// Dispatch decodes a gateway action, runs its handler and returns the
// encoded reply.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) []byte {
	msgType, msg, err := protocol.ParseAction(data)
	if err != nil {
		d.logger.Debug("dispatch parse error", zap.String("type", msgType), zap.Error(err))
		code := protocol.CodeInvalid
		if msgType != "" && d.handlers[msgType] == nil && msgType != protocol.TypePing {
			code = protocol.CodeUnsupported
		}
		return d.reply(msgType, protocol.Fail(code, err.Error()))
	}

	if msgType == protocol.TypePing {
		out, err := protocol.NewMessage(protocol.TypePong, nil)
		if err != nil {
			return d.reply(msgType, protocol.Fail(protocol.CodeInternal, err.Error()))
		}
		return out
	}

	h, ok := d.handlers[msgType]
	if !ok {
		d.logger.Warn("unsupported message type", zap.String("type", msgType))
		return d.reply(msgType, protocol.Fail(protocol.CodeUnsupported, "unsupported message type"))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.reply(msgType, d.result(ctx, msgType, h, msg))
}

func (d *Dispatcher) result(ctx context.Context, msgType string, h Handler, msg any) protocol.Result {
	data, err := h(ctx, msg)
	if err != nil {
		code := Code(err)
		if code == protocol.CodeInternal {
			d.logger.Error("handler failed", zap.String("type", msgType), zap.Error(err))
		}
		var limited *rateLimitedError
		if errors.As(err, &limited) {
			return protocol.FailWith(code, err.Error(), limited.info)
		}
		return protocol.Fail(code, err.Error())
	}
	return protocol.OK(data)
}

func (d *Dispatcher) reply(msgType string, r protocol.Result) []byte {
	if msgType == "" {
		msgType = "unknown"
	}
	metrics.ActionsTotal.WithLabelValues(msgType, r.Code).Inc()

	out, err := protocol.NewMessage(protocol.TypeResult, r)
	if err != nil {
		d.logger.Error("failed to encode result", zap.String("type", msgType), zap.Error(err))
		return []byte(`{"type":"result","ok":false,"code":"internal"}`)
	}
	return out
}

// Code maps an error to its result code.
func Code(err error) string {
	switch {
	case err == nil:
		return protocol.CodeOK
	case errors.Is(err, matching.ErrAlreadyQueued):
		return protocol.CodeAlreadyQueued
	case errors.Is(err, matching.ErrAlreadyPaired):
		return protocol.CodeAlreadyPaired
	case errors.Is(err, matching.ErrBlocked):
		return protocol.CodeBlocked
	case errors.Is(err, store.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, matching.ErrSessionNotActive):
		return protocol.CodeSessionNotActive
	case errors.Is(err, ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, ErrUnsupported):
		return protocol.CodeUnsupported
	case errors.Is(err, ErrInvalid),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, session.ErrSelfPair),
		errors.Is(err, moderation.ErrSelfReport),
		errors.Is(err, moderation.ErrUnknownAction):
		return protocol.CodeInvalid
	}
	return protocol.CodeInternal
}

// RateLimit is the data of a rate_limited reply.
type RateLimit struct {
	Rule         string `json:"rule"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

type rateLimitedError struct {
	info RateLimit
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRateLimited, e.info.Rule)
}

func (e *rateLimitedError) Unwrap() error { return ErrRateLimited }

// allow applies rule to id when a limiter is configured.
func (d *Dispatcher) allow(ctx context.Context, id string, rule ratelimit.Rule) error {
	if d.limiter == nil {
		return nil
	}
	ok, err := d.limiter.Allow(ctx, id, rule)
	if err != nil {
		d.logger.Warn("rate limit check failed", zap.String("rule", rule.Name), zap.Error(err))
	}
	if ok {
		return nil
	}
	// A failed TTL lookup still rejects; the reply just carries no hint.
	retry, _ := d.limiter.RetryAfter(ctx, id, rule)
	return &rateLimitedError{info: RateLimit{Rule: rule.Name, RetryAfterMs: retry.Milliseconds()}}
}

func (d *Dispatcher) handleJoin(ctx context.Context, msg any) (any, error) {
	m := msg.(protocol.JoinMsg)
	if err := d.allow(ctx, m.ID, ratelimit.RuleJoin); err != nil {
		return nil, err
	}
	return d.engine.Join(ctx, store.Profile{ID: m.ID, Name: m.Name, Handle: m.Handle, Locale: m.Locale})
}

func (d *Dispatcher) handleLeave(ctx context.Context, msg any) (any, error) {
	return d.engine.Leave(ctx, msg.(protocol.LeaveMsg).ID)
}

func (d *Dispatcher) handleReport(ctx context.Context, msg any) (any, error) {
	m := msg.(protocol.ReportMsg)
	if err := d.allow(ctx, m.ID, ratelimit.RuleReport); err != nil {
		return nil, err
	}
	return d.policy.ReportPartner(ctx, m.ID, m.Reason)
}

func (d *Dispatcher) handleActivity(ctx context.Context, msg any) (any, error) {
	return nil, d.engine.Touch(ctx, msg.(protocol.ActivityMsg).ID)
}

func (d *Dispatcher) handleStatus(_ context.Context, msg any) (any, error) {
	return d.engine.Status(msg.(protocol.StatusMsg).ID), nil
}
