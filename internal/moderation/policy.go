// Package moderation applies the reporting and blocking policy. It files
// reports through the store, blocks participants whose report count reaches
// the threshold, clears them out of the engine and serves the
// administrator operations.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/store"
	"github.com/whisper/pairing/internal/tracing"
)

// Engine is the part of the pairing engine the policy drives.
// *matching.Service satisfies it.
type Engine interface {
	Partner(id string) (string, bool)
	Evict(ctx context.Context, id string, reason session.Reason, partnerKind gateway.Kind) matching.EvictResult
	ForceEnd(ctx context.Context, id string, reason session.Reason) (session.Ended, error)
	Snapshot() matching.Snapshot
	Status(id string) matching.Status
}

var _ Engine = (*matching.Service)(nil)

// ArchiveReader lists reports that maintenance moved out of the store.
type ArchiveReader interface {
	ListArchived(ctx context.Context, reportedID string, limit int) ([]store.Report, error)
}

// Options configures a Policy.
type Options struct {
	// Threshold is the report count that triggers an automatic block.
	Threshold int
	// AdminID receives admin-report and admin-auto-block notifications.
	// Empty disables them.
	AdminID string
	// EndSessionOnReport ends the reporter's session with reason reported
	// after a report filed through ReportPartner.
	EndSessionOnReport bool
	// Archive is optional. When set, History includes archived reports.
	Archive ArchiveReader
	Now     func() time.Time
	Logger  *zap.Logger
}

// Policy serialises report filing and blocking so the count increment and
// the threshold check behave as one step.
type Policy struct {
	mu sync.Mutex

	store    store.Store
	engine   Engine
	notifier gateway.Notifier
	archive  ArchiveReader

	threshold          int
	adminID            string
	endSessionOnReport bool
	now                func() time.Time
	logger             *zap.Logger
}

// NewPolicy creates a Policy.
func NewPolicy(st store.Store, engine Engine, n gateway.Notifier, opts Options) *Policy {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
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
	return &Policy{
		store:              st,
		engine:             engine,
		notifier:           n,
		archive:            opts.Archive,
		threshold:          opts.Threshold,
		adminID:            opts.AdminID,
		endSessionOnReport: opts.EndSessionOnReport,
		now:                opts.Now,
		logger:             opts.Logger.Named("moderation"),
	}
}

// Threshold returns the configured auto-block threshold.
func (p *Policy) Threshold() int { return p.threshold }

// ReportPartner files a report from reporterID against their current
// partner.
func (p *Policy) ReportPartner(ctx context.Context, reporterID, reason string) (ReportOutcome, error) {
	partner, ok := p.engine.Partner(reporterID)
	if !ok {
		return ReportOutcome{}, matching.ErrSessionNotActive
	}

	out, err := p.FileReport(ctx, reporterID, partner, reason)
	if err != nil {
		return out, err
	}

	if p.endSessionOnReport && out.Evicted.EndedSession == "" {
		ended, err := p.engine.ForceEnd(ctx, reporterID, session.ReasonReported)
		switch {
		case err == nil:
			out.EndedSession = ended.Session.ID
		case !errors.Is(err, matching.ErrSessionNotActive):
			p.logger.Warn("failed to end reporter session", zap.String("reporter_id", reporterID), zap.Error(err))
		}
	}
	return out, nil
}

// FileReport records a report against reportedID and blocks them once
// their count reaches the threshold. The block is durable before any
// in-memory cleanup runs, and cleanup never fails the block.
func (p *Policy) FileReport(ctx context.Context, reporterID, reportedID, reason string) (out ReportOutcome, err error) {
	ctx, span := tracing.Start(ctx, "moderation.FileReport",
		attribute.String("reporter_id", reporterID),
		attribute.String("reported_id", reportedID),
	)
	defer func() { tracing.End(span, err) }()

	if reporterID == reportedID {
		return ReportOutcome{}, ErrSelfReport
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	report, count, err := p.store.AddReport(ctx, store.NewReport{
		Reporter: p.ref(ctx, reporterID),
		Reported: p.ref(ctx, reportedID),
		Reason:   reason,
	})
	if err != nil {
		return ReportOutcome{}, fmt.Errorf("moderation: file report: %w", err)
	}
	metrics.ReportsTotal.Inc()
	span.SetAttributes(attribute.Int("report_count", count))

	out = ReportOutcome{Report: report, Count: count}
	now := p.now()

	p.notify(ctx, reporterID, gateway.KindReportAcknowledged, gateway.Payload{Reason: reason, At: now})
	p.notifyAdmin(ctx, gateway.KindAdminReport, gateway.Payload{Report: &report, Count: count, At: now})

	p.logger.Info("report filed",
		zap.Int64("report_id", report.ID),
		zap.String("reporter_id", reporterID),
		zap.String("reported_id", reportedID),
		zap.Int("count", count),
	)

	if count < p.threshold {
		return out, nil
	}

	blocked, err := p.blockLocked(ctx, reportedID, sourceAuto)
	if err != nil {
		return out, err
	}
	out.Blocked = true
	out.Evicted = blocked.Evicted
	if !blocked.AlreadyBlocked {
		p.notifyAdmin(ctx, gateway.KindAdminAutoBlock, gateway.Payload{
			Report: &report,
			Count:  count,
			Reason: fmt.Sprintf("report count reached %d", p.threshold),
			At:     now,
		})
	}
	return out, nil
}

// blockLocked blocks id in the store and then evicts them from the engine.
// Callers must hold p.mu.
func (p *Policy) blockLocked(ctx context.Context, id, source string) (BlockOutcome, error) {
	already, err := p.store.IsBlocked(ctx, id)
	if err != nil {
		return BlockOutcome{}, fmt.Errorf("moderation: check block: %w", err)
	}
	if !already {
		if err := p.store.Block(ctx, id); err != nil {
			return BlockOutcome{}, fmt.Errorf("moderation: block %s: %w", id, err)
		}
		metrics.BlocksTotal.WithLabelValues(source).Inc()
		p.logger.Warn("participant blocked", zap.String("participant_id", id), zap.String("source", source))
	}

	// Eviction runs even for an existing block in case the participant
	// slipped back in before it was persisted.
	out := BlockOutcome{ParticipantID: id, AlreadyBlocked: already}
	out.Evicted = p.engine.Evict(ctx, id, session.ReasonPartnerBlocked, gateway.KindPartnerBlocked)

	if !already {
		p.notify(ctx, id, gateway.KindBlocked, gateway.Payload{Reason: source, At: p.now()})
	}
	return out, nil
}

// Block blocks id on behalf of an administrator.
func (p *Policy) Block(ctx context.Context, id, actor string) (out BlockOutcome, err error) {
	ctx, span := tracing.Start(ctx, "moderation.Block",
		attribute.String("participant_id", id),
		attribute.String("actor", actor),
	)
	defer func() { tracing.End(span, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockLocked(ctx, id, sourceAdmin)
}

// Unblock lifts a block. Report counts are kept.
func (p *Policy) Unblock(ctx context.Context, id, actor string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Unblock(ctx, id); err != nil {
		return fmt.Errorf("moderation: unblock %s: %w", id, err)
	}
	p.logger.Info("participant unblocked", zap.String("participant_id", id), zap.String("actor", actor))
	return nil
}

// Resolve applies an administrator action to a report.
func (p *Policy) Resolve(ctx context.Context, reportID int64, action Action, actor string) (out store.Report, err error) {
	ctx, span := tracing.Start(ctx, "moderation.Resolve",
		attribute.Int64("report_id", reportID),
		attribute.String("action", string(action)),
		attribute.String("actor", actor),
	)
	defer func() { tracing.End(span, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	report, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return store.Report{}, err
	}

	switch action {
	case ActionBlock:
		out, err = p.store.ResolveReport(ctx, reportID, store.ReportBlocked, actor)
		if err != nil {
			return store.Report{}, err
		}
		if _, err := p.blockLocked(ctx, report.Reported.ID, sourceAdmin); err != nil {
			return out, err
		}
	case ActionIgnore:
		out, err = p.store.ResolveReport(ctx, reportID, store.ReportIgnored, actor)
		if err != nil {
			return store.Report{}, err
		}
	case ActionForceEndSession:
		// The report keeps its status; only the actor and time are stamped.
		out, err = p.store.ResolveReport(ctx, reportID, report.Status, actor)
		if err != nil {
			return store.Report{}, err
		}
		if _, err := p.engine.ForceEnd(ctx, report.Reported.ID, session.ReasonAdminForce); err != nil && !errors.Is(err, matching.ErrSessionNotActive) {
			return out, err
		}
	default:
		return store.Report{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	p.logger.Info("report resolved",
		zap.Int64("report_id", reportID),
		zap.String("action", string(action)),
		zap.String("actor", actor),
	)
	return out, nil
}

// ForceEnd ends id's session on behalf of an administrator.
func (p *Policy) ForceEnd(ctx context.Context, id, actor string) (session.Ended, error) {
	ended, err := p.engine.ForceEnd(ctx, id, session.ReasonAdminForce)
	if err != nil {
		return session.Ended{}, err
	}
	p.logger.Info("session force-ended",
		zap.String("session_id", ended.Session.ID),
		zap.String("participant_id", id),
		zap.String("actor", actor),
	)
	return ended, nil
}

// Warn records a warning against id and tells them about it.
func (p *Policy) Warn(ctx context.Context, id, actor string) (Warning, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.GetParticipant(ctx, id)
	if err != nil {
		return Warning{}, err
	}
	now := p.now()
	count := cur.WarningCount + 1
	if _, err := p.store.UpdateParticipant(ctx, id, store.ParticipantUpdate{
		WarningCount: &count,
		LastWarning:  &now,
	}); err != nil {
		return Warning{}, fmt.Errorf("moderation: warn %s: %w", id, err)
	}

	p.notify(ctx, id, gateway.KindWarned, gateway.Payload{Count: count, At: now})
	p.logger.Info("participant warned", zap.String("participant_id", id), zap.Int("warnings", count), zap.String("actor", actor))
	return Warning{ParticipantID: id, Count: count, At: now}, nil
}

// History returns id's record, where they currently stand in the engine
// and the reports that involve them, newest first.
func (p *Policy) History(ctx context.Context, id string, limit int) (History, error) {
	participant, err := p.store.GetParticipant(ctx, id)
	if err != nil {
		return History{}, err
	}
	reports, err := p.store.ListReports(ctx, store.ReportFilter{InvolvedID: id}, limit)
	if err != nil {
		return History{}, err
	}
	h := History{
		Participant: participant,
		Blocked:     participant.Blocked,
		Live:        p.engine.Status(id),
		Reports:     reports,
	}
	if p.archive != nil {
		h.Archived, err = p.archive.ListArchived(ctx, id, limit)
		if err != nil {
			p.logger.Warn("failed to read report archive", zap.String("participant_id", id), zap.Error(err))
		}
	}
	return h, nil
}

// ListRecentReports returns the newest reports.
func (p *Policy) ListRecentReports(ctx context.Context, limit int) ([]store.Report, error) {
	if limit <= 0 {
		limit = 10
	}
	return p.store.ListReports(ctx, store.ReportFilter{}, limit)
}

// Stats returns store counters plus the live queue and session counts.
func (p *Policy) Stats(ctx context.Context) (Stats, error) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	snap := p.engine.Snapshot()
	return Stats{
		Stats:          st,
		Queued:         len(snap.Queue),
		ActiveSessions: len(snap.Sessions),
		BlockThreshold: p.Threshold(),
	}, nil
}

func (p *Policy) ref(ctx context.Context, id string) store.PartyRef {
	participant, err := p.store.GetParticipant(ctx, id)
	if err != nil {
		return store.PartyRef{ID: id}
	}
	return participant.Ref()
}

func (p *Policy) notify(ctx context.Context, id string, kind gateway.Kind, payload gateway.Payload) {
	if err := p.notifier.Notify(ctx, id, kind, payload); err != nil {
		p.logger.Warn("notification failed",
			zap.String("participant_id", id),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (p *Policy) notifyAdmin(ctx context.Context, kind gateway.Kind, payload gateway.Payload) {
	if p.adminID == "" {
		return
	}
	p.notify(ctx, p.adminID, kind, payload)
}
