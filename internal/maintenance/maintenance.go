// Package maintenance runs the retention sweep over the moderation store.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/store"
	"github.com/whisper/pairing/internal/tracing"
)

const (
	DefaultInterval              = 24 * time.Hour
	DefaultParticipantRetention  = 30 * 24 * time.Hour
	DefaultReportRetentionMonths = 6
	DefaultTimeout               = 10 * time.Minute
)

// Archiver keeps a copy of reports before they are pruned.
type Archiver interface {
	// ArchiveReports stores reports durably. Storing a report twice is not
	// an error.
	ArchiveReports(ctx context.Context, reports []store.Report) error
}

// Options configures a Job.
type Options struct {
	Interval             time.Duration
	ParticipantRetention time.Duration
	// ReportRetentionMonths is counted in calendar months.
	ReportRetentionMonths int
	// Timeout bounds one sweep independently of the callers waiting on it.
	Timeout time.Duration
	// Archiver is optional.
	Archiver Archiver
	Now      func() time.Time
	Logger   *zap.Logger
}

// Result summarises one sweep.
type Result struct {
	ParticipantsRemoved int           `json:"participantsRemoved"`
	ReportsRemoved      int           `json:"reportsRemoved"`
	ReportsArchived     int           `json:"reportsArchived"`
	Duration            time.Duration `json:"durationNs"`
}

// Job prunes participants and reports past their retention windows.
type Job struct {
	store    store.Store
	archiver Archiver
	group    singleflight.Group

	interval          time.Duration
	participantMaxAge time.Duration
	reportMonths      int
	timeout           time.Duration
	now               func() time.Time
	logger            *zap.Logger
}

// New creates a Job.
func New(st store.Store, opts Options) *Job {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ParticipantRetention <= 0 {
		opts.ParticipantRetention = DefaultParticipantRetention
	}
	if opts.ReportRetentionMonths <= 0 {
		opts.ReportRetentionMonths = DefaultReportRetentionMonths
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Job{
		store:             st,
		archiver:          opts.Archiver,
		interval:          opts.Interval,
		participantMaxAge: opts.ParticipantRetention,
		reportMonths:      opts.ReportRetentionMonths,
		timeout:           opts.Timeout,
		now:               opts.Now,
		logger:            opts.Logger.Named("maintenance"),
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("maintenance run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep. Calls made while a sweep is in flight wait
// for it and share its result. The sweep keeps ctx's values but not its
// cancellation: a caller that gives up returns ctx.Err() and the sweep runs
// on under the job timeout.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	ch := j.group.DoChan("sweep", func() (any, error) {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
		defer cancel()
		return j.sweep(sweepCtx)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (j *Job) sweep(ctx context.Context) (res Result, err error) {
	ctx, span := tracing.Start(ctx, "maintenance.Sweep")
	start := j.now()
	defer func() {
		res.Duration = j.now().Sub(start)
		metrics.MaintenanceDuration.Observe(res.Duration.Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.MaintenanceRuns.WithLabelValues(result).Inc()
		span.SetAttributes(
			attribute.Int("participants_removed", res.ParticipantsRemoved),
			attribute.Int("reports_removed", res.ReportsRemoved),
		)
		tracing.End(span, err)
	}()

	participantCutoff := start.Add(-j.participantMaxAge)
	res.ParticipantsRemoved, err = j.store.SweepParticipants(ctx, participantCutoff)
	if err != nil {
		return res, fmt.Errorf("maintenance: sweep participants: %w", err)
	}
	metrics.MaintenanceRemoved.WithLabelValues(store.CollectionParticipants).Add(float64(res.ParticipantsRemoved))

	reportCutoff := start.AddDate(0, -j.reportMonths, 0)
	if j.archiver != nil {
		old, err := j.store.ListReports(ctx, store.ReportFilter{Before: reportCutoff}, 0)
		if err != nil {
			return res, fmt.Errorf("maintenance: list expired reports: %w", err)
		}
		if len(old) > 0 {
			if err := j.archiver.ArchiveReports(ctx, old); err != nil {
				// Reports stay in place until a later run archives them.
				return res, fmt.Errorf("maintenance: archive reports: %w", err)
			}
			res.ReportsArchived = len(old)
		}
	}

	removed, err := j.store.SweepReports(ctx, reportCutoff)
	if err != nil {
		return res, fmt.Errorf("maintenance: sweep reports: %w", err)
	}
	res.ReportsRemoved = len(removed)
	metrics.MaintenanceRemoved.WithLabelValues(store.CollectionReports).Add(float64(res.ReportsRemoved))

	j.logger.Info("maintenance completed",
		zap.Int("participants_removed", res.ParticipantsRemoved),
		zap.Int("reports_removed", res.ReportsRemoved),
		zap.Int("reports_archived", res.ReportsArchived),
	)
	return res, nil
}
