package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/metrics"
)

// Run sweeps the queue every SweepInterval until ctx is cancelled. Each
// sweep removes participants who waited longer than MaxWait and retries
// pairing for whoever is left.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info("queue sweeper started",
		zap.Duration("interval", s.sweepInterval),
		zap.Duration("max_wait", s.maxWait),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("queue sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one queue maintenance pass.
func (s *Service) Sweep(ctx context.Context) {
	var out outbox

	s.mu.Lock()
	if s.maxWait > 0 {
		now := s.now()
		for _, e := range s.queue.Expired(now.Add(-s.maxWait)) {
			waited := now.Sub(e.JoinedAt)
			out.add(e.ParticipantID, gateway.KindQueueTimeout, gateway.Payload{Waited: waited, At: now})
			metrics.QueueTimeouts.Inc()
			s.logger.Info("queue wait exceeded",
				zap.String("participant_id", e.ParticipantID),
				zap.Duration("waited", waited),
			)
		}
	}
	if _, err := s.matchLocked(ctx, &out); err != nil {
		s.logger.Error("sweep match failed", zap.Error(err))
	}
	s.mu.Unlock()

	out.flush(ctx, s.notifier, s.logger)
}
