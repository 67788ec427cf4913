package matching

import (
	"context"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/store"
)

type note struct {
	id      string
	kind    gateway.Kind
	payload gateway.Payload
}

// outbox collects notifications while the engine lock is held so they can
// be delivered after it is released, in the order they were added.
type outbox []note

func (o *outbox) add(id string, kind gateway.Kind, p gateway.Payload) {
	if id == "" {
		return
	}
	*o = append(*o, note{id: id, kind: kind, payload: p})
}

func (o outbox) flush(ctx context.Context, n gateway.Notifier, logger *zap.Logger) {
	for _, x := range o {
		if err := n.Notify(ctx, x.id, x.kind, x.payload); err != nil {
			logger.Warn("notification failed",
				zap.String("participant_id", x.id),
				zap.String("kind", string(x.kind)),
				zap.Error(err),
			)
		}
	}
}

// ref returns the report-style reference for id, falling back to the bare
// id when the store has no record.
func (s *Service) ref(ctx context.Context, id string) store.PartyRef {
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return store.PartyRef{ID: id}
	}
	return p.Ref()
}
