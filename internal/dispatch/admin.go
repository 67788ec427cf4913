package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/protocol"
)

// DispatchAdmin decodes an admin request, applies it through the moderation
// policy and returns the encoded reply. The actor is trusted; the transport
// that delivers admin requests is responsible for authenticating it.
func (d *Dispatcher) DispatchAdmin(ctx context.Context, data []byte) []byte {
	req, err := protocol.ParseAdminRequest(data)
	if err != nil {
		d.logger.Debug("admin parse error", zap.String("type", req.Type), zap.Error(err))
		return d.reply(adminLabel(req.Type), protocol.Fail(protocol.CodeInvalid, err.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	r := d.result(ctx, req.Type, d.handleAdmin, req)
	if r.OK {
		d.logger.Info("admin request applied",
			zap.String("type", req.Type),
			zap.String("actor", req.Actor),
			zap.String("participant_id", req.ParticipantID),
			zap.Int64("report_id", req.ReportID),
		)
	}
	return d.reply(adminLabel(req.Type), r)
}

func adminLabel(t string) string {
	if t == "" {
		return "admin"
	}
	return "admin." + t
}

func (d *Dispatcher) handleAdmin(ctx context.Context, msg any) (any, error) {
	req := msg.(protocol.AdminRequest)

	switch req.Type {
	case protocol.TypeBlock:
		return d.policy.Block(ctx, req.ParticipantID, req.Actor)
	case protocol.TypeUnblock:
		if err := d.policy.Unblock(ctx, req.ParticipantID, req.Actor); err != nil {
			return nil, err
		}
		return map[string]string{"participantId": req.ParticipantID}, nil
	case protocol.TypeListReports:
		return d.policy.ListRecentReports(ctx, req.Limit)
	case protocol.TypeResolveReport:
		return d.policy.Resolve(ctx, req.ReportID, moderation.Action(req.Action), req.Actor)
	case protocol.TypeStats:
		return d.policy.Stats(ctx)
	case protocol.TypeRunMaintenance:
		if d.maintenance == nil {
			return nil, fmt.Errorf("%w: maintenance is not configured", ErrUnsupported)
		}
		return d.maintenance.RunOnce(ctx)
	case protocol.TypeForceEnd:
		return d.policy.ForceEnd(ctx, req.ParticipantID, req.Actor)
	case protocol.TypeWarn:
		return d.policy.Warn(ctx, req.ParticipantID, req.Actor)
	case protocol.TypeHistory:
		return d.policy.History(ctx, req.ParticipantID, req.Limit)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, req.Type)
}
