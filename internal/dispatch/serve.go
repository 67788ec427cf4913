package dispatch

import (
	"context"
	"fmt"

	"github.com/whisper/pairing/internal/messaging"
)

// RequestSubscriber serves request/reply subjects. *messaging.NATSClient
// satisfies it.
type RequestSubscriber interface {
	SubscribeRequest(subject string, handler func(data []byte) []byte) error
}

var _ RequestSubscriber = (*messaging.NATSClient)(nil)

// ActionSubjects are the gateway subjects Serve listens on.
var ActionSubjects = []string{
	messaging.SubjectJoin,
	messaging.SubjectLeave,
	messaging.SubjectReport,
	messaging.SubjectActivity,
	messaging.SubjectStatus,
}

// Serve subscribes the dispatcher to every action subject and the admin
// subject. Handlers derive their contexts from ctx.
func (d *Dispatcher) Serve(ctx context.Context, sub RequestSubscriber) error {
	for _, subject := range ActionSubjects {
		if err := sub.SubscribeRequest(subject, func(data []byte) []byte {
			return d.Dispatch(ctx, data)
		}); err != nil {
			return fmt.Errorf("dispatch: serve %s: %w", subject, err)
		}
	}
	if err := sub.SubscribeRequest(messaging.SubjectAdmin, func(data []byte) []byte {
		return d.DispatchAdmin(ctx, data)
	}); err != nil {
		return fmt.Errorf("dispatch: serve %s: %w", messaging.SubjectAdmin, err)
	}
	return nil
}
