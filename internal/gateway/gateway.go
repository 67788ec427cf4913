// Package gateway defines how the engine tells the outside world about
// pairing and moderation events. The engine never formats text; a messaging
// gateway turns each Kind into whatever its platform needs.
package gateway

import (
	"context"
	"time"

	"github.com/whisper/pairing/internal/store"
)

// Kind names a notification event.
type Kind string

const (
	KindMatched            Kind = "matched"
	KindPartnerLeft        Kind = "partner-left"
	KindPartnerBlocked     Kind = "partner-blocked"
	KindSessionTimeout     Kind = "session-timeout"
	KindReportAcknowledged Kind = "report-acknowledged"
	KindQueueTimeout       Kind = "queue-timeout"
	KindBlocked            Kind = "blocked"
	KindSessionEnded       Kind = "session-ended"
	KindWarned             Kind = "warned"
	KindAdminReport        Kind = "admin-report"
	KindAdminAutoBlock     Kind = "admin-auto-block"
)

// Payload is the structured data attached to a notification. Only the
// fields relevant to the kind are set.
type Payload struct {
	SessionID string          `json:"sessionId,omitempty"`
	Partner   *store.PartyRef `json:"partner,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Report    *store.Report   `json:"report,omitempty"`
	Count     int             `json:"count,omitempty"`
	Waited    time.Duration   `json:"waitedNs,omitempty"`
	At        time.Time       `json:"at"`
}

// Notifier delivers a notification to one participant. Implementations
// must be safe for concurrent use. Delivery failures are reported but never
// roll back engine state.
type Notifier interface {
	Notify(ctx context.Context, participantID string, kind Kind, payload Payload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, participantID string, kind Kind, payload Payload) error

func (f NotifierFunc) Notify(ctx context.Context, participantID string, kind Kind, payload Payload) error {
	return f(ctx, participantID, kind, payload)
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, string, Kind, Payload) error { return nil })
