package gateway

import (
	"context"
	"fmt"

	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/protocol"
)

// Publisher is the subset of messaging.NATSClient the notifier needs.
type Publisher interface {
	PublishNotify(participantID string, data []byte) error
}

var _ Publisher = (*messaging.NATSClient)(nil)

// NATSNotifier publishes each notification as JSON to
// pair.notify.<participantID>, with the kind as the message type.
type NATSNotifier struct {
	pub Publisher
}

// NewNATSNotifier wraps a publisher.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// Message is the wire form of a notification.
type Message struct {
	ParticipantID string `json:"participantId"`
	Payload
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(_ context.Context, participantID string, kind Kind, payload Payload) error {
	data, err := protocol.NewMessage(string(kind), Message{ParticipantID: participantID, Payload: payload})
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", kind, err)
	}
	if err := n.pub.PublishNotify(participantID, data); err != nil {
		return fmt.Errorf("gateway: publish %s for %s: %w", kind, participantID, err)
	}
	return nil
}
