package broker

import (
	"context"
	"encoding/json"
)

// Message is one live-notification event crossing gateway instances.
// ServerID identifies the instance that received the event from the
// upstream, so an instance can skip events it published itself.
type Message struct {
	ServerID       string `json:"server_id"`
	SubscriptionID string `json:"subscription_id"`
	Action         string `json:"action"`
	Result         any    `json:"result"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis publishing.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker fans live events out across gateway instances so clients
// attached to a different instance still observe the same change.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
	Type() string
}
