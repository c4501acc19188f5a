// Package broker fronts the external realtime messaging service. The server
// never carries conversation text itself: it mints capability-scoped token
// requests that clients trade for broker access, and opens its own broker
// connections only for transcription workers.
package broker

import "context"

// Message is one frame received from a broker channel.
type Message struct {
	ID       string // broker-assigned, unique per publish
	Name     string
	ClientID string
	Data     string
}

// Handler receives messages from a subscription.
type Handler func(msg Message)

// Connection is a live broker connection owned by a single transcription
// worker. Subscriptions stay active until Close.
type Connection interface {
	// Subscribe attaches to a channel and delivers every message to h.
	Subscribe(ctx context.Context, channel string, h Handler) error
	// Close detaches all subscriptions and drops the connection.
	Close()
}

// Dialer opens broker connections; each worker gets its own.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// ControlChannel returns the control channel name for a conversation.
func ControlChannel(conversationID string) string {
	return conversationID + ":control"
}

// ContentChannel returns the content channel name for a conversation session.
func ContentChannel(conversationID, contentID string) string {
	return conversationID + ":" + contentID
}
