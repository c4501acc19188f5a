package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ably/ably-go/ably"
	"github.com/rs/zerolog"
)

// AblyDialer opens realtime connections for transcription workers.
type AblyDialer struct {
	key string
	log zerolog.Logger
}

func NewAblyDialer(publishKey string, log zerolog.Logger) *AblyDialer {
	return &AblyDialer{key: publishKey, log: log.With().Str("component", "broker").Logger()}
}

func (d *AblyDialer) Dial(ctx context.Context) (Connection, error) {
	client, err := ably.NewRealtime(
		ably.WithKey(d.key),
		ably.WithEchoMessages(false),
	)
	if err != nil {
		return nil, fmt.Errorf("ably realtime client: %w", err)
	}
	return &ablyConnection{client: client, log: d.log}, nil
}

type ablyConnection struct {
	client *ably.Realtime
	log    zerolog.Logger

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

func (c *ablyConnection) Subscribe(ctx context.Context, channel string, h Handler) error {
	ch := c.client.Channels.Get(channel)
	unsub, err := ch.SubscribeAll(ctx, func(msg *ably.Message) {
		h(Message{
			ID:       msg.ID,
			Name:     msg.Name,
			ClientID: msg.ClientID,
			Data:     dataString(msg.Data),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return fmt.Errorf("subscribe %s: connection closed", channel)
	}
	c.unsubs = append(c.unsubs, unsub)
	return nil
}

func (c *ablyConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.client.Close()
}

func dataString(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
