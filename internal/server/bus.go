// Package server consumes the shared broadcast bus that carries presence
// events between relay instances.
package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// presenceChannel is the fixed pub/sub channel every instance subscribes to.
const presenceChannel = "presence_channel"

// PresenceEvent is the payload carried on the broadcast bus.
type PresenceEvent struct {
	Event string          `json:"event"`
	User  json.RawMessage `json:"user"`
}

// Bus is this instance's subscription to the shared presence channel. It is
// strictly a consumer: received events are decoded and re-emitted to every
// locally connected socket, but nothing in the connection-event path ever
// publishes here. Locally observed transitions reach local sockets directly,
// so the bus only carries presence changes originated elsewhere. Bus has no
// publish method; keep it that way.
type Bus struct {
	client *redis.Client
	hub    *Hub
}

// NewBus creates a bus consumer over the given Redis client.
func NewBus(client *redis.Client, hub *Hub) *Bus {
	return &Bus{client: client, hub: hub}
}

// Listen subscribes to the presence channel and re-emits every decoded event
// to all local connections, regardless of their authentication state or room
// membership. It blocks until ctx is cancelled; the underlying pub/sub
// connection reconnects on its own after transient failures.
func (b *Bus) Listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, presenceChannel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("Error closing bus subscription: %v", err)
		}
	}()

	log.Printf("Subscribed to broadcast bus channel %q", presenceChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Payload)
		}
	}
}

// dispatch decodes one bus message and fans it out locally. Undecodable
// messages are logged and dropped; the bus is advisory traffic.
func (b *Bus) dispatch(payload string) {
	var event PresenceEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Printf("Ignoring malformed bus message: %v", err)
		return
	}
	if event.Event == "" {
		log.Printf("Ignoring bus message without event name")
		return
	}

	b.hub.BroadcastEvent(event.Event, event.User, nil)
}
