// Package server validates and stamps room messages before handing them to
// the room router for local delivery.
package server

import (
	"log"
	"time"
)

// MessageRelay checks inbound room messages and delivers them to the sender's
// room on this instance. Messages are never persisted and never leave the
// instance; the timestamp is wall-clock, so ordering across instances is
// best-effort only.
type MessageRelay struct {
	rooms *RoomRouter
	now   func() time.Time
}

// NewMessageRelay creates a relay bound to the given room router.
func NewMessageRelay(rooms *RoomRouter) *MessageRelay {
	return &MessageRelay{
		rooms: rooms,
		now:   time.Now,
	}
}

// Relay validates the message, stamps it with a server-assigned timestamp,
// and delivers it as new_message to every local member of the room. On
// validation failure the sender gets exactly one error event and nothing is
// delivered or mutated.
func (r *MessageRelay) Relay(sender *Client, event *sendMessageEvent) {
	details := validateMessage(event)
	if details != "" {
		sender.emit(eventError, errorPayload{
			Message: "invalid message",
			Details: details,
		})
		return
	}

	messageData := make(map[string]any, len(event.Fields)+1)
	for key, value := range event.Fields {
		messageData[key] = value
	}
	messageData["timestamp"] = r.now().UTC().Format(time.RFC3339)

	payload, err := encodeEvent(eventNewMessage, messageData)
	if err != nil {
		log.Printf("Error encoding new_message for room %s: %v", event.ChatID, err)
		return
	}

	r.rooms.Deliver(roomKey(event.ChatID), payload)
}

// validateMessage returns a description of the missing fields, or empty when
// the message is deliverable.
func validateMessage(event *sendMessageEvent) string {
	switch {
	case event.Message == "" && event.ChatID == "":
		return "message and chat_id are required"
	case event.Message == "":
		return "message is required"
	case event.ChatID == "":
		return "chat_id is required"
	}
	return ""
}
