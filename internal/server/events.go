// Package server defines the wire-level event envelope and the closed set of
// inbound event variants exchanged with relay clients.
package server

import (
	"encoding/json"
	"fmt"
)

// Inbound event names accepted from clients.
const (
	eventAuth        = "auth"
	eventJoinRoom    = "join_room"
	eventSendMessage = "send_message"
	eventLogoutUser  = "logout_user"
)

// Outbound event names emitted to clients.
const (
	eventAuthenticated = "authenticated"
	eventIsOnline      = "is_online"
	eventIsOffline     = "is_offline"
	eventAuthError     = "auth_error"
	eventError         = "error"
	eventNewMessage    = "new_message"
)

// Envelope is the JSON frame exchanged over the WebSocket: a named event and
// an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// inboundEvent is the closed set of events a client may send. Decoding happens
// once at the connection boundary; handlers switch exhaustively on the
// concrete type instead of branching on event-name strings.
type inboundEvent interface {
	inbound()
}

// authEvent carries the caller-supplied identity. The full user payload is
// retained verbatim so is_online notifications can forward it untouched.
type authEvent struct {
	ID   string
	User json.RawMessage
}

// joinRoomEvent asks to join the room derived from a chat identifier.
type joinRoomEvent struct {
	ChatID string
}

// sendMessageEvent carries a room message. Fields holds the complete inbound
// payload, including any caller-supplied extras, so the relay can stamp and
// forward it without dropping anything.
type sendMessageEvent struct {
	ChatID  string
	Message string
	Fields  map[string]any
}

// logoutEvent requests presence removal for an arbitrary user id.
type logoutEvent struct {
	UserID string
}

func (*authEvent) inbound()        {}
func (*joinRoomEvent) inbound()    {}
func (*sendMessageEvent) inbound() {}
func (*logoutEvent) inbound()      {}

// errUnknownEvent reports an event name outside the accepted set.
type errUnknownEvent struct {
	name string
}

func (e *errUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.name)
}

// decodeInbound parses a raw frame into one of the inbound event variants.
// Field-level validation (missing ids, empty messages) is left to the
// handlers so each operation can report its own error shape.
func decodeInbound(raw []byte) (inboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case eventAuth:
		var user struct {
			ID string `json:"id"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &user); err != nil {
				return nil, fmt.Errorf("decode auth payload: %w", err)
			}
		}
		return &authEvent{ID: user.ID, User: env.Data}, nil

	case eventJoinRoom:
		var payload struct {
			ChatID string `json:"chat_id"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				return nil, fmt.Errorf("decode join_room payload: %w", err)
			}
		}
		return &joinRoomEvent{ChatID: payload.ChatID}, nil

	case eventSendMessage:
		fields := make(map[string]any)
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &fields); err != nil {
				return nil, fmt.Errorf("decode send_message payload: %w", err)
			}
		}
		chatID, _ := fields["chat_id"].(string)
		message, _ := fields["message"].(string)
		return &sendMessageEvent{ChatID: chatID, Message: message, Fields: fields}, nil

	case eventLogoutUser:
		var payload struct {
			UserID string `json:"user_id"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				return nil, fmt.Errorf("decode logout_user payload: %w", err)
			}
		}
		return &logoutEvent{UserID: payload.UserID}, nil
	}

	return nil, &errUnknownEvent{name: env.Event}
}

// encodeEvent marshals an outbound envelope.
func encodeEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = encoded
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// errorPayload is the body of error and auth_error events.
type errorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
