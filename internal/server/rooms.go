// Package server tracks which local connections belong to which rooms and
// fans room messages out to them.
package server

import (
	"log"
	"strings"
	"sync"
)

// roomKey derives the router key for a chat identifier.
func roomKey(chatID string) string {
	return "room:" + chatID
}

// chatIDFromKey recovers the chat identifier from a router key, for logging.
func chatIDFromKey(key string) string {
	return strings.TrimPrefix(key, "room:")
}

// RoomRouter maps room keys to the set of locally connected clients joined to
// them. Rooms materialize when the first client joins and vanish with the
// last member; nothing is persisted or replicated. Delivery is
// instance-local: a client connected to a sibling instance and joined to
// the same room will not receive deliveries from this one.
type RoomRouter struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	byClient map[*Client]map[string]struct{}
}

// NewRoomRouter creates an empty router.
func NewRoomRouter() *RoomRouter {
	return &RoomRouter{
		rooms:    make(map[string]map[*Client]struct{}),
		byClient: make(map[*Client]map[string]struct{}),
	}
}

// Join records the client as a member of the room. Idempotent.
func (r *RoomRouter) Join(c *Client, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[key] == nil {
		r.rooms[key] = make(map[*Client]struct{})
	}
	r.rooms[key][c] = struct{}{}

	if r.byClient[c] == nil {
		r.byClient[c] = make(map[string]struct{})
	}
	r.byClient[c][key] = struct{}{}
}

// Members returns a snapshot of the clients currently joined to the room.
func (r *RoomRouter) Members(key string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	if len(members) == 0 {
		return nil
	}
	result := make([]*Client, 0, len(members))
	for c := range members {
		result = append(result, c)
	}
	return result
}

// Rooms returns the keys of every room the client is joined to.
func (r *RoomRouter) Rooms(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byClient[c]
	if len(keys) == 0 {
		return nil
	}
	result := make([]string, 0, len(keys))
	for key := range keys {
		result = append(result, key)
	}
	return result
}

// Deliver sends the payload to every client currently joined to the room and
// returns the number of successful sends. Clients with a full send buffer are
// skipped; the hub's broadcast path handles their removal.
func (r *RoomRouter) Deliver(key string, payload []byte) int {
	delivered := 0
	for _, c := range r.Members(key) {
		if c.trySend(payload) {
			delivered++
		}
	}
	if delivered > 0 {
		log.Printf("Delivered message to %d clients in room %s", delivered, chatIDFromKey(key))
	}
	return delivered
}

// Release removes the client from every room it joined. Called once when the
// connection closes; a closed connection can never remain a room member.
func (r *RoomRouter) Release(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.byClient[c] {
		if members, ok := r.rooms[key]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, key)
			}
		}
	}
	delete(r.byClient, c)
}
