// Package server coordinates the connection registry, local event broadcast,
// and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// BroadcastMessage encapsulates a frame being broadcast to local connections.
// Exclude, when non-nil, names a client that must not receive the frame
// (typically the originator of a presence transition).
type BroadcastMessage struct {
	Exclude *Client
	Payload []byte
}

// Hub owns the registry of live connections, keyed by connection identifier,
// and fans broadcast frames out to them. Registration, unregistration, and
// broadcasts all flow through a single Run loop so registry transitions are
// serialized without handler-visible locking.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	rooms      *RoomRouter
	presence   *PresenceStore
	relay      *MessageRelay
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub bound to the given presence store, with its own room
// router and message relay. The returned Hub is ready to Run.
func NewHub(presence *PresenceStore) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	rooms := NewRoomRouter()
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rooms:      rooms,
		presence:   presence,
		relay:      NewMessageRelay(rooms),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Rooms returns the hub's room router.
func (h *Hub) Rooms() *RoomRouter {
	return h.rooms
}

// ClientCount returns the number of currently registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// BroadcastEvent encodes an outbound event and queues it for delivery to
// every registered connection except exclude (nil means everyone). Delivery
// ignores authentication state and room membership.
func (h *Hub) BroadcastEvent(event string, data any, exclude *Client) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("Error encoding %s broadcast: %v", event, err)
		return
	}

	select {
	case h.broadcast <- BroadcastMessage{Exclude: exclude, Payload: payload}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation so unregistration
	// cannot close the channel mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	registered, exists := h.clients[client.id]
	if !exists || registered != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and local broadcasts. Call it in its own goroutine; it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			log.Printf("Client %s connected from %s. Total clients: %d", client.id, client.addr, clientCount)

			if client.conn != nil {
				h.wg.Add(2)
				go func() {
					defer h.wg.Done()
					client.writePump()
				}()
				go func() {
					defer h.wg.Done()
					client.readPump()
				}()
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			if registered, ok := h.clients[client.id]; ok && registered == client {
				delete(h.clients, client.id)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				// Close the channel after releasing the lock.
				close(client.send)
				h.rooms.Release(client)
				log.Printf("Client %s disconnected from %s. Total clients: %d", client.id, client.addr, clientCount)
			} else {
				h.mutex.Unlock()
			}

		case broadcastMsg := <-h.broadcast:
			h.handleBroadcast(broadcastMsg)
		}
	}
}

// handleBroadcast sends a frame to every registered client except the
// excluded one, collecting clients whose buffers are full for removal.
func (h *Hub) handleBroadcast(broadcastMsg BroadcastMessage) {
	clients := h.getClientSnapshot()

	var clientsToRemove []*Client
	for _, client := range clients {
		if broadcastMsg.Exclude != nil && client == broadcastMsg.Exclude {
			continue
		}
		if !h.safeSend(client, broadcastMsg.Payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns a point-in-time slice of all registered clients.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops clients whose send buffers were full during a
// broadcast and closes their channels.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if registered, exists := h.clients[client.id]; exists && registered == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			log.Printf("Client %s removed due to full send buffer", client.id)
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	for _, client := range clientsToRemove {
		h.rooms.Release(client)
	}
}

// shutdownClients closes every live connection during hub shutdown.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection %s: %v", client.id, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete.
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
