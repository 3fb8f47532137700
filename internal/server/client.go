// Package server manages individual WebSocket connections: read/write pumps,
// the per-connection authentication state machine, and lifecycle control.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// pingInterval is how often the server pings each connection.
	pingInterval = 25 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second
	// storeWait bounds a single presence-store round trip.
	storeWait = 5 * time.Second
)

// storeContext returns a context for one presence-store call. Store calls are
// deliberately not tied to the hub's lifecycle context: a shutting-down
// instance must still scrub its users from the shared online set, otherwise
// siblings keep reporting them online until the TTL expires.
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeWait)
}

// connState tracks the lifecycle of a connection. Transitions only move
// forward: Unauthenticated to Authenticated to Closed.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// Client represents one live transport session. It holds the connection
// identifier, the authenticated user id (empty until auth succeeds, set at
// most once for the connection's lifetime), and the send queue. State is
// confined to the read pump's goroutine; the hub only touches the registry
// fields under its own lock.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	state          connState
	userID         string
	maxMessageSize int64
	closeOnce      sync.Once
}

// NewClient creates a Client for the given WebSocket connection. The send
// channel is buffered so slow consumers do not stall broadcasts.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		state:          stateUnauthenticated,
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// trySend queues a frame for the client without blocking. It reports false
// when the client is gone or its buffer is full.
func (c *Client) trySend(message []byte) bool {
	return c.hub.safeSend(c, message)
}

// emit encodes and queues an outbound event for this client only.
func (c *Client) emit(event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("Error encoding %s event for client %s: %v", event, c.id, err)
		return
	}
	if !c.trySend(payload) {
		log.Printf("Dropped %s event for client %s", event, c.id)
	}
}

// setupReadConnection configures the read deadline and pong handler. Pongs
// are the transport-level liveness signal; receiving one extends the
// deadline by pongWait.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs the read failure and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// dispatch decodes one inbound frame and routes it to the matching handler.
// Malformed frames and unknown event names are logged and ignored; they
// never produce a reply.
func (c *Client) dispatch(raw []byte) {
	event, err := decodeInbound(raw)
	if err != nil {
		log.Printf("Ignoring frame from %s: %v", c.addr, err)
		return
	}

	if c.state == stateClosed {
		return
	}

	switch event := event.(type) {
	case *authEvent:
		c.handleAuth(event)
	case *joinRoomEvent:
		c.handleJoinRoom(event)
	case *sendMessageEvent:
		c.hub.relay.Relay(c, event)
	case *logoutEvent:
		c.handleLogout(event)
	}
}

// handleAuth runs the auth transition: presence insert, state change, and
// is_online notifications. On any failure the connection stays
// unauthenticated and only the caller hears about it.
func (c *Client) handleAuth(event *authEvent) {
	if c.state == stateAuthenticated {
		c.emit(eventAuthError, errorPayload{Message: "connection already authenticated"})
		return
	}

	if event.ID == "" {
		c.emit(eventAuthError, errorPayload{Message: "user id is required"})
		return
	}

	ctx, cancel := storeContext()
	defer cancel()
	if err := c.hub.presence.Add(ctx, event.ID); err != nil {
		log.Printf("Presence insert failed for user %s: %v", event.ID, err)
		c.emit(eventAuthError, errorPayload{Message: "presence update failed"})
		return
	}

	c.state = stateAuthenticated
	c.userID = event.ID
	log.Printf("Client %s authenticated as user %s", c.id, event.ID)

	c.emit(eventAuthenticated, nil)
	c.emit(eventIsOnline, event.User)
	// Local peers are notified directly; the broadcast bus never carries
	// this instance's own transitions.
	c.hub.BroadcastEvent(eventIsOnline, event.User, c)
}

// handleJoinRoom registers the connection in the room derived from the chat
// id. Joining twice is a no-op.
func (c *Client) handleJoinRoom(event *joinRoomEvent) {
	if event.ChatID == "" {
		c.emit(eventError, errorPayload{Message: "chat_id is required"})
		return
	}

	c.hub.rooms.Join(c, roomKey(event.ChatID))
	log.Printf("Client %s joined room %s", c.id, event.ChatID)
}

// handleLogout removes the given user id from the presence store. The id is
// taken as supplied: no cross-check against this connection's own identity.
func (c *Client) handleLogout(event *logoutEvent) {
	ctx, cancel := storeContext()
	defer cancel()
	if err := c.hub.presence.Remove(ctx, event.UserID); err != nil {
		log.Printf("Presence removal failed for user %s: %v", event.UserID, err)
	}
}

// disconnect reconciles presence, releases memberships, and unregisters the
// connection. Safe to invoke more than once; only the first call acts.
func (c *Client) disconnect() {
	c.closeOnce.Do(func() {
		if c.state == stateAuthenticated {
			c.reconcilePresence()
		}
		c.state = stateClosed

		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}

		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing connection for %s: %v", c.addr, err)
				}
			}
		}
	})
}

// reconcilePresence removes this connection's user from the online set and
// notifies local peers. The membership check and the removal are two store
// calls, not one atomic step: a racing logout_user or reconnect may slip in
// between. Remove is idempotent so the store still converges; the only
// casualty is an occasional duplicated or suppressed is_offline, which is
// advisory traffic.
func (c *Client) reconcilePresence() {
	ctx, cancel := storeContext()
	defer cancel()

	member, err := c.hub.presence.IsMember(ctx, c.userID)
	if err != nil {
		log.Printf("Presence check failed for user %s: %v", c.userID, err)
		return
	}
	if !member {
		return
	}

	if err := c.hub.presence.Remove(ctx, c.userID); err != nil {
		log.Printf("Presence removal failed for user %s: %v", c.userID, err)
		return
	}

	c.hub.BroadcastEvent(eventIsOffline, c.userID, c)
	log.Printf("User %s went offline", c.userID)
}

func (c *Client) readPump() {
	defer c.disconnect()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		c.dispatch(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the WebSocket connection, tolerating the usual
// already-closed errors.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage writes one outbound frame and returns false if the
// connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close frame to the client.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes the frame and drains any queued frames into
// separate messages on the same writer.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		log.Printf("Error creating writer for %s: %v", c.addr, err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}

	if err := w.Close(); err != nil {
		log.Printf("Error closing writer for %s: %v", c.addr, err)
		return false
	}
	return true
}

// handlePing sends a keepalive ping.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping message to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}
