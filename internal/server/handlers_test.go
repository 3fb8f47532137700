package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server, string) {
	t.Helper()

	SetConfig(&Config{AllowedOrigins: []string{"*"}})
	t.Cleanup(func() { SetConfig(nil) })

	hub, _ := newTestHub(t)
	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return hub, srv, wsURL
}

// wsConn wraps a client connection with a background reader. Frames are
// consumed from a channel instead of with per-call read deadlines, because
// gorilla makes any read error (including an expected timeout) sticky,
// which would poison the connection for later reads.
type wsConn struct {
	*websocket.Conn
	frames chan []byte
}

func dialWS(t *testing.T, wsURL string) *wsConn {
	t.Helper()

	header := http.Header{"Origin": {"http://localhost:8080"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsConn{Conn: conn, frames: make(chan []byte, 32)}
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				close(c.frames)
				return
			}
			c.frames <- raw
		}
	}()
	return c
}

func wsSend(t *testing.T, conn *wsConn, frame string) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func wsRead(t *testing.T, conn *wsConn) Envelope {
	t.Helper()

	select {
	case raw, ok := <-conn.frames:
		if !ok {
			t.Fatal("ReadMessage failed: connection closed")
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("invalid frame %q: %v", raw, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage failed: timed out waiting for frame")
		return Envelope{}
	}
}

func wsExpectSilence(t *testing.T, conn *wsConn, wait time.Duration) {
	t.Helper()

	select {
	case raw, ok := <-conn.frames:
		if ok {
			t.Fatalf("Expected no frame, got %s", raw)
		}
	case <-time.After(wait):
	}
}

// TestHealthEndpoint verifies the load-balancer health check answers with
// the static confirmation string.
func TestHealthEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Reading body failed: %v", err)
	}
	if !strings.Contains(string(body), "running") {
		t.Errorf("Expected confirmation string, got %q", body)
	}
}

// TestWebSocketRejectsNonGet verifies the upgrade endpoint only accepts GET.
func TestWebSocketRejectsNonGet(t *testing.T) {
	_, srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/ws", "text/plain", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("POST /ws failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

// TestWebSocketBlockedOrigin verifies the handshake is refused for origins
// outside the allow-list.
func TestWebSocketBlockedOrigin(t *testing.T) {
	SetConfig(&Config{AllowedOrigins: []string{"http://allowed.example"}})
	t.Cleanup(func() { SetConfig(nil) })

	hub, _ := newTestHub(t)
	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": {"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake to fail for disallowed origin")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// TestRelayEndToEnd drives the full client lifecycle over real sockets:
// auth, presence notifications, room join, message delivery, and the
// is_offline broadcast on disconnect.
func TestRelayEndToEnd(t *testing.T) {
	hub, _, wsURL := newTestServer(t)

	connB := dialWS(t, wsURL)
	connA := dialWS(t, wsURL)

	// Auth A: caller sees authenticated then is_online; B hears is_online.
	wsSend(t, connA, `{"event":"auth","data":{"id":"u1","name":"Ann"}}`)

	frame := wsRead(t, connA)
	if frame.Event != "authenticated" {
		t.Fatalf("Expected authenticated, got %q", frame.Event)
	}
	frame = wsRead(t, connA)
	if frame.Event != "is_online" {
		t.Fatalf("Expected is_online to caller, got %q", frame.Event)
	}
	frame = wsRead(t, connB)
	if frame.Event != "is_online" {
		t.Fatalf("Expected is_online broadcast, got %q", frame.Event)
	}

	// Join and send: sender receives the stamped message back.
	wsSend(t, connA, `{"event":"join_room","data":{"chat_id":"42"}}`)
	wsSend(t, connA, `{"event":"send_message","data":{"chat_id":"42","message":"hi"}}`)

	frame = wsRead(t, connA)
	if frame.Event != "new_message" {
		t.Fatalf("Expected new_message, got %q", frame.Event)
	}
	var data map[string]any
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("new_message payload does not parse: %v", err)
	}
	if data["message"] != "hi" || data["chat_id"] != "42" {
		t.Errorf("Expected message fields preserved, got %v", data)
	}
	timestamp, ok := data["timestamp"].(string)
	if !ok {
		t.Fatalf("Expected timestamp string, got %v", data["timestamp"])
	}
	if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
		t.Errorf("Timestamp %q does not parse: %v", timestamp, err)
	}

	// B never joined room 42 and must not see the message.
	wsExpectSilence(t, connB, 200*time.Millisecond)

	// Closing A removes u1 from the online set and notifies B exactly once.
	if err := connA.Close(); err != nil {
		t.Fatalf("Closing connection failed: %v", err)
	}

	frame = wsRead(t, connB)
	if frame.Event != "is_offline" {
		t.Fatalf("Expected is_offline, got %q", frame.Event)
	}
	var userID string
	if err := json.Unmarshal(frame.Data, &userID); err != nil || userID != "u1" {
		t.Errorf("Expected is_offline payload \"u1\", got %s", frame.Data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		member, err := hub.presence.IsMember(context.Background(), "u1")
		if err != nil {
			t.Fatalf("IsMember failed: %v", err)
		}
		if !member {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected u1 removed from online set after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestValidationErrorsOverSocket verifies field validation replies on the
// wire: one error frame, no deliveries.
func TestValidationErrorsOverSocket(t *testing.T) {
	_, _, wsURL := newTestServer(t)

	conn := dialWS(t, wsURL)

	wsSend(t, conn, `{"event":"join_room","data":{"chat_id":"42"}}`)
	wsSend(t, conn, `{"event":"send_message","data":{"chat_id":"42"}}`)

	frame := wsRead(t, conn)
	if frame.Event != "error" {
		t.Fatalf("Expected error frame, got %q", frame.Event)
	}
	wsExpectSilence(t, conn, 200*time.Millisecond)
}
