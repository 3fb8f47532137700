package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestHub creates a running hub backed by an in-process Redis. Both are
// torn down with the test.
func newTestHub(t *testing.T) (*Hub, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(NewPresenceStore(client, "", 100*time.Second))
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	return hub, mr
}

// registerClient registers a pump-less client with the hub and waits until
// the registration has been processed.
func registerClient(t *testing.T, hub *Hub) *Client {
	t.Helper()

	before := hub.ClientCount()
	client := NewClient(nil, hub, "test-conn")

	select {
	case hub.register <- client:
	case <-time.After(time.Second):
		t.Fatal("timed out registering test client")
	}

	waitForClients(t, hub, before+1)
	return client
}

// waitForClients polls until the hub registry reaches the wanted size.
func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d registered clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readFrame pops the next queued frame for the client and decodes the
// envelope, failing the test on timeout.
func readFrame(t *testing.T, client *Client) Envelope {
	t.Helper()

	select {
	case payload := <-client.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("invalid frame %q: %v", payload, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

// assertNoFrame verifies the client receives nothing within the wait window.
func assertNoFrame(t *testing.T, client *Client, wait time.Duration) {
	t.Helper()

	select {
	case payload := <-client.send:
		t.Fatalf("unexpected frame: %s", payload)
	case <-time.After(wait):
	}
}
