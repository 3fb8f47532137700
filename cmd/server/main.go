package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/relay/internal/server"
)

func main() {
	log.Println("Starting relay server...")

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	rdb := server.NewRedisClient(config)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Keep running: the client reconnects on its own and presence
		// operations degrade to logged failures in the meantime.
		log.Printf("Redis not reachable at startup: %v", err)
	}
	cancelPing()

	presence := server.NewPresenceStore(rdb, config.RedisPrefix, config.PresenceTTL)
	hub := server.NewHub(presence)
	go hub.Run()
	log.Println("Hub started and ready to manage WebSocket connections")

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	bus := server.NewBus(rdb, hub)
	go bus.Listen(busCtx)

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown incomplete: %v", err)
	}
	if err := hub.Shutdown(10 * time.Second); err != nil {
		log.Printf("Hub shutdown incomplete: %v", err)
	}
	cancelBus()

	log.Println("Relay server stopped")
}
