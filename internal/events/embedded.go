package events

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server for single-box kiosks that
// have no external bus.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a random
// free port.
func StartEmbedded(host string, port int) (*EmbeddedServer, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("events: create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("events: embedded NATS server failed to start within 5 seconds")
	}
	slog.Info("embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string { return e.ns.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
