// Package bustest starts an embedded NATS server for package tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/natsserver"
)

// Start launches an embedded server on a random port with JetStream stored in
// a temp dir and returns a connected client. Both are torn down with t.
func Start(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
