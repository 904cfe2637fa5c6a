// Package store persists the session history and resource library as JSON
// documents in a key-value backend, and keeps an optional per-session event
// timeline.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/nats-io/nats.go"
)

// KV is the durable key-value surface the library writes through. Values
// are replaced wholesale on every Put.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open returns the backend selected by cfg. js is only consulted for the
// jetstream backend.
func Open(ctx context.Context, cfg config.StoreConfig, js nats.JetStreamContext, log *slog.Logger) (KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg, log)
	case "jetstream":
		if js == nil {
			return nil, errors.New("jetstream store requires a bus connection")
		}
		return OpenJetStream(js, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Memory keeps values in process memory.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Close() error { return nil }
