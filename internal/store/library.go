package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-coach/internal/coaching"
)

// Keys the two collections are stored under. They match the layout earlier
// clients wrote so existing data keeps loading.
const (
	HistoryKey   = "peerCoach_sessionHistory"
	ResourcesKey = "peerCoach_resources"
)

// Library holds the session history and resource collections in memory and
// rewrites the whole collection on every mutation. Both are ordered newest
// first.
type Library struct {
	kv  KV
	log *slog.Logger

	mu        sync.RWMutex
	history   []coaching.SessionSummary
	resources []coaching.Resource
}

func NewLibrary(kv KV, log *slog.Logger) *Library {
	return &Library{
		kv:  kv,
		log: log.With(slog.String("component", "library")),
	}
}

// Load reads both collections. A missing key yields an empty collection and
// a value that does not parse is logged and treated as empty. Only backend
// read failures are returned.
func (l *Library) Load(ctx context.Context) error {
	history, err := loadCollection[coaching.SessionSummary](ctx, l, HistoryKey)
	if err != nil {
		return err
	}
	resources, err := loadCollection[coaching.Resource](ctx, l, ResourcesKey)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.history = history
	l.resources = resources
	l.mu.Unlock()

	l.log.Info("library loaded", slog.Int("sessions", len(history)), slog.Int("resources", len(resources)))
	return nil
}

func loadCollection[T any](ctx context.Context, l *Library, key string) ([]T, error) {
	data, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		l.log.Warn("discarding unreadable collection", slog.String("key", key), slog.String("error", err.Error()))
		return nil, nil
	}
	return items, nil
}

// History returns a copy of the saved summaries, newest first.
func (l *Library) History() []coaching.SessionSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]coaching.SessionSummary{}, l.history...)
}

// Resources returns a copy of the resource library, newest first.
func (l *Library) Resources() []coaching.Resource {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]coaching.Resource{}, l.resources...)
}

// SaveSummary prepends summary to the history and persists the collection.
// The in-memory collection only changes when the write succeeds.
func (l *Library) SaveSummary(ctx context.Context, summary coaching.SessionSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]coaching.SessionSummary, 0, len(l.history)+1)
	next = append(next, summary)
	next = append(next, l.history...)
	if err := l.write(ctx, HistoryKey, next); err != nil {
		return err
	}
	l.history = next
	return nil
}

// AddResource validates r, assigns an id when it has none, prepends it and
// persists the collection.
func (l *Library) AddResource(ctx context.Context, r coaching.Resource) (coaching.Resource, error) {
	if r.Type == "" {
		r.Type = coaching.ResourceLink
	}
	if err := r.Validate(); err != nil {
		return coaching.Resource{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]coaching.Resource, 0, len(l.resources)+1)
	next = append(next, r)
	next = append(next, l.resources...)
	if err := l.write(ctx, ResourcesKey, next); err != nil {
		return coaching.Resource{}, err
	}
	l.resources = next
	return r, nil
}

func (l *Library) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := l.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
