package capability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Node is what the registry knows about one peer. Alive is computed from
// LastSeen when the node is read.
type Node struct {
	ID           string                    `json:"id"`
	Role         string                    `json:"role"`
	Capabilities []protocol.NodeCapability `json:"capabilities"`
	LastSeen     time.Time                 `json:"last_seen"`
	Alive        bool                      `json:"alive"`
}

// Provides reports whether n advertises the named capability.
func (n Node) Provides(name string) bool {
	return slices.ContainsFunc(n.Capabilities, func(c protocol.NodeCapability) bool { return c.Name == name })
}

// Registry tracks the nodes on the bus and what each one can do. The coach
// uses it to find capture and playback devices before sending requests.
type Registry struct {
	cfg     config.NodeConfig
	self    protocol.NodePresence
	bus     *bus.Client
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu    sync.RWMutex
	nodes map[string]Node

	sub       *nats.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	caps := make([]protocol.NodeCapability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, protocol.NodeCapability{Name: c.Name, Tier: c.Tier, Attributes: c.Attributes})
	}
	r := &Registry{
		cfg:     cfg,
		self:    protocol.NodePresence{NodeID: cfg.ID, Role: cfg.Role, Capabilities: caps},
		bus:     busClient,
		log:     log.With(slog.String("component", "capability-registry")),
		now:     time.Now,
		timeout: time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		nodes:   make(map[string]Node),
		done:    make(chan struct{}),
	}

	sub, err := bus.SubscribeJSON(busClient, protocol.SubjectNodePresence, r.handlePresence)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectNodePresence, err)
	}
	r.sub = sub
	if err := r.registerMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	r.seen(r.self, r.now())
	if err := r.publish(false); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.heartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	return r, nil
}

// Close tells peers this node is leaving and stops heartbeating.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		if err := r.publish(true); err != nil {
			r.log.Debug("failed to publish leave", slog.String("error", err.Error()))
		}
		_ = r.sub.Drain()
	})
}

func (r *Registry) heartbeat(ctx context.Context, every time.Duration) {
	defer close(r.done)
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publish(false); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) publish(leaving bool) error {
	msg := r.self
	msg.Timestamp = r.now().UTC()
	msg.Leaving = leaving
	return r.bus.PublishJSON(protocol.SubjectNodePresence, msg)
}

func (r *Registry) handlePresence(p protocol.NodePresence) {
	if p.NodeID == "" {
		return
	}
	if p.Leaving {
		if p.NodeID == r.cfg.ID {
			return
		}
		r.mu.Lock()
		delete(r.nodes, p.NodeID)
		r.mu.Unlock()
		r.log.Info("node left", slog.String("node_id", p.NodeID))
		return
	}

	// Peer clocks are not trusted; liveness runs on the local clock.
	if r.seen(p, r.now()) {
		r.log.Info("node joined", slog.String("node_id", p.NodeID), slog.String("role", p.Role), slog.Int("capabilities", len(p.Capabilities)))
	}
}

// seen records p and reports whether the node was new.
func (r *Registry) seen(p protocol.NodePresence, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.nodes[p.NodeID]
	r.nodes[p.NodeID] = Node{ID: p.NodeID, Role: p.Role, Capabilities: p.Capabilities, LastSeen: at}
	return !known
}

func (r *Registry) alive(n Node, now time.Time) bool {
	return r.timeout <= 0 || now.Sub(n.LastSeen) <= r.timeout
}

// Nodes returns every known node sorted by id.
func (r *Registry) Nodes() []Node {
	now := r.now()
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		n.Alive = r.alive(n, now)
		out = append(out, n)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Providers returns the live nodes advertising the named capability.
func (r *Registry) Providers(name string) []Node {
	var out []Node
	for _, n := range r.Nodes() {
		if n.Alive && n.Provides(name) {
			out = append(out, n)
		}
	}
	return out
}

// HasCapability reports whether a live node advertises the named
// capability.
func (r *Registry) HasCapability(name string) bool {
	return len(r.Providers(name)) > 0
}

func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-coach/capability")
	nodes, err := meter.Int64ObservableGauge("coach.bus.nodes", metric.WithDescription("Nodes seen on the bus by liveness"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var alive, stale int64
		for _, n := range r.Nodes() {
			if n.Alive {
				alive++
			} else {
				stale++
			}
		}
		obs.ObserveInt64(nodes, alive, metric.WithAttributes(attribute.Bool("alive", true)))
		obs.ObserveInt64(nodes, stale, metric.WithAttributes(attribute.Bool("alive", false)))
		return nil
	}, nodes)
	return err
}
