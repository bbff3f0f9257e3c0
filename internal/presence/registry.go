// Package presence announces this recognition node on the bus and tracks
// the backends offered by its peers.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Bus is the subset of the bus client the registry needs.
type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Source reports the local node's recognition state.
type Source interface {
	Capabilities() []protocol.BackendCapability
	Status() (listening bool, backend string)
}

type Node struct {
	ID           string                       `json:"id"`
	Role         string                       `json:"role"`
	Capabilities []protocol.BackendCapability `json:"capabilities"`
	Listening    bool                         `json:"listening"`
	Backend      string                       `json:"backend"`
	LastSeen     time.Time                    `json:"last_seen"`
	Healthy      bool                         `json:"healthy"`
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    Bus
	source Source

	mu     sync.RWMutex
	nodes  map[string]*Node
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, bus Bus, source Source, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("invalid heartbeat settings: interval %dms, timeout %dms", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		bus:    bus,
		source: source,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := r.bus.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth(time.Now())
		}
	}
}

// Announce publishes the current backend capabilities. Call it again after
// the backends change.
func (r *Registry) Announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.source.Capabilities(),
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	listening, backend := r.source.Status()
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Listening: listening,
		Backend:   backend,
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodeLocked(hb.NodeID)
	node.Listening = hb.Listening
	node.Backend = hb.Backend
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.BackendCapability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodeLocked(nodeID)
	if role != "" {
		node.Role = role
	}
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) nodeLocked(id string) *Node {
	node, ok := r.nodes[id]
	if !ok {
		node = &Node{ID: id}
		r.nodes[id] = node
	}
	return node
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns known nodes sorted by id, filtered by filter when set.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]protocol.BackendCapability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithBackend matches healthy nodes whose named backend is available.
func WithBackend(backend string) func(Node) bool {
	return func(n Node) bool {
		if !n.Healthy {
			return false
		}
		for _, c := range n.Capabilities {
			if c.Backend == backend && c.Available {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-stt/presence")
	nodes, err := meter.Int64ObservableGauge("loqa.stt.nodes", metric.WithDescription("Known recognition nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.stt.nodes_healthy", metric.WithDescription("Recognition nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, up := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

type engineSource struct {
	engine *engine.Engine
}

// EngineSource reports capabilities and status of e.
func EngineSource(e *engine.Engine) Source {
	return engineSource{engine: e}
}

func (s engineSource) Capabilities() []protocol.BackendCapability {
	caps := s.engine.Capabilities()
	out := make([]protocol.BackendCapability, 0, len(caps))
	for kind, c := range caps {
		available := false
		if b, ok := s.engine.Backend(kind); ok {
			available = b.Available()
		}
		out = append(out, protocol.BackendCapability{
			Backend:      kind.String(),
			Available:    available,
			Offline:      c.OfflineCapable,
			RealTime:     c.RealTimeCapable,
			AccuracyTier: c.AccuracyTier,
			Languages:    c.SupportedLanguageCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

func (s engineSource) Status() (bool, string) {
	return s.engine.IsListening(), s.engine.ActiveBackend().String()
}
