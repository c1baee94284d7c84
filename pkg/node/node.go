// Package node assembles a full replica: storage, clock, event
// dispatcher, sync coordinator, and metrics, behind one lifecycle.
package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/events"
	"github.com/synclave/synclave/pkg/metrics"
	"github.com/synclave/synclave/pkg/state"
	"github.com/synclave/synclave/pkg/storage"
	"github.com/synclave/synclave/pkg/sync"
	"github.com/synclave/synclave/pkg/transport"
	"github.com/synclave/synclave/pkg/types"
)

// StateReader gives application code read access to a context's fields
// during execution.
type StateReader interface {
	Read(field string) (crdt.Value, error)
}

// Executor runs an application entrypoint against current state and
// returns the field values it modified plus the events it emitted. The
// returned values must be full CRDT values, not diffs.
type Executor interface {
	Execute(ctx context.Context, contextID types.ContextID, entrypoint string, payload []byte, reader StateReader) (map[string]crdt.Value, []dag.Event, error)
}

// Node is one replica participating in any number of contexts.
type Node struct {
	id       string
	identity string
	config   *Config

	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey

	clk         *clock.Clock
	storage     storage.Store
	dispatcher  *events.Dispatcher
	coordinator *sync.Coordinator
	collector   *metrics.Collector
	executor    Executor
	logger      *slog.Logger

	mu      gosync.Mutex
	started bool
	stopped bool
}

// NewNode creates a node wired to the given network and membership
// registry. The metrics registerer may be nil to skip registration.
func NewNode(config *Config, network transport.Network, registry sync.Registry, reg prometheus.Registerer, logger *slog.Logger) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	if config.Identity == "" {
		config.Identity = config.NodeID
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	store, err := storage.NewStore(config.StorageEngine, config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	n := &Node{
		id:        config.NodeID,
		identity:  config.Identity,
		config:    config,
		signKey:   priv,
		pubKey:    pub,
		clk:       clock.New(config.NodeID),
		storage:   store,
		collector: metrics.NewCollector(reg, config.NodeID),
		logger:    logger.With("node", config.NodeID),
	}

	n.dispatcher = events.NewDispatcher(config.Identity, config.EventQueueDepth, n.logger)

	syncCfg := sync.Config{
		PendingWindow:       config.PendingWindow.Std(),
		PendingMaxAge:       config.PendingMaxAge.Std(),
		QueryTimeout:        config.QueryTimeout.Std(),
		SnapshotTimeout:     config.SnapshotTimeout.Std(),
		BootstrapMaxRetries: config.BootstrapMaxRetries,
		BootstrapBackoff:    config.BootstrapBackoff.Std(),
	}
	n.coordinator = sync.NewCoordinator(
		config.NodeID, config.Identity, priv,
		syncCfg, n.clk, network, registry,
		n.dispatcher, store, n.collector, n.logger,
	)

	return n, nil
}

// ID returns the node's network id.
func (n *Node) ID() string { return n.id }

// Identity returns the name this node authors deltas under.
func (n *Node) Identity() string { return n.identity }

// PublicKey returns the node's verification key, for registration in the
// membership registry.
func (n *Node) PublicKey() ed25519.PublicKey { return n.pubKey }

// SetExecutor installs the application logic used by Execute.
func (n *Node) SetExecutor(e Executor) { n.executor = e }

// Coordinator exposes the sync layer, which also implements
// transport.SnapshotSource for hub attachment.
func (n *Node) Coordinator() *sync.Coordinator { return n.coordinator }

// Start launches background work. Safe to call once.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("node %s already started", n.id)
	}
	n.started = true

	n.dispatcher.Start()
	n.coordinator.Start()
	n.logger.Info("node started", "identity", n.identity)
	return nil
}

// Stop halts replication, drains event delivery, and closes storage.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true

	n.coordinator.Stop()
	n.dispatcher.Stop()
	err := n.storage.Close()
	n.logger.Info("node stopped")
	return err
}

// CreateContext makes this node the creator of a new context: it starts
// synced at the genesis state.
func (n *Node) CreateContext(contextID types.ContextID, schema *state.Schema) error {
	return n.coordinator.CreateContext(contextID, schema)
}

// JoinContext starts replicating an existing context. The replica stays
// uninitialized until a delta applies directly or a bootstrap completes.
func (n *Node) JoinContext(contextID types.ContextID, schema *state.Schema) error {
	return n.coordinator.JoinContext(contextID, schema)
}

// Subscribe registers a handler for a context's remote events.
func (n *Node) Subscribe(contextID types.ContextID, h events.Handler) {
	n.dispatcher.Subscribe(contextID, h)
}

// Read returns a copy of a field's current value.
func (n *Node) Read(contextID types.ContextID, field string) (crdt.Value, error) {
	return n.coordinator.Read(contextID, field)
}

// RootHash returns a context's current root hash.
func (n *Node) RootHash(contextID types.ContextID) (types.Hash, error) {
	return n.coordinator.RootHash(contextID)
}

// Execute runs an application entrypoint, seals its changes into a
// delta, applies it locally, and broadcasts it. Events emitted by the
// entrypoint ride in the delta and fire on every other replica, never on
// this one.
func (n *Node) Execute(ctx context.Context, contextID types.ContextID, entrypoint string, payload []byte) (*dag.Delta, error) {
	if n.executor == nil {
		return nil, fmt.Errorf("node %s has no executor installed", n.id)
	}

	reader := contextReader{coordinator: n.coordinator, contextID: contextID}
	changes, evs, err := n.executor.Execute(ctx, contextID, entrypoint, payload, reader)
	if err != nil {
		return nil, fmt.Errorf("entrypoint %q: %w", entrypoint, err)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	return n.coordinator.ApplyLocal(ctx, contextID, changes, evs)
}

type contextReader struct {
	coordinator *sync.Coordinator
	contextID   types.ContextID
}

func (r contextReader) Read(field string) (crdt.Value, error) {
	return r.coordinator.Read(r.contextID, field)
}
