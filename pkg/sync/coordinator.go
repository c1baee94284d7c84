// Package sync coordinates delta replication per context: intake of peer
// broadcasts, authoring of local deltas, the pending window, and the
// snapshot bootstrap path for replicas that fell behind.
package sync

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synclave/synclave/pkg/clock"
	"github.com/synclave/synclave/pkg/crdt"
	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/events"
	"github.com/synclave/synclave/pkg/merge"
	"github.com/synclave/synclave/pkg/metrics"
	"github.com/synclave/synclave/pkg/state"
	"github.com/synclave/synclave/pkg/storage"
	"github.com/synclave/synclave/pkg/transport"
	"github.com/synclave/synclave/pkg/types"
)

var (
	// ErrUnknownContext is returned for operations on a context this
	// replica never joined.
	ErrUnknownContext = errors.New("unknown context")

	// ErrUnknownAuthor is returned when a delta's author is not a member
	// of the context.
	ErrUnknownAuthor = errors.New("author not in context membership")
)

// Member is one participant of a context as the registry knows it.
type Member struct {
	// PeerID addresses the member on the network.
	PeerID string

	// Identity is the name the member authors deltas under.
	Identity string

	// PublicKey verifies the member's delta signatures.
	PublicKey ed25519.PublicKey
}

// Registry resolves a context's membership. Implementations may back it
// with static config or an external directory.
type Registry interface {
	Members(contextID types.ContextID) ([]Member, error)
}

// StaticRegistry is a fixed membership table, sufficient for clusters
// whose composition is known up front.
type StaticRegistry struct {
	mu      sync.RWMutex
	members map[types.ContextID][]Member
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{members: make(map[types.ContextID][]Member)}
}

func (r *StaticRegistry) Add(contextID types.ContextID, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[contextID] = append(r.members[contextID], m)
}

func (r *StaticRegistry) Members(contextID types.ContextID) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, len(r.members[contextID]))
	copy(out, r.members[contextID])
	return out, nil
}

// Config tunes the coordinator.
type Config struct {
	// PendingWindow is how long a delta may wait for missing parents
	// before the replica gives up on direct delivery and bootstraps.
	PendingWindow time.Duration

	// PendingMaxAge is when parked deltas are evicted outright.
	PendingMaxAge time.Duration

	// QueryTimeout bounds each has-state query during peer selection.
	QueryTimeout time.Duration

	// SnapshotTimeout bounds a full snapshot transfer.
	SnapshotTimeout time.Duration

	// BootstrapMaxRetries caps bootstrap rounds before giving up.
	BootstrapMaxRetries uint64

	// BootstrapBackoff is the initial retry backoff; it grows
	// exponentially between rounds.
	BootstrapBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PendingWindow:       3 * time.Second,
		PendingMaxAge:       5 * time.Minute,
		QueryTimeout:        2 * time.Second,
		SnapshotTimeout:     30 * time.Second,
		BootstrapMaxRetries: 5,
		BootstrapBackoff:    500 * time.Millisecond,
	}
}

type replica struct {
	engine *merge.Engine
	schema *state.Schema
	status types.ReplicaStatus

	// intake serializes merges and bootstrap completion per context.
	intake sync.Mutex

	bootstrapping   bool
	bootstrapCancel context.CancelFunc
	unsubscribe     func()
}

// Coordinator replicates any number of contexts for one node.
type Coordinator struct {
	localPeer     string
	localIdentity string
	signKey       ed25519.PrivateKey

	cfg        Config
	clk        *clock.Clock
	network    transport.Network
	registry   Registry
	dispatcher *events.Dispatcher
	store      storage.Store
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu       sync.RWMutex
	contexts map[types.ContextID]*replica

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator wires a coordinator. The dispatcher must be started by
// the caller; the coordinator only feeds it.
func NewCoordinator(
	localPeer, localIdentity string,
	signKey ed25519.PrivateKey,
	cfg Config,
	clk *clock.Clock,
	network transport.Network,
	registry Registry,
	dispatcher *events.Dispatcher,
	store storage.Store,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector(prometheus.NewRegistry(), localPeer)
	}
	return &Coordinator{
		localPeer:     localPeer,
		localIdentity: localIdentity,
		signKey:       signKey,
		cfg:           cfg,
		clk:           clk,
		network:       network,
		registry:      registry,
		dispatcher:    dispatcher,
		store:         store,
		metrics:       collector,
		logger:        logger.With("peer", localPeer),
		contexts:      make(map[types.ContextID]*replica),
		stopCh:        make(chan struct{}),
	}
}

// JoinContext starts replicating a context. If the store holds a prior
// record the state is restored from it; otherwise the replica starts
// uninitialized and bootstraps on the first delta it cannot apply.
func (c *Coordinator) JoinContext(contextID types.ContextID, schema *state.Schema) error {
	c.mu.Lock()
	if _, ok := c.contexts[contextID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	engine, err := merge.NewEngine(contextID, schema, c.logger)
	if err != nil {
		return err
	}

	r := &replica{engine: engine, schema: schema, status: types.StatusUninitialized}

	rec, err := c.store.LoadContext(contextID)
	switch {
	case err == nil:
		if err := engine.Restore(rec.Snapshot, rec.RootHash); err != nil {
			return err
		}
		engine.History().SeedApplied(rec.Applied)
		r.status = rec.Status
	case errors.Is(err, storage.ErrContextNotFound):
		// Fresh replica. Creator contexts start synced at genesis.
	default:
		return fmt.Errorf("load context %s: %w", contextID, err)
	}

	ch, cancel, err := c.network.Subscribe(contextID)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", contextID, err)
	}
	r.unsubscribe = cancel

	c.mu.Lock()
	c.contexts[contextID] = r
	c.mu.Unlock()

	c.wg.Add(1)
	go c.intakeLoop(contextID, ch)

	c.logger.Info("joined context", "context", string(contextID), "status", r.status.String(), "root", engine.RootHash())
	return nil
}

// CreateContext joins a context as its creator: the replica is synced at
// the genesis state and never bootstraps for it.
func (c *Coordinator) CreateContext(contextID types.ContextID, schema *state.Schema) error {
	if err := c.JoinContext(contextID, schema); err != nil {
		return err
	}

	c.mu.RLock()
	r := c.contexts[contextID]
	c.mu.RUnlock()

	r.intake.Lock()
	defer r.intake.Unlock()
	if r.status == types.StatusUninitialized {
		r.status = types.StatusSynced
		if err := c.persistLocked(contextID, r); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears down subscriptions and in-flight bootstraps. Safe to call
// more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		for _, r := range c.contexts {
			if r.unsubscribe != nil {
				r.unsubscribe()
			}
			r.intake.Lock()
			if r.bootstrapCancel != nil {
				r.bootstrapCancel()
			}
			r.intake.Unlock()
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
}

func (c *Coordinator) intakeLoop(contextID types.ContextID, ch <-chan *dag.Delta) {
	defer c.wg.Done()
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return
			}
			c.OnDeltaReceived(d)
		case <-c.stopCh:
			return
		}
	}
}

// OnDeltaReceived runs the full intake pipeline for one peer delta:
// membership and signature checks, causal classification, merge with
// cascade, and bootstrap triggering when the delta cannot land.
func (c *Coordinator) OnDeltaReceived(d *dag.Delta) {
	c.mu.RLock()
	r, ok := c.contexts[d.ContextID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	label := string(d.ContextID)

	pub, err := c.authorKey(d.ContextID, d.Author)
	if err != nil {
		c.metrics.DeltasRejected.WithLabelValues(label, "unknown_author").Inc()
		c.logger.Warn("dropping delta from unknown author", "context", label, "author", d.Author)
		return
	}
	if !d.Verify(pub) {
		// Unsigned or forged deltas are dropped without response.
		c.metrics.SignatureFailures.WithLabelValues(label).Inc()
		c.logger.Warn("dropping delta with invalid signature", "context", label, "author", d.Author, "delta", d.ID)
		return
	}

	c.clk.Observe(d.Timestamp)

	r.intake.Lock()
	defer r.intake.Unlock()

	applicability, err := r.engine.History().Record(d)
	if err != nil {
		c.metrics.DeltasRejected.WithLabelValues(label, "malformed").Inc()
		c.logger.Warn("rejecting delta", "context", label, "delta", d.ID, "error", err)
		return
	}

	switch applicability {
	case dag.Duplicate:
		return

	case dag.Applicable:
		if r.status == types.StatusUninitialized {
			// First contact happens to be directly applicable: the
			// replica can initialize from it without a snapshot.
			r.status = types.StatusSynced
		}
		c.applyAndCascade(d.ContextID, r, d)

	case dag.Pending:
		c.metrics.DeltasPending.WithLabelValues(label).Set(float64(r.engine.History().Stats().Pending))
		c.maybeBootstrap(d.ContextID, r)
	}
}

// applyAndCascade merges one applicable delta, then drains every parked
// delta the merge unblocked. Caller holds the replica intake lock.
func (c *Coordinator) applyAndCascade(contextID types.ContextID, r *replica, d *dag.Delta) {
	queue := []*dag.Delta{d}
	applied := 0

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if err := c.applyOne(contextID, r, next); err != nil {
			return
		}
		applied++

		for _, ready := range r.engine.History().Ready() {
			queue = append(queue, ready)
		}
	}

	label := string(contextID)
	c.metrics.DeltasPending.WithLabelValues(label).Set(float64(r.engine.History().Stats().Pending))

	if applied > 0 && r.bootstrapping {
		if _, waiting := r.engine.History().OldestPending(); !waiting {
			// Direct application caught us up; the snapshot transfer is
			// now redundant.
			r.bootstrapCancel()
			c.metrics.BootstrapCancelled.WithLabelValues(label).Inc()
			c.logger.Info("bootstrap superseded by direct application", "context", label)
		}
	}
}

func (c *Coordinator) applyOne(contextID types.ContextID, r *replica, d *dag.Delta) error {
	label := string(contextID)
	start := time.Now()

	res, err := r.engine.Apply(d)
	if err != nil {
		var divergence *merge.DivergenceError
		if errors.As(err, &divergence) {
			c.metrics.DivergenceFaults.WithLabelValues(label).Inc()
			return err
		}
		c.metrics.DeltasRejected.WithLabelValues(label, "apply_failed").Inc()
		c.logger.Warn("delta failed to apply", "context", label, "delta", d.ID, "error", err)
		return err
	}
	c.metrics.ApplyDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if res.Replayed {
		return nil
	}

	c.metrics.DeltasApplied.WithLabelValues(label).Inc()

	if err := c.store.AppendDelta(contextID, d); err != nil {
		c.logger.Error("persisting delta failed", "context", label, "delta", d.ID, "error", err)
	}
	if err := c.persistLocked(contextID, r); err != nil {
		c.logger.Error("persisting context failed", "context", label, "error", err)
	}

	if len(res.Events) > 0 {
		if err := c.dispatcher.Dispatch(contextID, d.Author, res.Events); err == nil {
			c.metrics.EventsDispatched.WithLabelValues(label).Add(float64(len(res.Events)))
		}
	}
	return nil
}

// ApplyLocal authors a delta from local changes, merges it, persists it,
// and broadcasts it. The returned delta is sealed.
func (c *Coordinator) ApplyLocal(ctx context.Context, contextID types.ContextID, changes map[string]crdt.Value, evs []dag.Event) (*dag.Delta, error) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}

	r.intake.Lock()
	defer r.intake.Unlock()

	d, err := r.engine.Propose(c.localIdentity, c.clk.Now(), changes, evs)
	if err != nil {
		return nil, err
	}
	if err := d.Seal(c.signKey); err != nil {
		return nil, fmt.Errorf("seal delta: %w", err)
	}

	label := string(contextID)
	if r.status == types.StatusUninitialized {
		r.status = types.StatusSynced
	}
	if err := c.store.AppendDelta(contextID, d); err != nil {
		c.logger.Error("persisting delta failed", "context", label, "delta", d.ID, "error", err)
	}
	if err := c.persistLocked(contextID, r); err != nil {
		c.logger.Error("persisting context failed", "context", label, "error", err)
	}

	if err := c.network.Broadcast(ctx, d); err != nil {
		c.logger.Warn("broadcast failed", "context", label, "delta", d.ID, "error", err)
	} else {
		c.metrics.DeltasBroadcast.WithLabelValues(label).Inc()
	}

	return d, nil
}

// Read returns a copy of a field's current value.
func (c *Coordinator) Read(contextID types.ContextID, field string) (crdt.Value, error) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	v, ok := r.engine.Read(field)
	if !ok {
		return nil, fmt.Errorf("field %q not in schema", field)
	}
	return v, nil
}

// RootHash returns the context's current root hash.
func (c *Coordinator) RootHash(contextID types.ContextID) (types.Hash, error) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return types.ZeroHash, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	return r.engine.RootHash(), nil
}

// Status returns the replica's lifecycle status for the context.
func (c *Coordinator) Status(contextID types.ContextID) (types.ReplicaStatus, error) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return types.StatusUninitialized, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	r.intake.Lock()
	defer r.intake.Unlock()
	return r.status, nil
}

// HasState implements transport.SnapshotSource.
func (c *Coordinator) HasState(contextID types.ContextID) (bool, types.Hash) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return false, types.ZeroHash
	}

	r.intake.Lock()
	defer r.intake.Unlock()
	if r.status != types.StatusSynced {
		return false, types.ZeroHash
	}
	return true, r.engine.RootHash()
}

// SnapshotFor implements transport.SnapshotSource.
func (c *Coordinator) SnapshotFor(contextID types.ContextID) (*transport.Snapshot, error) {
	c.mu.RLock()
	r, ok := c.contexts[contextID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoState, contextID)
	}

	r.intake.Lock()
	defer r.intake.Unlock()
	if r.status != types.StatusSynced {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoState, contextID)
	}

	snap, err := r.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	return &transport.Snapshot{
		ContextID: contextID,
		RootHash:  r.engine.RootHash(),
		State:     snap,
	}, nil
}

func (c *Coordinator) authorKey(contextID types.ContextID, identity string) (ed25519.PublicKey, error) {
	members, err := c.registry.Members(contextID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.Identity == identity {
			return m.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAuthor, identity)
}

// persistLocked writes the full context record. Caller holds the replica
// intake lock.
func (c *Coordinator) persistLocked(contextID types.ContextID, r *replica) error {
	snap, err := r.engine.Snapshot()
	if err != nil {
		return err
	}
	return c.store.SaveContext(&storage.ContextRecord{
		ContextID: contextID,
		RootHash:  r.engine.RootHash(),
		Status:    r.status,
		Snapshot:  snap,
		Applied:   r.engine.History().AppliedIDs(),
	})
}
