package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/synclave/synclave/pkg/types"
)

// ErrBootstrapExhausted is returned when every bootstrap round failed:
// no peer held state, or no offered snapshot passed verification.
var ErrBootstrapExhausted = errors.New("bootstrap exhausted all peers")

// Start launches the background janitor that watches pending windows and
// evicts stale parked deltas. Call Stop to halt it.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.janitorLoop()
}

func (c *Coordinator) janitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) sweep() {
	c.mu.RLock()
	snapshot := make(map[types.ContextID]*replica, len(c.contexts))
	for id, r := range c.contexts {
		snapshot[id] = r
	}
	c.mu.RUnlock()

	for contextID, r := range snapshot {
		r.intake.Lock()
		if evicted := r.engine.History().EvictStale(c.cfg.PendingMaxAge); evicted > 0 {
			c.logger.Warn("evicted stale pending deltas", "context", string(contextID), "count", evicted)
		}
		c.maybeBootstrap(contextID, r)
		r.intake.Unlock()
	}
}

// maybeBootstrap starts a bootstrap when the replica is uninitialized, or
// when a parked delta has outwaited the pending window. Caller holds the
// replica intake lock.
func (c *Coordinator) maybeBootstrap(contextID types.ContextID, r *replica) {
	if r.bootstrapping {
		return
	}

	trigger := r.status == types.StatusUninitialized
	if !trigger {
		if age, waiting := r.engine.History().OldestPending(); waiting && age >= c.cfg.PendingWindow {
			trigger = true
		}
	}
	if !trigger {
		return
	}

	bctx, cancel := context.WithCancel(context.Background())
	r.bootstrapping = true
	r.bootstrapCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		err := c.bootstrap(bctx, contextID, r)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			// Superseded or shutting down; nothing to report.
		default:
			c.metrics.BootstrapFailures.WithLabelValues(string(contextID)).Inc()
			c.logger.Error("bootstrap failed", "context", string(contextID), "error", err)
		}

		r.intake.Lock()
		r.bootstrapping = false
		r.bootstrapCancel = nil
		r.intake.Unlock()
	}()
}

// bootstrap transfers a verified snapshot from a peer and adopts it,
// retrying with exponential backoff until a round succeeds, the retry
// budget runs out, or ctx is cancelled because direct application caught
// the replica up.
func (c *Coordinator) bootstrap(ctx context.Context, contextID types.ContextID, r *replica) error {
	label := string(contextID)

	round := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		c.metrics.BootstrapAttempts.WithLabelValues(label).Inc()

		peer, err := c.selectPeer(ctx, contextID)
		if err != nil {
			return err
		}

		sctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
		snap, err := c.network.RequestSnapshot(sctx, peer, contextID)
		cancel()
		if err != nil {
			return fmt.Errorf("snapshot from %s: %w", peer, err)
		}

		r.intake.Lock()
		defer r.intake.Unlock()

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		// Verification happens inside Adopt: the snapshot must rehash to
		// the root the peer claimed. A corrupt offer fails the round and
		// the next one tries again, possibly against another peer.
		if err := r.engine.Adopt(snap.State, snap.RootHash); err != nil {
			return fmt.Errorf("snapshot from %s rejected: %w", peer, err)
		}

		r.status = types.StatusSynced
		r.bootstrapping = false
		if err := c.persistLocked(contextID, r); err != nil {
			c.logger.Error("persisting context failed", "context", label, "error", err)
		}

		c.logger.Info("bootstrap complete", "context", label, "peer", peer, "root", r.engine.RootHash())

		// Drain parked deltas that the adopted state unblocked.
		for _, ready := range r.engine.History().Ready() {
			if err := c.applyOne(contextID, r, ready); err != nil {
				break
			}
		}
		c.metrics.DeltasPending.WithLabelValues(label).Set(float64(r.engine.History().Stats().Pending))
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BootstrapBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.BootstrapMaxRetries), ctx)

	if err := backoff.Retry(round, policy); err != nil {
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("%w: %v", ErrBootstrapExhausted, err)
	}
	return nil
}

// selectPeer queries every other member in parallel and returns the first
// responder that holds initialized state.
func (c *Coordinator) selectPeer(ctx context.Context, contextID types.ContextID) (string, error) {
	members, err := c.registry.Members(contextID)
	if err != nil {
		return "", err
	}

	peers := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.PeerID == c.localPeer {
			continue
		}
		if _, dup := seen[m.PeerID]; dup {
			continue
		}
		seen[m.PeerID] = struct{}{}
		peers = append(peers, m.PeerID)
	}
	if len(peers) == 0 {
		return "", errors.New("no peers to bootstrap from")
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(qctx)
	results := make(chan string, len(peers))
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			has, _, err := c.network.QueryHasState(gctx, peer, contextID)
			if err != nil || !has {
				return nil
			}
			results <- peer
			return nil
		})
	}

	// First positive responder wins; a slow or wedged peer must not hold
	// up selection once another peer has answered.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case peer := <-results:
		return peer, nil
	case <-done:
		select {
		case peer := <-results:
			return peer, nil
		default:
			return "", errors.New("no peer holds state")
		}
	}
}
