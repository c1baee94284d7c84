package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

type hasStateRequest struct {
	ContextID types.ContextID `json:"context_id"`
}

type hasStateResponse struct {
	Has  bool       `json:"has"`
	Root types.Hash `json:"root"`
}

type snapshotRequest struct {
	ContextID types.ContextID `json:"context_id"`
}

// HTTPTransport connects replicas over plain HTTP with JSON bodies.
// Broadcast fans a delta out to every configured peer; delivery stays
// best effort, matching what the sync layer assumes.
type HTTPTransport struct {
	localID string
	addr    string
	logger  *slog.Logger

	client *http.Client
	server *http.Server

	mu     sync.RWMutex
	peers  map[string]string
	subs   map[types.ContextID][]chan *dag.Delta
	source SnapshotSource
}

// NewHTTPTransport creates a transport listening on addr. Peers are added
// with AddPeer; the snapshot source with SetSource. Call Start before use.
func NewHTTPTransport(localID, addr string, timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	t := &HTTPTransport{
		localID: localID,
		addr:    addr,
		logger:  logger.With("transport", addr),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		peers: make(map[string]string),
		subs:  make(map[types.ContextID][]chan *dag.Delta),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/delta", t.handleDelta)
	mux.HandleFunc("/sync/has_state", t.handleHasState)
	mux.HandleFunc("/sync/snapshot", t.handleSnapshot)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return t
}

// AddPeer registers a peer's base URL, e.g. "http://10.0.0.2:7946".
func (t *HTTPTransport) AddPeer(peerID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = baseURL
}

// SetSource installs the local replica as answerer for peer state queries.
func (t *HTTPTransport) SetSource(source SnapshotSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = source
}

// Start begins serving peer requests.
func (t *HTTPTransport) Start() {
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("transport server failed", "error", err)
		}
	}()
}

// Stop shuts the server down and closes all subscriptions.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	err := t.server.Shutdown(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, chans := range t.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.subs = make(map[types.ContextID][]chan *dag.Delta)
	return err
}

func (t *HTTPTransport) Broadcast(ctx context.Context, d *dag.Delta) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}

	t.mu.RLock()
	targets := make([]string, 0, len(t.peers))
	for id, base := range t.peers {
		if id != t.localID {
			targets = append(targets, base)
		}
	}
	t.mu.RUnlock()

	for _, base := range targets {
		base := base
		go func() {
			if err := t.post(ctx, base+"/sync/delta", body, nil); err != nil {
				t.logger.Debug("broadcast to peer failed", "peer", base, "error", err)
			}
		}()
	}
	return nil
}

func (t *HTTPTransport) Subscribe(contextID types.ContextID) (<-chan *dag.Delta, func(), error) {
	ch := make(chan *dag.Delta, 128)

	t.mu.Lock()
	t.subs[contextID] = append(t.subs[contextID], ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		chans := t.subs[contextID]
		for i, c := range chans {
			if c == ch {
				t.subs[contextID] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (t *HTTPTransport) QueryHasState(ctx context.Context, peerID string, contextID types.ContextID) (bool, types.Hash, error) {
	base, err := t.peerURL(peerID)
	if err != nil {
		return false, types.ZeroHash, err
	}

	body, err := json.Marshal(hasStateRequest{ContextID: contextID})
	if err != nil {
		return false, types.ZeroHash, err
	}

	var resp hasStateResponse
	if err := t.post(ctx, base+"/sync/has_state", body, &resp); err != nil {
		return false, types.ZeroHash, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return resp.Has, resp.Root, nil
}

func (t *HTTPTransport) RequestSnapshot(ctx context.Context, peerID string, contextID types.ContextID) (*Snapshot, error) {
	base, err := t.peerURL(peerID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(snapshotRequest{ContextID: contextID})
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := t.post(ctx, base+"/sync/snapshot", body, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	if snap.State == nil {
		return nil, ErrNoState
	}
	return &snap, nil
}

func (t *HTTPTransport) peerURL(peerID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	base, ok := t.peers[peerID]
	if !ok {
		return "", fmt.Errorf("peer %s: %w", peerID, ErrPeerUnreachable)
	}
	return base, nil
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer returned %d: %s", resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) handleDelta(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := dag.DecodeDelta(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.mu.RLock()
	chans := append([]chan *dag.Delta(nil), t.subs[d.ContextID]...)
	t.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- d:
		default:
			// Slow consumer; the delta will come back via catch-up.
			t.logger.Warn("dropping delta for slow subscriber", "context", string(d.ContextID), "delta", d.ID)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (t *HTTPTransport) handleHasState(w http.ResponseWriter, r *http.Request) {
	var req hasStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.mu.RLock()
	source := t.source
	t.mu.RUnlock()
	if source == nil {
		http.Error(w, "no source", http.StatusServiceUnavailable)
		return
	}

	has, root := source.HasState(req.ContextID)
	writeJSON(w, hasStateResponse{Has: has, Root: root})
}

func (t *HTTPTransport) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.mu.RLock()
	source := t.source
	t.mu.RUnlock()
	if source == nil {
		http.Error(w, "no source", http.StatusServiceUnavailable)
		return
	}

	snap, err := source.SnapshotFor(req.ContextID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
