// Package orchestrate fans a query out to selected peers, collects their
// replies under per-request deadlines, and reduces them to one aggregated
// result. Per-peer load counters weight future selections.
package orchestrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// maxTotalRequests caps the per-peer request counter so long-lived nodes
// cannot overflow it.
const maxTotalRequests = 1_000_000

// EWMA coefficients for per-peer latency.
const (
	ewmaPrevWeight   = 0.8
	ewmaSampleWeight = 0.2
)

var loadBucket = []byte("load_state")

// AgentLoadState is the per-peer view the selection strategies weigh.
type AgentLoadState struct {
	ActiveRequests  int     `json:"activeRequests"`
	TotalRequests   int64   `json:"totalRequests"`
	TotalErrors     int64   `json:"totalErrors"`
	AverageLatency  float64 `json:"averageLatency"`
	LastRequestTime int64   `json:"lastRequestTime"`
	SuccessRate     float64 `json:"successRate"`
}

// LoadTracker owns the process-wide peer load map. Mutations replace the
// whole map so concurrent readers always see a consistent snapshot; the
// optional bolt file carries the counters across restarts.
type LoadTracker struct {
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	peers map[string]AgentLoadState
	db    *bolt.DB
}

// NewLoadTracker builds an in-memory tracker.
func NewLoadTracker(log *slog.Logger) *LoadTracker {
	if log == nil {
		log = slog.Default()
	}
	return &LoadTracker{
		log:   log.With(slog.String("component", "loadstate")),
		now:   time.Now,
		peers: make(map[string]AgentLoadState),
	}
}

// OpenLoadTracker builds a tracker backed by a bolt snapshot file and
// restores the previous counters. Active request counts are zeroed on
// restore; in-flight work did not survive the restart.
func OpenLoadTracker(path string, log *slog.Logger) (*LoadTracker, error) {
	tracker := NewLoadTracker(log)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("orchestrate: open load snapshot: %w", err)
	}
	tracker.db = db
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(loadBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var state AgentLoadState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("peer %s: %w", k, err)
			}
			state.ActiveRequests = 0
			tracker.peers[string(k)] = state
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orchestrate: restore load snapshot: %w", err)
	}
	return tracker, nil
}

// Close persists a final snapshot and releases the bolt file.
func (t *LoadTracker) Close() error {
	if t.db == nil {
		return nil
	}
	if err := t.Save(); err != nil {
		t.log.Warn("final load snapshot failed", slog.Any("error", err))
	}
	return t.db.Close()
}

// Save writes the current counters to the bolt file. A tracker without a
// backing file saves nothing.
func (t *LoadTracker) Save() error {
	if t.db == nil {
		return nil
	}
	snapshot := t.Snapshot()
	return t.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(loadBucket)
		if err != nil {
			return err
		}
		for peer, state := range snapshot {
			encoded, err := json.Marshal(state)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(peer), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot returns a copy of the whole peer map.
func (t *LoadTracker) Snapshot() map[string]AgentLoadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]AgentLoadState, len(t.peers))
	for peer, state := range t.peers {
		out[peer] = state
	}
	return out
}

// Get returns one peer's state. Unknown peers read as zero.
func (t *LoadTracker) Get(peerID string) AgentLoadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[peerID]
}

// replace swaps in a new map built by mutate over a copy of the current one.
func (t *LoadTracker) replace(mutate func(peers map[string]AgentLoadState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]AgentLoadState, len(t.peers)+1)
	for peer, state := range t.peers {
		next[peer] = state
	}
	mutate(next)
	t.peers = next
}

// MarkSelected bumps the active and total counters for every chosen peer and
// stamps the selection time.
func (t *LoadTracker) MarkSelected(peerIDs []string) {
	now := t.now().UnixMilli()
	t.replace(func(peers map[string]AgentLoadState) {
		for _, id := range peerIDs {
			state := peers[id]
			state.ActiveRequests++
			if state.TotalRequests < maxTotalRequests {
				state.TotalRequests++
			}
			state.LastRequestTime = now
			peers[id] = state
		}
	})
}

// ApplyUpdate folds one response outcome into a peer's counters. Latency
// updates through the EWMA; the success rate is recomputed from the totals.
func (t *LoadTracker) ApplyUpdate(peerID string, latencyMs float64, success bool) {
	t.replace(func(peers map[string]AgentLoadState) {
		state := peers[peerID]
		if state.AverageLatency == 0 {
			state.AverageLatency = latencyMs
		} else {
			state.AverageLatency = ewmaPrevWeight*state.AverageLatency + ewmaSampleWeight*latencyMs
		}
		if !success {
			state.TotalErrors++
		}
		if state.TotalErrors > state.TotalRequests {
			state.TotalErrors = state.TotalRequests
		}
		if state.TotalRequests > 0 {
			state.SuccessRate = float64(state.TotalRequests-state.TotalErrors) / float64(state.TotalRequests)
		}
		peers[peerID] = state
	})
}

// FinalizeRelease decrements the active counter for every peer, never below
// zero. Runs on every orchestration exit path.
func (t *LoadTracker) FinalizeRelease(peerIDs []string) {
	t.replace(func(peers map[string]AgentLoadState) {
		for _, id := range peerIDs {
			state := peers[id]
			if state.ActiveRequests > 0 {
				state.ActiveRequests--
			}
			peers[id] = state
		}
	})
}

// Reset zeroes one peer's counters.
func (t *LoadTracker) Reset(peerID string) {
	t.replace(func(peers map[string]AgentLoadState) {
		delete(peers, peerID)
	})
}

// Validate checks the internal invariants of a state value.
func (s AgentLoadState) Validate() error {
	if s.ActiveRequests < 0 {
		return errors.New("orchestrate: negative active requests")
	}
	if s.TotalErrors > s.TotalRequests {
		return errors.New("orchestrate: errors exceed totals")
	}
	if s.SuccessRate < 0 || s.SuccessRate > 1 {
		return errors.New("orchestrate: success rate out of range")
	}
	return nil
}
