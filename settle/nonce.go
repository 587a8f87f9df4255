package settle

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceResyncBlocks is how stale the cached account nonce may get before an
// acquire re-reads it from the chain.
const nonceResyncBlocks = 10

// nonceManager hands out strictly increasing nonces for one account on one
// chain. Acquire reserves a slot, commit advances the base, rollback returns
// the slot so the next acquire refills the gap.
type nonceManager struct {
	backend Backend
	account common.Address

	mu            sync.Mutex
	synced        bool
	currentNonce  uint64
	pendingCount  uint64
	lastSyncBlock uint64
}

func newNonceManager(backend Backend, account common.Address) *nonceManager {
	return &nonceManager{backend: backend, account: account}
}

// acquire reserves the next nonce. The cached base is refreshed from the
// chain's pending count when it has never been read or when more than
// nonceResyncBlocks elapsed since the last read.
func (m *nonceManager) acquire(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	block, err := m.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("settle: read block number: %w", err)
	}
	if !m.synced || block-m.lastSyncBlock > nonceResyncBlocks {
		nonce, err := m.backend.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("settle: sync nonce: %w", err)
		}
		m.currentNonce = nonce
		m.lastSyncBlock = block
		m.synced = true
	}
	nonce := m.currentNonce + m.pendingCount
	m.pendingCount++
	return nonce, nil
}

// commit records that the lowest reserved nonce landed on chain.
func (m *nonceManager) commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentNonce++
	if m.pendingCount > 0 {
		m.pendingCount--
	}
}

// rollback releases a reserved nonce after a failed submission so the same
// value is handed out again.
func (m *nonceManager) rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingCount > 0 {
		m.pendingCount--
	}
}
