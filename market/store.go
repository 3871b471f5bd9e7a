package market

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BadDebtSink is the pseudo-address whose position absorbs unrecoverable
// debt left behind by under-collateralized liquidations. It participates in
// the principal-sum invariant like any other borrower.
var BadDebtSink = common.HexToAddress("0x000000000000000000000000000000000bad0deb")

// Store persists positions. GetPosition returns nil without error for
// addresses that never interacted with the market.
type Store interface {
	GetPosition(addr common.Address) (*Position, error)
	PutPosition(pos *Position) error
	// EachPosition visits every stored position in first-seen order. The
	// callback receives a copy it may freely mutate.
	EachPosition(fn func(*Position) error) error
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments. Iteration order is insertion order, which keeps market-wide
// scans deterministic.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[common.Address]*Position
	order     []common.Address
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[common.Address]*Position)}
}

func (s *MemoryStore) GetPosition(addr common.Address) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.positions[addr]; ok {
		return pos.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) PutPosition(pos *Position) error {
	if pos == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.Addr]; !ok {
		s.order = append(s.order, pos.Addr)
	}
	s.positions[pos.Addr] = pos.Clone()
	return nil
}

func (s *MemoryStore) EachPosition(fn func(*Position) error) error {
	s.mu.RLock()
	snapshot := make([]*Position, 0, len(s.order))
	for _, addr := range s.order {
		snapshot = append(snapshot, s.positions[addr].Clone())
	}
	s.mu.RUnlock()
	for _, pos := range snapshot {
		if err := fn(pos); err != nil {
			return err
		}
	}
	return nil
}
