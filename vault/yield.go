package vault

import (
	"fmt"
	"math/big"
	"sync"
)

// YieldSource is the opaque external venue the pool parks idle liquidity in.
// The pool only relies on deposit/withdraw/balance semantics; strategy
// mechanics stay outside the core.
type YieldSource interface {
	Deposit(amount *big.Int) error
	Withdraw(amount *big.Int) error
	RedeemableBalance() (*big.Int, error)
}

// MemorySource is an in-memory yield source used for tests and as the
// default venue when no external strategy is wired. An optional availability
// cap simulates a venue that holds more than it can redeem immediately.
type MemorySource struct {
	mu        sync.Mutex
	balance   *big.Int
	available *big.Int // nil means everything is redeemable
}

// NewMemorySource constructs an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{balance: big.NewInt(0)}
}

// SetAvailable caps the immediately redeemable balance. Pass nil to lift the
// cap again.
func (s *MemorySource) SetAvailable(limit *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit == nil {
		s.available = nil
		return
	}
	s.available = new(big.Int).Set(limit)
}

// Balance reports the total amount held by the source, redeemable or not.
func (s *MemorySource) Balance() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance)
}

func (s *MemorySource) Deposit(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("vault: source deposit amount invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = new(big.Int).Add(s.balance, amount)
	return nil
}

func (s *MemorySource) Withdraw(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("vault: source withdraw amount invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	redeemable := s.redeemableLocked()
	if redeemable.Cmp(amount) < 0 {
		return fmt.Errorf("vault: source can redeem %s, requested %s", redeemable, amount)
	}
	s.balance = new(big.Int).Sub(s.balance, amount)
	if s.available != nil {
		s.available = new(big.Int).Sub(s.available, amount)
	}
	return nil
}

func (s *MemorySource) RedeemableBalance() (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redeemableLocked(), nil
}

func (s *MemorySource) redeemableLocked() *big.Int {
	if s.available == nil || s.available.Cmp(s.balance) > 0 {
		return new(big.Int).Set(s.balance)
	}
	return new(big.Int).Set(s.available)
}
