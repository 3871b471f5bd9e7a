package interest

import (
	"errors"
	"math/big"
	"time"
)

var errNilModel = errors.New("interest: model not configured")

// IndexState tracks the global borrow index shared by every borrower. The
// index starts at one (in ray) and only ever grows; each borrower's share of
// accrued interest is derived from the snapshot taken when their principal was
// last touched.
type IndexState struct {
	index       *big.Int
	lastAccrual time.Time
}

// NewIndexState initialises a fresh index anchored at the supplied time.
func NewIndexState(start time.Time) *IndexState {
	return &IndexState{
		index:       Ray(),
		lastAccrual: start,
	}
}

// Index returns a copy of the current global index in ray precision.
func (s *IndexState) Index() *big.Int {
	if s == nil || s.index == nil {
		return Ray()
	}
	return new(big.Int).Set(s.index)
}

// LastAccrual reports when the index was last advanced.
func (s *IndexState) LastAccrual() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.lastAccrual
}

// Accrue advances the global index based on the elapsed time and the borrow
// rate implied by current utilisation. Calling it twice at the same instant is
// a no-op, and when nothing is borrowed (or no liquidity exists) only the
// timestamp moves forward since no interest can accrue on nothing.
func (s *IndexState) Accrue(now time.Time, model *Model, borrowed, assets *big.Int) (*big.Int, error) {
	if s == nil || model == nil {
		return nil, errNilModel
	}
	if s.index == nil || s.index.Sign() == 0 {
		s.index = Ray()
	}
	if !now.After(s.lastAccrual) {
		return new(big.Int).Set(s.index), nil
	}
	elapsed := uint64(now.Sub(s.lastAccrual) / time.Second)
	s.lastAccrual = now
	if elapsed == 0 {
		return new(big.Int).Set(s.index), nil
	}
	if borrowed == nil || borrowed.Sign() == 0 || assets == nil || assets.Sign() == 0 {
		return new(big.Int).Set(s.index), nil
	}

	rate := model.BorrowRate(Utilization(borrowed, assets))
	factor := growthFactor(rate, elapsed)
	s.index = rayMul(s.index, factor)
	return new(big.Int).Set(s.index), nil
}

// ProjectedIndex previews what Accrue would return at the supplied instant
// without advancing any state. Read paths use it so a position reported
// healthy cannot become liquidatable the moment an operation accrues.
func (s *IndexState) ProjectedIndex(now time.Time, model *Model, borrowed, assets *big.Int) *big.Int {
	if s == nil || model == nil {
		return s.Index()
	}
	idx := s.Index()
	if !now.After(s.lastAccrual) {
		return idx
	}
	elapsed := uint64(now.Sub(s.lastAccrual) / time.Second)
	if elapsed == 0 {
		return idx
	}
	if borrowed == nil || borrowed.Sign() == 0 || assets == nil || assets.Sign() == 0 {
		return idx
	}
	rate := model.BorrowRate(Utilization(borrowed, assets))
	return rayMul(idx, growthFactor(rate, elapsed))
}

// RealizeDebt converts a borrower's stored principal into the effective debt
// implied by index growth since their snapshot. A position that never borrowed
// (zero principal or zero snapshot) owes exactly zero; it must not pick up a
// spurious interest charge.
func RealizeDebt(principal, userIndex, currentIndex *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	if userIndex == nil || userIndex.Sign() == 0 {
		return big.NewInt(0)
	}
	if currentIndex == nil || currentIndex.Sign() == 0 {
		return new(big.Int).Set(principal)
	}
	debt := new(big.Int).Mul(principal, currentIndex)
	debt.Add(debt, halfUp(userIndex))
	debt.Quo(debt, userIndex)
	return debt
}
