package interest

import (
	"math/big"
	"testing"
	"time"
)

func TestAccrueGrowsIndexMonotonically(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	state := NewIndexState(start)
	model := NewModel(200, 400, 6000, 8000)

	borrowed := big.NewInt(500)
	assets := big.NewInt(1000)

	prev := state.Index()
	now := start
	for i := 0; i < 10; i++ {
		now = now.Add(6 * time.Hour)
		next, err := state.Accrue(now, model, borrowed, assets)
		if err != nil {
			t.Fatalf("accrue: %v", err)
		}
		if next.Cmp(prev) < 0 {
			t.Fatalf("index decreased: %s -> %s", prev, next)
		}
		prev = next
	}
	if prev.Cmp(Ray()) <= 0 {
		t.Fatalf("expected index growth above one, got %s", prev)
	}
}

func TestAccrueIdempotentAtSameInstant(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	state := NewIndexState(start)
	model := NewModel(200, 400, 6000, 8000)

	now := start.Add(time.Hour)
	first, err := state.Accrue(now, model, big.NewInt(500), big.NewInt(1000))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	second, err := state.Accrue(now, model, big.NewInt(500), big.NewInt(1000))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Fatalf("expected idempotent accrual, got %s then %s", first, second)
	}
}

func TestAccrueSkipsIndexWithoutBorrows(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	state := NewIndexState(start)
	model := NewModel(200, 400, 6000, 8000)

	now := start.Add(24 * time.Hour)
	idx, err := state.Accrue(now, model, big.NewInt(0), big.NewInt(1000))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if idx.Cmp(Ray()) != 0 {
		t.Fatalf("expected untouched index with zero borrows, got %s", idx)
	}
	if !state.LastAccrual().Equal(now) {
		t.Fatalf("expected timestamp to advance to %s, got %s", now, state.LastAccrual())
	}

	// Zero assets behaves the same way.
	later := now.Add(24 * time.Hour)
	idx, err = state.Accrue(later, model, big.NewInt(500), big.NewInt(0))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if idx.Cmp(Ray()) != 0 {
		t.Fatalf("expected untouched index with zero assets, got %s", idx)
	}
}

func TestAccrueFullYearAtKnownRate(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	state := NewIndexState(start)
	// Flat 100% utilisation rate of exactly 0.5 per year: base 0.5, no slopes.
	model := NewModel(5000, 0, 0, 10_000)

	now := start.Add(secondsPerYear * time.Second)
	idx, err := state.Accrue(now, model, big.NewInt(1000), big.NewInt(1000))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	want := new(big.Int).Mul(Ray(), big.NewInt(3))
	want.Quo(want, big.NewInt(2))
	if idx.Cmp(want) != 0 {
		t.Fatalf("unexpected index after one year: got %s want %s", idx, want)
	}
}

func TestProjectedIndexMatchesAccrueWithoutAdvancing(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	state := NewIndexState(start)
	model := NewModel(200, 400, 6000, 8000)

	now := start.Add(30 * 24 * time.Hour)
	projected := state.ProjectedIndex(now, model, big.NewInt(500), big.NewInt(1000))

	if state.Index().Cmp(Ray()) != 0 {
		t.Fatalf("projection must not move the index, got %s", state.Index())
	}
	if !state.LastAccrual().Equal(start) {
		t.Fatalf("projection must not advance the clock, got %s", state.LastAccrual())
	}

	accrued, err := state.Accrue(now, model, big.NewInt(500), big.NewInt(1000))
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if projected.Cmp(accrued) != 0 {
		t.Fatalf("projection %s diverges from accrual %s", projected, accrued)
	}
}

func TestRealizeDebt(t *testing.T) {
	idxStart := Ray()
	idxGrown := new(big.Int).Mul(Ray(), big.NewInt(11))
	idxGrown.Quo(idxGrown, big.NewInt(10))

	debt := RealizeDebt(big.NewInt(1000), idxStart, idxGrown)
	if debt.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("unexpected effective debt: %s", debt)
	}

	if d := RealizeDebt(big.NewInt(0), idxStart, idxGrown); d.Sign() != 0 {
		t.Fatalf("zero principal must owe zero, got %s", d)
	}
	if d := RealizeDebt(big.NewInt(1000), big.NewInt(0), idxGrown); d.Sign() != 0 {
		t.Fatalf("never-borrowed snapshot must owe zero, got %s", d)
	}
	if d := RealizeDebt(nil, idxStart, idxGrown); d.Sign() != 0 {
		t.Fatalf("nil principal must owe zero, got %s", d)
	}
}
