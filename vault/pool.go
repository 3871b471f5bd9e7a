package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"openlend/guard"
)

var (
	// ErrInvalidAmount rejects zero or negative quantities at entry.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
	// ErrInsufficientLiquidity means the pool cannot deliver the requested
	// assets right now. It is an availability limit, not a statement about
	// share value.
	ErrInsufficientLiquidity = errors.New("vault: insufficient liquidity")
	// ErrInsufficientShares means the owner does not hold enough shares to
	// cover the redemption.
	ErrInsufficientShares = errors.New("vault: insufficient shares")
	// ErrLedgerBound guards the one-time ledger link.
	ErrLedgerBound = errors.New("vault: ledger already bound")
	// ErrTransitionIncomplete reports a yield-source change that redeemed
	// the old position but could not redeploy; funds are parked idle.
	ErrTransitionIncomplete = errors.New("vault: yield source transition incomplete")
)

// LoanBook reports what the ledger currently owes back to the pool,
// principal plus accrued interest. Bound once at construction time.
type LoanBook interface {
	OutstandingLoans() *big.Int
}

// Pool owns the loan-asset liquidity and its share accounting. Deposited
// assets are forwarded to the configured yield source up to the allocation
// cap; the remainder stays idle for fast withdrawals.
type Pool struct {
	gd      guard.Lock
	stateMu sync.RWMutex

	idle        *big.Int
	deployed    *big.Int
	totalShares *big.Int
	shares      map[common.Address]*big.Int

	source        YieldSource
	loans         LoanBook
	gateIssued    bool
	transitioning bool

	// allocationCapBps bounds the fraction of incoming liquidity pushed to
	// the yield source; the rest stays idle.
	allocationCapBps uint64
}

// NewPool constructs a pool over the supplied yield source. A nil source
// keeps everything idle. The allocation cap is expressed in basis points.
func NewPool(source YieldSource, allocationCapBps uint64) (*Pool, error) {
	if allocationCapBps > 10_000 {
		return nil, fmt.Errorf("vault: allocation cap %d exceeds 100%%", allocationCapBps)
	}
	return &Pool{
		idle:             big.NewInt(0),
		deployed:         big.NewInt(0),
		totalShares:      big.NewInt(0),
		shares:           make(map[common.Address]*big.Int),
		source:           source,
		allocationCapBps: allocationCapBps,
	}, nil
}

// BindLedger links the pool to the ledger's loan book and issues the
// privileged gate used for admin borrow/repay. It can only succeed once.
func (p *Pool) BindLedger(book LoanBook) (*LedgerGate, error) {
	if book == nil {
		return nil, fmt.Errorf("vault: loan book required")
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.gateIssued {
		return nil, ErrLedgerBound
	}
	p.loans = book
	p.gateIssued = true
	return &LedgerGate{pool: p}, nil
}

// TotalAssets sums idle holdings, assets deployed to the yield source and
// the outstanding loans owed back by the ledger. Omitting any term would
// mis-price shares.
func (p *Pool) TotalAssets() *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.totalAssetsLocked()
}

func (p *Pool) totalAssetsLocked() *big.Int {
	total := new(big.Int).Add(p.idle, p.deployedValueLocked())
	if p.loans != nil {
		if owed := p.loans.OutstandingLoans(); owed != nil && owed.Sign() > 0 {
			total.Add(total, owed)
		}
	}
	return total
}

// deployedValueLocked prices the yield-source leg for share accounting. Yield
// accrued at the venue lifts the value above book principal; a redeemable
// balance below book is a redemption limit, not a markdown, so book is the
// floor. Book principal is also the fallback when the source cannot answer.
func (p *Pool) deployedValueLocked() *big.Int {
	if p.source == nil {
		return new(big.Int).Set(p.deployed)
	}
	redeemable, err := p.source.RedeemableBalance()
	if err != nil || redeemable == nil || redeemable.Cmp(p.deployed) <= 0 {
		return new(big.Int).Set(p.deployed)
	}
	return new(big.Int).Set(redeemable)
}

// AvailableLiquidity reports what the pool can deliver immediately: idle
// holdings plus whatever the yield source can redeem right now.
func (p *Pool) AvailableLiquidity() *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() *big.Int {
	available := new(big.Int).Set(p.idle)
	if p.source == nil {
		return available
	}
	redeemable, err := p.source.RedeemableBalance()
	if err != nil || redeemable == nil {
		return available
	}
	return available.Add(available, redeemable)
}

// DeployedBalance reports the principal currently parked in the yield source.
func (p *Pool) DeployedBalance() *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return new(big.Int).Set(p.deployed)
}

// TotalShares returns the number of shares outstanding.
func (p *Pool) TotalShares() *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return new(big.Int).Set(p.totalShares)
}

// SharesOf returns the share balance held by the owner.
func (p *Pool) SharesOf(owner common.Address) *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if bal, ok := p.shares[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// InTransition reports whether a yield-source change is currently running.
func (p *Pool) InTransition() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.transitioning
}

// AllocationCapBps exposes the configured deployment cap.
func (p *Pool) AllocationCapBps() uint64 {
	return p.allocationCapBps
}

// Deposit mints shares proportional to the pre-deposit asset total and
// forwards the configured fraction of the new liquidity to the yield source.
func (p *Pool) Deposit(depositor common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.gd.Enter(); err != nil {
		return nil, err
	}
	defer p.gd.Exit()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	p.stateMu.RLock()
	total := p.totalAssetsLocked()
	totalShares := new(big.Int).Set(p.totalShares)
	p.stateMu.RUnlock()

	minted := new(big.Int)
	if totalShares.Sign() == 0 || total.Sign() == 0 {
		minted.Set(amount)
	} else {
		minted.Mul(amount, totalShares)
		minted.Quo(minted, total)
		if minted.Sign() == 0 {
			minted.SetInt64(1)
		}
	}

	deploy := p.deployableShare(amount)
	if deploy.Sign() > 0 {
		// External call first so a source failure leaves accounting intact.
		if err := p.source.Deposit(deploy); err != nil {
			return nil, fmt.Errorf("vault: forward to yield source: %w", err)
		}
	}

	p.stateMu.Lock()
	p.idle = new(big.Int).Add(p.idle, new(big.Int).Sub(amount, deploy))
	p.deployed = new(big.Int).Add(p.deployed, deploy)
	p.totalShares = new(big.Int).Add(p.totalShares, minted)
	p.creditShares(depositor, minted)
	p.stateMu.Unlock()

	return minted, nil
}

// Mint issues an exact share count, charging the asset amount it implies at
// the current share price (rounded up so the pool is never underpaid).
func (p *Pool) Mint(depositor common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.stateMu.RLock()
	total := p.totalAssetsLocked()
	totalShares := new(big.Int).Set(p.totalShares)
	p.stateMu.RUnlock()

	amount := new(big.Int)
	if totalShares.Sign() == 0 || total.Sign() == 0 {
		amount.Set(shares)
	} else {
		amount.Mul(shares, total)
		amount.Add(amount, new(big.Int).Sub(totalShares, big.NewInt(1)))
		amount.Quo(amount, totalShares)
	}
	if _, err := p.Deposit(depositor, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// Withdraw burns the shares backing the requested asset amount and releases
// the assets, pulling from the yield source when idle liquidity is short.
// The receiver is recorded for the caller's settlement layer; custody of the
// underlying token lives outside the core.
func (p *Pool) Withdraw(owner, receiver common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.gd.Enter(); err != nil {
		return nil, err
	}
	defer p.gd.Exit()
	return p.withdrawLocked(owner, receiver, amount)
}

func (p *Pool) withdrawLocked(owner, _ common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	p.stateMu.RLock()
	total := p.totalAssetsLocked()
	available := p.availableLocked()
	totalShares := new(big.Int).Set(p.totalShares)
	owned := big.NewInt(0)
	if bal, ok := p.shares[owner]; ok {
		owned = new(big.Int).Set(bal)
	}
	idle := new(big.Int).Set(p.idle)
	p.stateMu.RUnlock()

	if available.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, amount, available)
	}
	if totalShares.Sign() == 0 || total.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool empty", ErrInsufficientShares)
	}

	// Burn rounds up so a withdrawal can never extract value beyond the
	// owner's pro-rata entitlement.
	burn := new(big.Int).Mul(amount, totalShares)
	burn.Add(burn, new(big.Int).Sub(total, big.NewInt(1)))
	burn.Quo(burn, total)
	if burn.Sign() == 0 {
		burn.SetInt64(1)
	}
	if burn.Cmp(owned) > 0 {
		return nil, fmt.Errorf("%w: need %s shares, owner holds %s", ErrInsufficientShares, burn, owned)
	}

	pull := big.NewInt(0)
	if idle.Cmp(amount) < 0 {
		pull = new(big.Int).Sub(amount, idle)
		// Pull before touching share accounting: a failed redemption must
		// leave shares untouched.
		if err := p.source.Withdraw(pull); err != nil {
			return nil, fmt.Errorf("vault: redeem from yield source: %w", err)
		}
	}

	p.stateMu.Lock()
	p.idle = new(big.Int).Sub(new(big.Int).Add(p.idle, pull), amount)
	p.debitDeployed(pull)
	p.totalShares = new(big.Int).Sub(p.totalShares, burn)
	p.debitShares(owner, burn)
	p.stateMu.Unlock()

	return burn, nil
}

// Redeem burns an exact share count and releases the assets they are worth,
// subject to the same liquidity availability cap as Withdraw.
func (p *Pool) Redeem(owner, receiver common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.stateMu.RLock()
	total := p.totalAssetsLocked()
	totalShares := new(big.Int).Set(p.totalShares)
	p.stateMu.RUnlock()
	if totalShares.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool empty", ErrInsufficientShares)
	}
	amount := new(big.Int).Mul(shares, total)
	amount.Quo(amount, totalShares)
	if amount.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := p.Withdraw(owner, receiver, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// MaxWithdraw caps the owner's theoretical pro-rata entitlement by what the
// pool can actually deliver right now. Owning shares never entitles anyone
// to liquidity the pool does not have.
func (p *Pool) MaxWithdraw(owner common.Address) *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	entitlement := p.entitlementLocked(owner)
	available := p.availableLocked()
	if entitlement.Cmp(available) > 0 {
		return available
	}
	return entitlement
}

// MaxRedeem reports the largest share count the owner could redeem under the
// current liquidity availability.
func (p *Pool) MaxRedeem(owner common.Address) *big.Int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	owned := big.NewInt(0)
	if bal, ok := p.shares[owner]; ok {
		owned = new(big.Int).Set(bal)
	}
	if owned.Sign() == 0 {
		return big.NewInt(0)
	}
	entitlement := p.entitlementLocked(owner)
	available := p.availableLocked()
	if entitlement.Cmp(available) <= 0 {
		return owned
	}
	total := p.totalAssetsLocked()
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	redeemable := new(big.Int).Mul(available, p.totalShares)
	redeemable.Quo(redeemable, total)
	if redeemable.Cmp(owned) > 0 {
		return owned
	}
	return redeemable
}

func (p *Pool) entitlementLocked(owner common.Address) *big.Int {
	bal, ok := p.shares[owner]
	if !ok || bal.Sign() == 0 || p.totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	entitlement := new(big.Int).Mul(bal, p.totalAssetsLocked())
	entitlement.Quo(entitlement, p.totalShares)
	return entitlement
}

// ChangeYieldSource fully redeems the old source and redeploys into the new
// one. The whole move is an exclusive critical section: every other pool
// operation shares the same guard, so nothing can interleave while the
// accounting is mid-flight.
func (p *Pool) ChangeYieldSource(newSource YieldSource) error {
	if err := p.gd.Enter(); err != nil {
		return err
	}
	defer p.gd.Exit()

	p.stateMu.Lock()
	p.transitioning = true
	p.stateMu.Unlock()
	defer func() {
		p.stateMu.Lock()
		p.transitioning = false
		p.stateMu.Unlock()
	}()

	p.stateMu.RLock()
	deployed := new(big.Int).Set(p.deployed)
	old := p.source
	p.stateMu.RUnlock()

	redeemed := big.NewInt(0)
	if old != nil {
		redeemable, err := old.RedeemableBalance()
		if err != nil {
			return fmt.Errorf("vault: query old yield source: %w", err)
		}
		if redeemable == nil || redeemable.Cmp(deployed) < 0 {
			return fmt.Errorf("%w: old source can redeem %s of %s deployed",
				ErrInsufficientLiquidity, redeemable, deployed)
		}
		// The full position comes back, principal and accrued yield both.
		// Withdrawing only book principal would strand the yield in the
		// venue being exited.
		if redeemable.Sign() > 0 {
			if err := old.Withdraw(redeemable); err != nil {
				return fmt.Errorf("vault: redeem old yield source: %w", err)
			}
			redeemed.Set(redeemable)
		}
	}

	// Funds are idle and no venue is attached until the redeploy commits;
	// a deposit arriving mid-failure must not flow back into the old source.
	p.stateMu.Lock()
	p.idle = new(big.Int).Add(p.idle, redeemed)
	p.deployed = big.NewInt(0)
	p.source = nil
	p.stateMu.Unlock()

	if newSource == nil {
		return nil
	}

	p.stateMu.RLock()
	idle := new(big.Int).Set(p.idle)
	p.stateMu.RUnlock()
	deploy := capShare(idle, p.allocationCapBps)
	if deploy.Sign() > 0 {
		if err := newSource.Deposit(deploy); err != nil {
			// The redemption already happened; funds stay idle so nothing
			// is lost, but the caller must know the move did not complete.
			return fmt.Errorf("%w: deploy to new source: %v", ErrTransitionIncomplete, err)
		}
	}

	p.stateMu.Lock()
	p.idle = new(big.Int).Sub(p.idle, deploy)
	p.deployed = deploy
	p.source = newSource
	p.stateMu.Unlock()
	return nil
}

func (p *Pool) deployableShare(amount *big.Int) *big.Int {
	if p.source == nil {
		return big.NewInt(0)
	}
	return capShare(amount, p.allocationCapBps)
}

func capShare(amount *big.Int, capBps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || capBps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(capBps))
	share.Quo(share, big.NewInt(10_000))
	return share
}

func (p *Pool) creditShares(owner common.Address, amount *big.Int) {
	if bal, ok := p.shares[owner]; ok {
		p.shares[owner] = new(big.Int).Add(bal, amount)
		return
	}
	p.shares[owner] = new(big.Int).Set(amount)
}

// debitDeployed reduces book principal by the pulled amount, clamped at
// zero: a pull that includes accrued yield can exceed what was deposited.
func (p *Pool) debitDeployed(pull *big.Int) {
	p.deployed = new(big.Int).Sub(p.deployed, pull)
	if p.deployed.Sign() < 0 {
		p.deployed = big.NewInt(0)
	}
}

func (p *Pool) debitShares(owner common.Address, amount *big.Int) {
	if bal, ok := p.shares[owner]; ok {
		p.shares[owner] = new(big.Int).Sub(bal, amount)
	}
}

// LedgerGate is the privileged handle issued to the ledger by BindLedger.
// Admin borrow/repay are only reachable through it.
type LedgerGate struct {
	pool *Pool
}

// Borrow moves liquidity from the pool toward the ledger, pulling from the
// yield source when idle holdings are short. The source call and the
// accounting commit are atomic: a failed pull changes nothing.
func (g *LedgerGate) Borrow(amount *big.Int) error {
	p := g.pool
	if err := p.gd.Enter(); err != nil {
		return err
	}
	defer p.gd.Exit()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	p.stateMu.RLock()
	available := p.availableLocked()
	idle := new(big.Int).Set(p.idle)
	p.stateMu.RUnlock()

	if available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, amount, available)
	}
	pull := big.NewInt(0)
	if idle.Cmp(amount) < 0 {
		pull = new(big.Int).Sub(amount, idle)
		if err := p.source.Withdraw(pull); err != nil {
			return fmt.Errorf("vault: redeem from yield source: %w", err)
		}
	}

	p.stateMu.Lock()
	p.idle = new(big.Int).Sub(new(big.Int).Add(p.idle, pull), amount)
	p.debitDeployed(pull)
	p.stateMu.Unlock()
	return nil
}

// Repay accepts liquidity back from the ledger and forwards the configured
// fraction to the yield source.
func (g *LedgerGate) Repay(amount *big.Int) error {
	p := g.pool
	if err := p.gd.Enter(); err != nil {
		return err
	}
	defer p.gd.Exit()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	deploy := p.deployableShare(amount)
	if deploy.Sign() > 0 {
		if err := p.source.Deposit(deploy); err != nil {
			return fmt.Errorf("vault: forward to yield source: %w", err)
		}
	}

	p.stateMu.Lock()
	p.idle = new(big.Int).Add(p.idle, new(big.Int).Sub(amount, deploy))
	p.deployed = new(big.Int).Add(p.deployed, deploy)
	p.stateMu.Unlock()
	return nil
}
