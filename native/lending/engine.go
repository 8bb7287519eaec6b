package lending

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/core/events"
	"nftlend/core/types"
	nativecommon "nftlend/native/common"
)

var (
	errNilCustody   = errors.New("lending engine: custody port not configured")
	errNilValue     = errors.New("lending engine: value transfer port not configured")
	errInvalidAdmin = errors.New("lending engine: new administrator address is zero")

	// ErrInvalidBorrower rejects a zero borrower identity.
	ErrInvalidBorrower = errors.New("lending engine: invalid borrower")
	// ErrSelfLoan rejects a loan where the initiating caller is also the
	// borrower.
	ErrSelfLoan = errors.New("lending engine: self loan not allowed")
	// ErrInsufficientEngineFunds rejects a principal above the engine's
	// held currency.
	ErrInsufficientEngineFunds = errors.New("lending engine: insufficient engine funds")
	// ErrCollateralNotOwned rejects collateral the borrower does not own.
	ErrCollateralNotOwned = errors.New("lending engine: collateral not owned by borrower")
	// ErrCollateralNotApproved rejects collateral the engine is not
	// authorized to transfer.
	ErrCollateralNotApproved = errors.New("lending engine: collateral not approved")
	// ErrInsufficientRepayment rejects a tendered amount below the total
	// due.
	ErrInsufficientRepayment = errors.New("lending engine: tendered amount below total due")
	// ErrNotLiquidatable rejects liquidation while the market price still
	// covers both principal and total due.
	ErrNotLiquidatable = errors.New("lending engine: loan not eligible for liquidation")
	// ErrNotAdministrator rejects administrative calls from any identity
	// other than the current administrator.
	ErrNotAdministrator = errors.New("lending engine: caller is not the administrator")
	// ErrReentrantCall rejects a nested invocation of a guarded entry point
	// while another guarded call is in flight.
	ErrReentrantCall = errors.New("lending engine: reentrant call")
	// ErrTransferFailed wraps a custody or value transfer rejection. The
	// failing operation's registry effects are unwound before it returns.
	ErrTransferFailed = errors.New("lending engine: external transfer failed")
	// ErrRateOutOfRange rejects an interest rate above the configured cap.
	ErrRateOutOfRange = errors.New("lending engine: interest rate out of range")
	// ErrPrincipalBelowMinimum rejects a principal under the configured floor.
	ErrPrincipalBelowMinimum = errors.New("lending engine: principal below minimum")
)

const moduleName = "lending"

// AssetCustodyPort abstracts the external non-fungible-asset custody service:
// ownership and approval queries plus atomic transfer of a token between two
// identities. Transfers either complete within the call or fail; the engine
// never retries.
type AssetCustodyPort interface {
	OwnerOf(ctx context.Context, ref CollateralRef) (common.Address, error)
	IsApprovedForAll(ctx context.Context, ref CollateralRef, owner, operator common.Address) (bool, error)
	Transfer(ctx context.Context, ref CollateralRef, from, to common.Address) error
}

// ValueTransferPort abstracts the native currency transfer primitive and the
// engine's view of its own held balance.
type ValueTransferPort interface {
	Send(ctx context.Context, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

type lendingEvent struct {
	evt *types.Event
}

func (e lendingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e lendingEvent) Event() *types.Event { return e.evt }

// Engine orchestrates the loan lifecycle against the registry, the interest
// formula and the external custody and value ports. Every externally
// reachable mutating entry point is wrapped by a call-scoped guard: the flag
// is taken on entry and released on exit, so a custody or value callback that
// re-enters the engine mid-operation is rejected without touching state.
// Registry effects are committed before external transfers are issued and
// unwound in full if a transfer fails.
type Engine struct {
	registry   *Registry
	reserve    *ReserveLedger
	custody    AssetCustodyPort
	value      ValueTransferPort
	emitter    events.Emitter
	admin      common.Address
	engineAddr common.Address
	rateBps    uint64
	params     Params
	paused     atomic.Bool
	inCall     atomic.Bool
	nowFn      func() int64
}

// NewEngine constructs an engine owned by admin, holding custody and funds
// under engineAddr. The registry and reserve ledger start empty and the
// emitter discards events until SetEmitter is called.
func NewEngine(admin, engineAddr common.Address) *Engine {
	return &Engine{
		registry:   NewRegistry(),
		reserve:    NewReserveLedger(),
		emitter:    events.NoopEmitter{},
		admin:      admin,
		engineAddr: engineAddr,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetPorts wires the external custody and value transfer collaborators.
func (e *Engine) SetPorts(custody AssetCustodyPort, value ValueTransferPort) {
	e.custody = custody
	e.value = value
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock, primarily so tests can pin timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetParams applies the module parameter file loaded at startup.
func (e *Engine) SetParams(params Params) {
	e.params = params.Clone()
	if e.rateBps == 0 {
		e.rateBps = params.InitialRateBps
	}
}

// IsPaused implements the module pause view consulted by the guard.
func (e *Engine) IsPaused(module string) bool {
	return module == moduleName && e.paused.Load()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(lendingEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin takes the call-scoped guard. It rejects rather than blocks: a nested
// invocation from an in-flight external transfer must fail, and top-level
// callers are expected to be serialized by the execution environment.
func (e *Engine) begin() error {
	if !e.inCall.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	if err := nativecommon.Guard(e, moduleName); err != nil {
		e.inCall.Store(false)
		return err
	}
	return nil
}

func (e *Engine) end() { e.inCall.Store(false) }

// CreateLoan registers a loan for borrower against the referenced collateral,
// pulls the token into custody and disburses principal. The caller initiating
// the loan must not be the borrower. Registry insertion is committed before
// either external transfer; if a transfer fails the insertion is unwound and
// the collateral returned, so either all three effects land or none do.
func (e *Engine) CreateLoan(ctx context.Context, caller, borrower common.Address, collateral CollateralRef, principal *big.Int) (uint64, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()
	if e.custody == nil {
		return 0, errNilCustody
	}
	if e.value == nil {
		return 0, errNilValue
	}
	if borrower == (common.Address{}) {
		return 0, ErrInvalidBorrower
	}
	if borrower == caller {
		return 0, ErrSelfLoan
	}
	if principal == nil || principal.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	if min := e.params.MinPrincipalWei; min != nil && min.Sign() > 0 && principal.Cmp(min) < 0 {
		return 0, ErrPrincipalBelowMinimum
	}

	held, err := e.value.BalanceOf(ctx, e.engineAddr)
	if err != nil {
		return 0, err
	}
	if held == nil || held.Cmp(principal) < 0 {
		return 0, ErrInsufficientEngineFunds
	}

	owner, err := e.custody.OwnerOf(ctx, collateral)
	if err != nil {
		return 0, err
	}
	if owner != borrower {
		return 0, ErrCollateralNotOwned
	}
	approved, err := e.custody.IsApprovedForAll(ctx, collateral, borrower, e.engineAddr)
	if err != nil {
		return 0, err
	}
	if !approved {
		return 0, ErrCollateralNotApproved
	}

	loan := &Loan{
		Borrower:   borrower,
		Collateral: collateral.Clone(),
		Principal:  new(big.Int).Set(principal),
		RateBps:    e.rateBps,
		StartTime:  e.now(),
	}
	id, err := e.registry.Insert(loan)
	if err != nil {
		return 0, err
	}
	loan.ID = id

	if err := e.custody.Transfer(ctx, collateral, borrower, e.engineAddr); err != nil {
		if rbErr := e.registry.Remove(id); rbErr != nil {
			return 0, errors.Join(ErrTransferFailed, err, rbErr)
		}
		return 0, errors.Join(ErrTransferFailed, err)
	}
	if err := e.value.Send(ctx, borrower, principal); err != nil {
		// Hand the collateral back and drop the registry record so no
		// partial state survives the failed disbursement.
		unwind := e.custody.Transfer(ctx, collateral, e.engineAddr, borrower)
		if rbErr := e.registry.Remove(id); rbErr != nil {
			unwind = errors.Join(unwind, rbErr)
		}
		if unwind != nil {
			return 0, errors.Join(ErrTransferFailed, err, unwind)
		}
		return 0, errors.Join(ErrTransferFailed, err)
	}

	e.emit(NewLoanCreatedEvent(loan))
	return id, nil
}

// RepayLoan settles the loan with the tendered amount, refunds any excess
// above the total due to the caller and returns the collateral to the
// borrower. The tendered amount is the value actually attached to the call.
// The registry removal is the final registry mutation and happens before the
// external transfers; a failed transfer restores the record under its
// original id. The excess refunded is returned.
func (e *Engine) RepayLoan(ctx context.Context, caller common.Address, id uint64, tendered *big.Int) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if e.custody == nil {
		return nil, errNilCustody
	}
	if e.value == nil {
		return nil, errNilValue
	}

	loan, ok := e.registry.Get(id)
	if !ok {
		return nil, ErrLoanNotFound
	}
	totalDue, err := AmountDue(loan.Principal, loan.RateBps, loan.StartTime, e.now())
	if err != nil {
		return nil, err
	}
	if tendered == nil || tendered.Cmp(totalDue) < 0 {
		return nil, ErrInsufficientRepayment
	}
	excess := new(big.Int).Sub(tendered, totalDue)

	if err := e.registry.Remove(id); err != nil {
		return nil, err
	}
	if excess.Sign() > 0 {
		if err := e.value.Send(ctx, caller, excess); err != nil {
			if rbErr := e.registry.restore(loan); rbErr != nil {
				return nil, errors.Join(ErrTransferFailed, err, rbErr)
			}
			return nil, errors.Join(ErrTransferFailed, err)
		}
	}
	if err := e.custody.Transfer(ctx, loan.Collateral, e.engineAddr, loan.Borrower); err != nil {
		if rbErr := e.registry.restore(loan); rbErr != nil {
			return nil, errors.Join(ErrTransferFailed, err, rbErr)
		}
		return nil, errors.Join(ErrTransferFailed, err)
	}

	e.emit(NewLoanRepaidEvent(loan, totalDue, excess))
	return excess, nil
}

// LiquidateLoan seizes the collateral for the administrator when the market
// price no longer covers the position. No currency changes hands: the
// administrator keeps the asset in lieu of repayment. Only the current
// administrator may liquidate.
func (e *Engine) LiquidateLoan(ctx context.Context, caller common.Address, id uint64, marketPrice *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if e.custody == nil {
		return errNilCustody
	}
	if caller != e.admin {
		return ErrNotAdministrator
	}
	if marketPrice == nil || marketPrice.Sign() < 0 {
		return ErrInvalidAmount
	}

	loan, ok := e.registry.Get(id)
	if !ok {
		return ErrLoanNotFound
	}
	totalDue, err := AmountDue(loan.Principal, loan.RateBps, loan.StartTime, e.now())
	if err != nil {
		return err
	}
	if !liquidatable(loan.Principal, totalDue, marketPrice) {
		return ErrNotLiquidatable
	}

	if err := e.registry.Remove(id); err != nil {
		return err
	}
	if err := e.custody.Transfer(ctx, loan.Collateral, e.engineAddr, e.admin); err != nil {
		if rbErr := e.registry.restore(loan); rbErr != nil {
			return errors.Join(ErrTransferFailed, err, rbErr)
		}
		return errors.Join(ErrTransferFailed, err)
	}

	e.emit(NewLoanLiquidatedEvent(loan, totalDue, marketPrice))
	return nil
}

// liquidatable holds when the market price has dropped below the principal or
// the accrued total due has grown past the market price.
func liquidatable(principal, totalDue, marketPrice *big.Int) bool {
	return marketPrice.Cmp(principal) < 0 || totalDue.Cmp(marketPrice) > 0
}

// DepositReserve records operating currency deposited by the administrator.
// The deposited value is attached to the call by the execution environment;
// the ledger only accounts for it.
func (e *Engine) DepositReserve(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if caller != e.admin {
		return ErrNotAdministrator
	}
	if err := e.reserve.Deposit(caller, amount); err != nil {
		return err
	}
	e.emit(NewReserveDepositedEvent(caller, amount))
	return nil
}

// WithdrawReserve pays previously deposited reserve back out to the caller.
// The amount may exceed neither the caller's recorded reserve nor the
// engine's total held currency; a rejected send restores the ledger entry.
func (e *Engine) WithdrawReserve(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if e.value == nil {
		return errNilValue
	}
	if caller != e.admin {
		return ErrNotAdministrator
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	held, err := e.value.BalanceOf(ctx, e.engineAddr)
	if err != nil {
		return err
	}
	if held == nil || held.Cmp(amount) < 0 {
		return ErrInsufficientEngineFunds
	}
	if err := e.reserve.Withdraw(caller, amount); err != nil {
		return err
	}
	if err := e.value.Send(ctx, caller, amount); err != nil {
		if rbErr := e.reserve.Deposit(caller, amount); rbErr != nil {
			return errors.Join(ErrTransferFailed, err, rbErr)
		}
		return errors.Join(ErrTransferFailed, err)
	}
	e.emit(NewReserveWithdrawnEvent(caller, amount))
	return nil
}

// SetInterestRate updates the rate applied to loans created from now on.
// Existing loans keep the rate captured at creation.
func (e *Engine) SetInterestRate(caller common.Address, rateBps uint64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if caller != e.admin {
		return ErrNotAdministrator
	}
	if max := e.params.MaxRateBps; max > 0 && rateBps > max {
		return ErrRateOutOfRange
	}
	e.rateBps = rateBps
	e.emit(NewRateUpdatedEvent(rateBps))
	return nil
}

// TransferAdministration hands the administrator role to a new identity.
func (e *Engine) TransferAdministration(caller, newAdmin common.Address) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if caller != e.admin {
		return ErrNotAdministrator
	}
	if newAdmin == (common.Address{}) {
		return errInvalidAdmin
	}
	e.admin = newAdmin
	e.emit(NewAdministrationTransferredEvent(caller, newAdmin))
	return nil
}

// Pause halts every mutating entry point until Resume. Pause and Resume
// themselves stay reachable so the administrator can always unwind the halt.
func (e *Engine) Pause(caller common.Address) error {
	if caller != e.admin {
		return ErrNotAdministrator
	}
	e.paused.Store(true)
	e.emit(NewPausedEvent())
	return nil
}

// Resume lifts a pause.
func (e *Engine) Resume(caller common.Address) error {
	if caller != e.admin {
		return ErrNotAdministrator
	}
	e.paused.Store(false)
	e.emit(NewResumedEvent())
	return nil
}

// AmountOwed re-exposes the accrual formula for the loan at the current time.
func (e *Engine) AmountOwed(id uint64) (*big.Int, error) {
	loan, ok := e.registry.Get(id)
	if !ok {
		return nil, ErrLoanNotFound
	}
	return AmountDue(loan.Principal, loan.RateBps, loan.StartTime, e.now())
}

// IsUnderwater applies the liquidation eligibility comparison without side
// effects, for external polling.
func (e *Engine) IsUnderwater(id uint64, marketPrice *big.Int) (bool, error) {
	if marketPrice == nil || marketPrice.Sign() < 0 {
		return false, ErrInvalidAmount
	}
	loan, ok := e.registry.Get(id)
	if !ok {
		return false, ErrLoanNotFound
	}
	totalDue, err := AmountDue(loan.Principal, loan.RateBps, loan.StartTime, e.now())
	if err != nil {
		return false, err
	}
	return liquidatable(loan.Principal, totalDue, marketPrice), nil
}

// Loan returns a copy of the stored record.
func (e *Engine) Loan(id uint64) (*Loan, bool) { return e.registry.Get(id) }

// LoansOf returns the identity's active loan ids. Order is not meaningful.
func (e *Engine) LoansOf(addr common.Address) []uint64 { return e.registry.LoansOf(addr) }

// ActiveLoans returns every active loan id. Order is not meaningful.
func (e *Engine) ActiveLoans() []uint64 { return e.registry.ActiveLoans() }

// NextLoanID exposes the id counter for the observable state surface.
func (e *Engine) NextLoanID() uint64 { return e.registry.NextID() }

// InterestRate returns the rate applied to newly created loans.
func (e *Engine) InterestRate() uint64 { return e.rateBps }

// Administrator returns the current administrator identity.
func (e *Engine) Administrator() common.Address { return e.admin }

// ReserveOf returns the identity's recorded reserve balance.
func (e *Engine) ReserveOf(addr common.Address) *big.Int { return e.reserve.BalanceOf(addr) }

// ReserveTotal returns the sum of all recorded reserves.
func (e *Engine) ReserveTotal() *big.Int { return e.reserve.Total() }
