package lending

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/core/types"
)

const (
	EventTypeLoanCreated      = "lending.loan.created"
	EventTypeLoanRepaid       = "lending.loan.repaid"
	EventTypeLoanLiquidated   = "lending.loan.liquidated"
	EventTypeRateUpdated      = "lending.rate.updated"
	EventTypeAdminTransferred = "lending.admin.transferred"
	EventTypeReserveDeposited = "lending.reserve.deposited"
	EventTypeReserveWithdrawn = "lending.reserve.withdrawn"
	EventTypeModulePaused     = "lending.module.paused"
	EventTypeModuleResumed    = "lending.module.resumed"
)

// NewLoanCreatedEvent returns the canonical payload for a newly registered
// loan.
func NewLoanCreatedEvent(l *Loan) *types.Event {
	attrs := loanAttributes(l)
	return &types.Event{Type: EventTypeLoanCreated, Attributes: attrs}
}

// NewLoanRepaidEvent returns the canonical payload emitted when a loan is
// repaid. retained is the net amount kept by the engine (tendered minus
// excess), excess the amount refunded to the caller.
func NewLoanRepaidEvent(l *Loan, retained, excess *big.Int) *types.Event {
	attrs := loanAttributes(l)
	attrs["retained"] = bigString(retained)
	attrs["excess"] = bigString(excess)
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

// NewLoanLiquidatedEvent returns the canonical payload emitted when
// collateral is seized in lieu of repayment.
func NewLoanLiquidatedEvent(l *Loan, totalDue, marketPrice *big.Int) *types.Event {
	attrs := loanAttributes(l)
	attrs["totalDue"] = bigString(totalDue)
	attrs["marketPrice"] = bigString(marketPrice)
	return &types.Event{Type: EventTypeLoanLiquidated, Attributes: attrs}
}

// NewRateUpdatedEvent records an interest rate change for future loans.
func NewRateUpdatedEvent(rateBps uint64) *types.Event {
	return &types.Event{Type: EventTypeRateUpdated, Attributes: map[string]string{
		"rateBps": strconv.FormatUint(rateBps, 10),
	}}
}

// NewAdministrationTransferredEvent records an administrator handover.
func NewAdministrationTransferredEvent(previous, next common.Address) *types.Event {
	return &types.Event{Type: EventTypeAdminTransferred, Attributes: map[string]string{
		"previous": previous.Hex(),
		"next":     next.Hex(),
	}}
}

// NewReserveDepositedEvent records an administrator reserve deposit.
func NewReserveDepositedEvent(account common.Address, amount *big.Int) *types.Event {
	return reserveEvent(EventTypeReserveDeposited, account, amount)
}

// NewReserveWithdrawnEvent records an administrator reserve withdrawal.
func NewReserveWithdrawnEvent(account common.Address, amount *big.Int) *types.Event {
	return reserveEvent(EventTypeReserveWithdrawn, account, amount)
}

// NewPausedEvent records a module halt.
func NewPausedEvent() *types.Event {
	return &types.Event{Type: EventTypeModulePaused, Attributes: map[string]string{}}
}

// NewResumedEvent records a module resume.
func NewResumedEvent() *types.Event {
	return &types.Event{Type: EventTypeModuleResumed, Attributes: map[string]string{}}
}

func reserveEvent(eventType string, account common.Address, amount *big.Int) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"account": account.Hex(),
		"amount":  bigString(amount),
	}}
}

func loanAttributes(l *Loan) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(l.ID, 10)
	attrs["borrower"] = l.Borrower.Hex()
	attrs["collateralContract"] = l.Collateral.Contract.Hex()
	attrs["collateralToken"] = bigString(l.Collateral.TokenID)
	attrs["principal"] = bigString(l.Principal)
	attrs["rateBps"] = strconv.FormatUint(l.RateBps, 10)
	attrs["startTime"] = strconv.FormatInt(l.StartTime, 10)
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
