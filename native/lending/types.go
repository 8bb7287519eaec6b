package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralRef identifies a single non-fungible token pledged against a
// loan: the custody contract that holds the collection plus the token id
// within it.
type CollateralRef struct {
	Contract common.Address
	TokenID  *big.Int
}

// Clone returns a deep copy of the collateral reference.
func (c CollateralRef) Clone() CollateralRef {
	clone := CollateralRef{Contract: c.Contract}
	if c.TokenID != nil {
		clone.TokenID = new(big.Int).Set(c.TokenID)
	} else {
		clone.TokenID = big.NewInt(0)
	}
	return clone
}

// String renders the reference as "contract/tokenID" for logs and events.
func (c CollateralRef) String() string {
	token := "0"
	if c.TokenID != nil {
		token = c.TokenID.String()
	}
	return fmt.Sprintf("%s/%s", c.Contract.Hex(), token)
}

// Loan binds a borrower, a collateral token, the disbursed principal and the
// accrual terms fixed at creation time. Amounts are denominated in the
// smallest currency unit and expressed as big integers. A stored loan is
// immutable; the only mutation the registry permits is deletion when the loan
// is repaid or liquidated, and its id is never reassigned afterwards.
type Loan struct {
	// ID is the registry-assigned identifier, positive and monotonically
	// increasing.
	ID uint64
	// Borrower is the identity the principal was disbursed to. A zero
	// borrower address marks a loan that does not exist.
	Borrower common.Address
	// Collateral references the token held in custody for the lifetime of
	// the loan.
	Collateral CollateralRef
	// Principal is the amount disbursed at creation.
	Principal *big.Int
	// RateBps is the daily accrual rate captured from the engine at
	// creation, in units of 1/100000. Later rate changes never affect it.
	RateBps uint64
	// StartTime is the unix timestamp stamped by the engine at creation.
	StartTime int64
}

// Exists reports whether the record denotes a live loan. The registry treats
// a zero borrower address as "never created or already closed".
func (l *Loan) Exists() bool {
	return l != nil && l.Borrower != (common.Address{})
}

// Clone returns a deep copy of the loan so callers can hold the copy without
// aliasing registry state.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Collateral = l.Collateral.Clone()
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	return &clone
}

// SanitizeLoan validates and normalises a loan definition, returning a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeLoan(l *Loan) (*Loan, error) {
	if l == nil {
		return nil, fmt.Errorf("nil loan")
	}
	if !l.Exists() {
		return nil, ErrInvalidBorrower
	}
	clone := l.Clone()
	if clone.Principal.Sign() < 0 {
		return nil, fmt.Errorf("loan principal must be non-negative")
	}
	if clone.Collateral.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("collateral token id must be non-negative")
	}
	return clone, nil
}
