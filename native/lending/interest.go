package lending

import (
	"errors"
	"math/big"
)

const (
	// secondsPerDay is the accrual granularity: interest is charged per
	// whole elapsed day, partial days accrue nothing.
	secondsPerDay = 86_400
	// rateDivisor scales the daily rate: a loan at rate r owes
	// floor(principal*r*days/rateDivisor) in interest.
	rateDivisor = 100_000
)

var rateUnit = big.NewInt(rateDivisor)

// ErrTimeReversed is returned when the accrual clock reads earlier than the
// loan's start time. The condition indicates operator clock skew and is
// surfaced rather than clamped so the amount owed is never understated.
var ErrTimeReversed = errors.New("lending: accrual time precedes loan start")

// DaysElapsed computes the number of whole days between start and now using
// integer floor division on elapsed seconds.
func DaysElapsed(start, now int64) (uint64, error) {
	if now < start {
		return 0, ErrTimeReversed
	}
	return uint64(now-start) / secondsPerDay, nil
}

// AmountDue returns principal plus accrued interest at the given instant.
//
// The truncation order is deliberate and must not be rearranged: the floor
// division is applied once to the full product principal*rate*days, not to
// intermediate partial products. This governs borrower cost to the unit.
// Same-day repayment (zero whole days elapsed) accrues zero interest.
func AmountDue(principal *big.Int, ratePerDay uint64, start, now int64) (*big.Int, error) {
	if principal == nil {
		principal = big.NewInt(0)
	}
	days, err := DaysElapsed(start, now)
	if err != nil {
		return nil, err
	}
	interest := new(big.Int).SetUint64(ratePerDay)
	interest.Mul(interest, new(big.Int).SetUint64(days))
	interest.Mul(interest, principal)
	interest.Quo(interest, rateUnit)
	return interest.Add(interest, principal), nil
}
