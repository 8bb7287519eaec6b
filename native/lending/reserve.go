package lending

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAmount rejects zero, negative or nil amounts on reserve
	// operations.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrReserveExceeded rejects a withdrawal above the identity's recorded
	// reserve.
	ErrReserveExceeded = errors.New("lending: withdrawal exceeds recorded reserve")
)

// ReserveLedger tracks operating currency deposited by administrators,
// independent of any individual loan. Balances increase only by deposit and
// decrease only by withdrawal from the same identity; the engine additionally
// bounds withdrawals by its total held currency.
type ReserveLedger struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

// NewReserveLedger returns an empty ledger.
func NewReserveLedger() *ReserveLedger {
	return &ReserveLedger{balances: make(map[common.Address]*big.Int)}
}

// Deposit credits the identity's reserve. The amount must be positive.
func (l *ReserveLedger) Deposit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balances[addr]
	if current == nil {
		current = big.NewInt(0)
	}
	l.balances[addr] = new(big.Int).Add(current, amount)
	return nil
}

// Withdraw debits the identity's reserve. The amount must be positive and
// must not exceed the recorded balance.
func (l *ReserveLedger) Withdraw(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balances[addr]
	if current == nil || current.Cmp(amount) < 0 {
		return ErrReserveExceeded
	}
	remaining := new(big.Int).Sub(current, amount)
	if remaining.Sign() == 0 {
		delete(l.balances, addr)
		return nil
	}
	l.balances[addr] = remaining
	return nil
}

// BalanceOf returns a copy of the identity's recorded reserve.
func (l *ReserveLedger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	current := l.balances[addr]
	if current == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(current)
}

// Total sums every recorded reserve balance.
func (l *ReserveLedger) Total() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := big.NewInt(0)
	for _, balance := range l.balances {
		total.Add(total, balance)
	}
	return total
}
