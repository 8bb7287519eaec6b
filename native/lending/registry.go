package lending

import (
	"errors"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrLoanNotFound is returned when a loan id has no live record, either
	// because it was never assigned or because the loan has been closed.
	ErrLoanNotFound = errors.New("lending: loan not found")
	// ErrIDExhausted fires when the id counter would overflow. Unreachable
	// in practice; treated as fatal by callers.
	ErrIDExhausted = errors.New("lending: loan id space exhausted")
)

// Registry owns the loan table together with the per-borrower and active-loan
// indices. Ids start at 1, increase only on successful insertion and are
// never reused. The indices are unordered: removal swaps the target with the
// last element and truncates, so callers must not rely on index order.
//
// All mutation funnels through the engine; the registry's own lock only makes
// concurrent read-side queries safe against an in-flight mutation.
type Registry struct {
	mu         sync.RWMutex
	loans      map[uint64]*Loan
	nextID     uint64
	byBorrower map[common.Address][]uint64
	active     []uint64
}

// NewRegistry returns an empty registry with the id counter at 1.
func NewRegistry() *Registry {
	return &Registry{
		loans:      make(map[uint64]*Loan),
		nextID:     1,
		byBorrower: make(map[common.Address][]uint64),
	}
}

// Insert sanitizes and stores the loan under the next id, appends the id to
// the borrower index and the active index, and advances the counter. The
// assigned id is returned.
func (r *Registry) Insert(loan *Loan) (uint64, error) {
	clone, err := SanitizeLoan(loan)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nextID == math.MaxUint64 {
		return 0, ErrIDExhausted
	}
	id := r.nextID
	clone.ID = id
	r.loans[id] = clone
	r.byBorrower[clone.Borrower] = append(r.byBorrower[clone.Borrower], id)
	r.active = append(r.active, id)
	r.nextID++
	return id, nil
}

// Get returns a copy of the stored loan, or false when no live record exists.
func (r *Registry) Get(id uint64) (*Loan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loan, ok := r.loans[id]
	if !ok || !loan.Exists() {
		return nil, false
	}
	return loan.Clone(), true
}

// Remove deletes the record and drops the id from both indices via
// swap-and-shrink. The engine calls this at most once per id; a second call
// reports ErrLoanNotFound.
func (r *Registry) Remove(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, ok := r.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	delete(r.loans, id)
	r.dropIndex(loan.Borrower, id)
	r.active = swapShrink(r.active, id)
	return nil
}

// restore reinserts a previously removed loan under its original id. It backs
// the engine's rollback path when an external transfer fails after the
// registry effects were committed; the id counter is untouched so ids stay
// monotonic.
func (r *Registry) restore(loan *Loan) error {
	clone, err := SanitizeLoan(loan)
	if err != nil {
		return err
	}
	if clone.ID == 0 || clone.ID >= r.nextIDSnapshot() {
		// Only ids the registry itself assigned may come back.
		return ErrLoanNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loans[clone.ID]; exists {
		return ErrLoanNotFound
	}
	r.loans[clone.ID] = clone
	r.byBorrower[clone.Borrower] = append(r.byBorrower[clone.Borrower], clone.ID)
	r.active = append(r.active, clone.ID)
	return nil
}

// LoansOf returns a copy of the borrower's loan id index. Order is not
// meaningful.
func (r *Registry) LoansOf(borrower common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBorrower[borrower]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// ActiveLoans returns a copy of the active loan id index. Order is not
// meaningful.
func (r *Registry) ActiveLoans() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, len(r.active))
	copy(out, r.active)
	return out
}

// Len reports the number of live loans.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loans)
}

// NextID exposes the counter for the observable state surface.
func (r *Registry) NextID() uint64 {
	return r.nextIDSnapshot()
}

func (r *Registry) nextIDSnapshot() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

func (r *Registry) dropIndex(borrower common.Address, id uint64) {
	ids := swapShrink(r.byBorrower[borrower], id)
	if len(ids) == 0 {
		delete(r.byBorrower, borrower)
		return
	}
	r.byBorrower[borrower] = ids
}

// swapShrink removes the first occurrence of target from ids by overwriting
// it with the final element and truncating. A miss leaves the slice intact.
func swapShrink(ids []uint64, target uint64) []uint64 {
	for i, id := range ids {
		if id != target {
			continue
		}
		last := len(ids) - 1
		ids[i] = ids[last]
		return ids[:last]
	}
	return ids
}
