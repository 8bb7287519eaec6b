package lending

import (
	"errors"
	"math/big"
	"testing"
)

func TestDaysElapsedFloorsWholeDays(t *testing.T) {
	cases := []struct {
		name    string
		elapsed int64
		want    uint64
	}{
		{"zero", 0, 0},
		{"just under a day", secondsPerDay - 1, 0},
		{"exactly a day", secondsPerDay, 1},
		{"ten days and change", 10*secondsPerDay + 3_600, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DaysElapsed(1_000, 1_000+tc.elapsed)
			if err != nil {
				t.Fatalf("days elapsed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected days: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestDaysElapsedRejectsReversedClock(t *testing.T) {
	if _, err := DaysElapsed(1_000, 999); !errors.Is(err, ErrTimeReversed) {
		t.Fatalf("expected ErrTimeReversed, got %v", err)
	}
}

func TestAmountDueTenDayScenario(t *testing.T) {
	// principal 1000 at rate 100 for 10 days owes floor(1000*100*10/100000) = 10.
	start := int64(0)
	now := int64(10 * secondsPerDay)
	due, err := AmountDue(big.NewInt(1000), 100, start, now)
	if err != nil {
		t.Fatalf("amount due: %v", err)
	}
	if due.Cmp(big.NewInt(1010)) != 0 {
		t.Fatalf("unexpected total due: got %s want 1010", due)
	}
}

func TestAmountDueSameDayIsPrincipal(t *testing.T) {
	due, err := AmountDue(big.NewInt(1000), 500, 100, 100+secondsPerDay-1)
	if err != nil {
		t.Fatalf("amount due: %v", err)
	}
	if due.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("same-day repayment must accrue zero interest, got %s", due)
	}
}

func TestAmountDueFloorsFullProductOnce(t *testing.T) {
	// floor(50000*3*7/100000) = 10. Flooring the per-day product first would
	// give floor(50000*3/100000)*7 = 7; the divisor applies to the whole
	// product exactly once.
	due, err := AmountDue(big.NewInt(50_000), 3, 0, 7*secondsPerDay)
	if err != nil {
		t.Fatalf("amount due: %v", err)
	}
	if due.Cmp(big.NewInt(50_010)) != 0 {
		t.Fatalf("unexpected total due: got %s want 50010", due)
	}
}

func TestAmountDueMonotonicInTime(t *testing.T) {
	principal := big.NewInt(12_345)
	prev := new(big.Int)
	for day := int64(0); day <= 30; day++ {
		due, err := AmountDue(principal, 250, 0, day*secondsPerDay)
		if err != nil {
			t.Fatalf("amount due at day %d: %v", day, err)
		}
		if due.Cmp(prev) < 0 {
			t.Fatalf("amount owed decreased at day %d: %s -> %s", day, prev, due)
		}
		prev = due
	}
}

func TestAmountDueRejectsReversedClock(t *testing.T) {
	if _, err := AmountDue(big.NewInt(1), 1, 100, 99); !errors.Is(err, ErrTimeReversed) {
		t.Fatalf("expected ErrTimeReversed, got %v", err)
	}
}
