package pricing

import (
	"errors"
	"math"
	"testing"

	"github.com/toolpay/toolpayd/domain/pay"
)

func TestCost_RoundsPartialBlocksUp(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultConfig())

	got, err := engine.Cost(2500, 100)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if got != 300 {
		t.Fatalf("cost mismatch: got %d want 300", got)
	}
}

func TestCost_AppliesMinimum(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultConfig())

	// Raw cost would be ceil(50/1000)*5 = 5, below the 100 lamport floor.
	got, err := engine.Cost(50, 5)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if got != 100 {
		t.Fatalf("cost mismatch: got %d want 100", got)
	}
}

func TestCost_ZeroTokensChargesMinimum(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Config{MinCostLamports: 42, MaxTokensPerCall: 1000})

	got, err := engine.Cost(0, 7)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if got != 42 {
		t.Fatalf("cost mismatch: got %d want 42", got)
	}
}

func TestCost_Deterministic(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultConfig())

	first, err := engine.Cost(123_456, 77)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := engine.Cost(123_456, 77)
		if err != nil {
			t.Fatalf("Cost: %v", err)
		}
		if got != first {
			t.Fatalf("non-deterministic cost: got %d want %d", got, first)
		}
	}
}

func TestCost_NeverBelowMinimum(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultConfig())

	cases := []struct {
		tokens uint64
		rate   pay.Lamports
	}{
		{0, 1},
		{1, 1},
		{999, 1},
		{1000, 1},
		{1001, 1},
		{50, 5},
		{1_000_000, 3},
	}
	for _, tc := range cases {
		got, err := engine.Cost(tc.tokens, tc.rate)
		if err != nil {
			t.Fatalf("Cost(%d, %d): %v", tc.tokens, tc.rate, err)
		}
		if got < 100 {
			t.Fatalf("Cost(%d, %d) = %d, below minimum 100", tc.tokens, tc.rate, got)
		}
	}
}

func TestCost_ZeroRateRejected(t *testing.T) {
	t.Parallel()

	engine := NewEngine(DefaultConfig())

	_, err := engine.Cost(100, 0)
	if !errors.Is(err, pay.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
}

func TestCost_Overflow(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Config{MinCostLamports: 1, MaxTokensPerCall: math.MaxUint64})

	_, err := engine.Cost(math.MaxUint64, math.MaxUint64)
	if !errors.Is(err, pay.ErrPriceOverflow) {
		t.Fatalf("expected ErrPriceOverflow, got %v", err)
	}
}

func TestFeeSplit(t *testing.T) {
	t.Parallel()

	// 5% of 20_000 lamports.
	fee, payout := FeeSplit(20_000, 500)
	if fee != 1_000 || payout != 19_000 {
		t.Fatalf("split mismatch: got fee=%d payout=%d want fee=1000 payout=19000", fee, payout)
	}
}

func TestFeeSplit_Conserves(t *testing.T) {
	t.Parallel()

	amounts := []pay.Lamports{0, 1, 99, 10_000, 10_001, 123_456_789, math.MaxUint64}
	bps := []uint32{0, 1, 250, 500, 9_999, 10_000}

	for _, amount := range amounts {
		for _, b := range bps {
			fee, payout := FeeSplit(amount, b)
			if fee+payout != amount {
				t.Fatalf("FeeSplit(%d, %d): fee %d + payout %d != %d", amount, b, fee, payout, amount)
			}
			if fee > amount {
				t.Fatalf("FeeSplit(%d, %d): fee %d exceeds amount", amount, b, fee)
			}
		}
	}
}

func TestFeeSplit_FloorsFee(t *testing.T) {
	t.Parallel()

	// 5% of 19_999 is 999.95; the fee floors to 999.
	fee, payout := FeeSplit(19_999, 500)
	if fee != 999 || payout != 19_000 {
		t.Fatalf("split mismatch: got fee=%d payout=%d want fee=999 payout=19000", fee, payout)
	}
}
