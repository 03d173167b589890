package mpp

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		total    uint64
		weights  []Weight
		expected Allocation
	}{
		{
			total:    1000,
			weights:  []Weight{{"A", 700}, {"B", 500}},
			expected: Allocation{"A": 583, "B": 417},
		},
		{
			total:    1_000_000,
			weights:  []Weight{{"A", 700_000}, {"B", 500_000}},
			expected: Allocation{"A": 583_333, "B": 416_667},
		},
		// equal remainders go to the mint declared first
		{
			total:    10,
			weights:  []Weight{{"A", 1}, {"B", 1}, {"C", 1}},
			expected: Allocation{"A": 4, "B": 3, "C": 3},
		},
		{
			total:    11,
			weights:  []Weight{{"A", 1}, {"B", 1}, {"C", 1}},
			expected: Allocation{"A": 4, "B": 4, "C": 3},
		},
		{
			total:    0,
			weights:  []Weight{{"A", 5}, {"B", 7}},
			expected: Allocation{"A": 0, "B": 0},
		},
		{
			total:    7,
			weights:  []Weight{{"A", 0}, {"B", 7}},
			expected: Allocation{"A": 0, "B": 7},
		},
		{
			total:    math.MaxUint64,
			weights:  []Weight{{"A", math.MaxUint64 / 2}, {"B", math.MaxUint64 / 2}},
			expected: Allocation{"A": math.MaxUint64/2 + 1, "B": math.MaxUint64 / 2},
		},
	}

	for _, test := range tests {
		allocation, err := Allocate(test.total, test.weights)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(allocation, test.expected) {
			t.Fatalf("expected '%v' but got '%v'", test.expected, allocation)
		}
	}
}

func TestAllocateErrors(t *testing.T) {
	if _, err := Allocate(10, nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNoCandidates, err)
	}
	if _, err := Allocate(10, []Weight{{"A", 0}}); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNoCandidates, err)
	}
	_, err := Allocate(10, []Weight{{"A", math.MaxUint64}, {"B", 1}})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected error '%v' but got '%v'", ErrOverflow, err)
	}
}

func randomWeights(r *rand.Rand, n int, maxWeight uint64) []Weight {
	weights := make([]Weight, n)
	for i := range weights {
		weights[i] = Weight{Mint: string(rune('A' + i)), Weight: r.Uint64N(maxWeight)}
	}
	return weights
}

func TestAllocateExact(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 5000; i++ {
		n := 1 + r.IntN(8)
		weights := randomWeights(r, n, 1<<40)
		weights[0].Weight++
		total := r.Uint64N(1 << 50)

		allocation, err := Allocate(total, weights)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if allocation.Total() != total {
			t.Fatalf("expected allocation to sum to '%v' but got '%v' for weights %v",
				total, allocation.Total(), weights)
		}
	}
}

func TestAllocateFeasible(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 5000; i++ {
		n := 1 + r.IntN(8)
		weights := randomWeights(r, n, 1<<32)
		var sum uint64
		for _, w := range weights {
			sum += w.Weight
		}
		if sum == 0 {
			continue
		}
		total := r.Uint64N(sum + 1)

		allocation, err := Allocate(total, weights)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, w := range weights {
			if allocation[w.Mint] > w.Weight {
				t.Fatalf("mint '%v' allocated '%v' above its balance '%v' (total %v, weights %v)",
					w.Mint, allocation[w.Mint], w.Weight, total, weights)
			}
		}
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name        string
		total       uint64
		candidates  []Candidate
		expected    Allocation
		expectedErr error
	}{
		{
			name:       "single mint full payment",
			total:      1000,
			candidates: []Candidate{{Mint: "A", Balance: 1500, Mpp: false}},
			expected:   Allocation{"A": 1000},
		},
		{
			name:  "two mint split",
			total: 1000,
			candidates: []Candidate{
				{Mint: "A", Balance: 700, Mpp: true},
				{Mint: "B", Balance: 500, Mpp: true},
			},
			expected: Allocation{"A": 583, "B": 417},
		},
		{
			name:  "zero balance mint is discarded",
			total: 1000,
			candidates: []Candidate{
				{Mint: "A", Balance: 1000, Mpp: false},
				{Mint: "B", Balance: 0, Mpp: false},
			},
			expected: Allocation{"A": 1000},
		},
		{
			name:  "zero share is discarded",
			total: 2,
			candidates: []Candidate{
				{Mint: "A", Balance: 1000, Mpp: true},
				{Mint: "B", Balance: 1, Mpp: true},
			},
			expected: Allocation{"A": 2},
		},
		{
			name:  "non mpp mint cannot share",
			total: 1000,
			candidates: []Candidate{
				{Mint: "A", Balance: 700, Mpp: true},
				{Mint: "B", Balance: 500, Mpp: false},
			},
			expectedErr: ErrSplitUnsupported,
		},
		{
			name:        "single mint insufficient",
			total:       1000,
			candidates:  []Candidate{{Mint: "A", Balance: 999, Mpp: true}},
			expectedErr: ErrInsufficientBalance,
		},
		{
			name:  "split insufficient",
			total: 1000,
			candidates: []Candidate{
				{Mint: "A", Balance: 400, Mpp: true},
				{Mint: "B", Balance: 500, Mpp: true},
			},
			expectedErr: ErrInsufficientBalance,
		},
		{
			name:        "no candidates",
			total:       1000,
			candidates:  []Candidate{{Mint: "A", Balance: 0}},
			expectedErr: ErrNoCandidates,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			allocation, err := Plan(test.total, test.candidates)
			if test.expectedErr != nil {
				if !errors.Is(err, test.expectedErr) {
					t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(allocation, test.expected) {
				t.Fatalf("expected '%v' but got '%v'", test.expected, allocation)
			}
		})
	}

	var splitErr *SplitUnsupportedError
	_, err := Plan(10, []Candidate{{Mint: "A", Balance: 5, Mpp: true}, {Mint: "B", Balance: 5}})
	if !errors.As(err, &splitErr) || splitErr.Mint != "B" {
		t.Fatalf("expected split unsupported error for mint B but got '%v'", err)
	}
}

func TestParts(t *testing.T) {
	tests := []struct {
		shares    Allocation
		totalMsat uint64
		expected  Allocation
	}{
		{
			shares:    Allocation{"A": 583, "B": 417},
			totalMsat: 1_000_000,
			expected:  Allocation{"A": 583_000, "B": 417_000},
		},
		// the sub-sat remainder comes off the largest share
		{
			shares:    Allocation{"A": 583, "B": 418},
			totalMsat: 1_000_500,
			expected:  Allocation{"A": 583_000, "B": 417_500},
		},
		{
			shares:    Allocation{"A": 1001},
			totalMsat: 1_000_001,
			expected:  Allocation{"A": 1_000_001},
		},
	}

	for _, test := range tests {
		parts, err := Parts(test.shares, test.totalMsat)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(parts, test.expected) {
			t.Fatalf("expected '%v' but got '%v'", test.expected, parts)
		}
		if parts.Total() != test.totalMsat {
			t.Fatalf("expected parts to add up to '%v' but got '%v'", test.totalMsat, parts.Total())
		}
		for mint, part := range parts {
			if MsatToSat(part) != test.shares[mint] {
				t.Fatalf("part '%v' of mint '%v' does not round up to its share '%v'", part, mint, test.shares[mint])
			}
		}
	}

	if _, err := Parts(Allocation{"A": 583, "B": 417}, 1_000_001); err == nil {
		t.Fatal("expected error for shares that do not match the payment")
	}
}

func TestChooseMints(t *testing.T) {
	candidates := []Candidate{
		{Mint: "A", Balance: 300, Mpp: true},
		{Mint: "B", Balance: 100, Mpp: false},
		{Mint: "C", Balance: 500, Mpp: true},
		{Mint: "D", Balance: 400, Mpp: true},
	}

	tests := []struct {
		total       uint64
		expected    []string
		expectedErr error
	}{
		{total: 100, expected: []string{"A"}},
		{total: 450, expected: []string{"C"}},
		{total: 800, expected: []string{"C", "D"}},
		{total: 1200, expected: []string{"C", "D", "A"}},
		{total: 1300, expectedErr: ErrInsufficientBalance},
	}

	for _, test := range tests {
		chosen, err := ChooseMints(test.total, candidates)
		if test.expectedErr != nil {
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mints := make([]string, len(chosen))
		for i, c := range chosen {
			mints[i] = c.Mint
		}
		if !reflect.DeepEqual(mints, test.expected) {
			t.Fatalf("expected '%v' but got '%v'", test.expected, mints)
		}
	}
}

func TestRounding(t *testing.T) {
	tests := []struct {
		msat     uint64
		expected uint64
	}{
		{msat: 0, expected: 0},
		{msat: 1, expected: 1},
		{msat: 999, expected: 1},
		{msat: 1000, expected: 1},
		{msat: 1001, expected: 2},
		{msat: 583_333, expected: 584},
		{msat: 416_667, expected: 417},
	}

	for _, test := range tests {
		if sat := MsatToSat(test.msat); sat != test.expected {
			t.Errorf("expected '%v' but got '%v' for %v msat", test.expected, sat, test.msat)
		}
	}

	if _, err := SatToMsat(math.MaxUint64 / 100); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected error '%v' but got '%v'", ErrOverflow, err)
	}
}

func TestCheckFeeCoverage(t *testing.T) {
	tests := []struct {
		partMsat    uint64
		quoteAmount uint64
		feeReserve  uint64
		inputFee    uint64
		balance     uint64
		expectedErr error
	}{
		{partMsat: 1_000_000, quoteAmount: 1000, feeReserve: 5, balance: 1000, expectedErr: ErrInsufficientBalanceWithFees},
		{partMsat: 1_000_000, quoteAmount: 1000, feeReserve: 5, balance: 1005},
		{partMsat: 1_000_000, quoteAmount: 1000, feeReserve: 5, inputFee: 1, balance: 1005, expectedErr: ErrInsufficientBalanceWithFees},
		// rounding up the part pushes the requirement over the balance
		{partMsat: 583_333, quoteAmount: 583, feeReserve: 2, balance: 585, expectedErr: ErrInsufficientBalanceWithFees},
		{partMsat: 583_333, quoteAmount: 583, feeReserve: 2, balance: 586},
	}

	for _, test := range tests {
		err := CheckFeeCoverage("A", test.partMsat, test.quoteAmount, test.feeReserve, test.inputFee, test.balance)
		if !errors.Is(err, test.expectedErr) {
			t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
		}
	}
}
