package wallet

import (
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/elnosh/multinuts/wallet/storage"
)

func testProofs(keysetId string, amounts ...uint64) []storage.DBProof {
	proofs := make([]storage.DBProof, len(amounts))
	for i, amount := range amounts {
		proofs[i] = storage.DBProof{
			Y:      keysetId + strconv.Itoa(i),
			Amount: amount,
			Id:     keysetId,
			State:  storage.Valid,
		}
	}
	return proofs
}

func ones(n int) []uint64 {
	amounts := make([]uint64, n)
	for i := range amounts {
		amounts[i] = 1
	}
	return amounts
}

func TestSelectProofs(t *testing.T) {
	fees := map[string]uint{"nofee": 0, "half": 500, "full": 1000}

	tests := []struct {
		name           string
		proofs         []storage.DBProof
		amount         uint64
		expectedAmount uint64
		expectedCount  int
		expectedFee    uint64
	}{
		{
			name:           "exact",
			proofs:         testProofs("nofee", 64, 32, 4, 2),
			amount:         102,
			expectedAmount: 102,
			expectedCount:  4,
		},
		{
			name:           "least waste",
			proofs:         testProofs("nofee", 64, 32, 8),
			amount:         40,
			expectedAmount: 40,
			expectedCount:  2,
		},
		{
			name:           "fewest proofs",
			proofs:         testProofs("nofee", 8, 16, 8, 16),
			amount:         24,
			expectedAmount: 24,
			expectedCount:  2,
		},
		{
			name:           "overpay",
			proofs:         testProofs("nofee", 64, 32),
			amount:         20,
			expectedAmount: 32,
			expectedCount:  1,
		},
		{
			name:           "partial unit fee rounds up",
			proofs:         testProofs("half", 64, 32),
			amount:         60,
			expectedAmount: 64,
			expectedCount:  1,
			expectedFee:    1,
		},
		{
			name:           "fee needs another proof",
			proofs:         testProofs("full", 4, 4, 4),
			amount:         8,
			expectedAmount: 12,
			expectedCount:  3,
			expectedFee:    3,
		},
		{
			name:           "zero amount",
			proofs:         testProofs("nofee", 4, 2),
			amount:         0,
			expectedAmount: 0,
			expectedCount:  0,
		},
		{
			name:           "many equal proofs",
			proofs:         testProofs("nofee", ones(200)...),
			amount:         150,
			expectedAmount: 150,
			expectedCount:  150,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			original := slices.Clone(test.proofs)

			selection, err := SelectProofs(test.proofs, test.amount, fees)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if selection.Amount() != test.expectedAmount {
				t.Fatalf("expected amount '%v' but got '%v'", test.expectedAmount, selection.Amount())
			}
			if len(selection.Proofs) != test.expectedCount {
				t.Fatalf("expected '%v' proofs but got '%v'", test.expectedCount, len(selection.Proofs))
			}
			if selection.Fee != test.expectedFee {
				t.Fatalf("expected fee '%v' but got '%v'", test.expectedFee, selection.Fee)
			}
			if selection.Amount() < test.amount+selection.Fee {
				t.Fatalf("selection of '%v' does not cover '%v' plus fee '%v'", selection.Amount(), test.amount, selection.Fee)
			}
			if !slices.Equal(storage.Ys(test.proofs), storage.Ys(original)) {
				t.Fatalf("input proofs were reordered")
			}
		})
	}
}

func TestSelectProofsInsufficient(t *testing.T) {
	fees := map[string]uint{"nofee": 0, "full": 1000}

	tests := []struct {
		name   string
		proofs []storage.DBProof
		amount uint64
	}{
		{name: "no proofs", proofs: nil, amount: 1},
		{name: "below amount", proofs: testProofs("nofee", 4, 2), amount: 10},
		{name: "below amount with fees", proofs: testProofs("full", 4, 4), amount: 8},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := SelectProofs(test.proofs, test.amount, fees)
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Fatalf("expected error '%v' but got '%v'", ErrInsufficientFunds, err)
			}
		})
	}
}
