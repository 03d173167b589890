// Package mpp splits a lightning payment across several mints.
//
// Payments are planned in whole sats so no mint is debited for more than
// its share. Only the amounts of the parts sent to the mints are in msat.
// Every function in this package is pure and works on copies of the
// balances it is given.
package mpp

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
)

var (
	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrInsufficientBalanceWithFees = errors.New("insufficient balance including fees")
	ErrSplitUnsupported            = errors.New("mint does not support multi-path payments")
	ErrNoCandidates                = errors.New("no mints with balance")
	ErrOverflow                    = errors.New("amount overflow")
)

// Allocation maps a mint url to the amount it pays.
type Allocation map[string]uint64

func (a Allocation) Total() uint64 {
	var total uint64
	for _, amount := range a {
		total += amount
	}
	return total
}

// Mints returns the mints in the allocation sorted by url.
func (a Allocation) Mints() []string {
	mints := make([]string, 0, len(a))
	for mint := range a {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

type Weight struct {
	Mint   string
	Weight uint64
}

// Candidate is a mint that can take part in a payment.
type Candidate struct {
	Mint string
	// spendable balance in sat
	Balance uint64
	Mpp     bool
}

// SplitUnsupportedError is returned when a mint without multi-path
// support would have to share the payment with other mints.
type SplitUnsupportedError struct {
	Mint string
}

func (e *SplitUnsupportedError) Error() string {
	return fmt.Sprintf("%v: %v", e.Mint, ErrSplitUnsupported)
}

func (e *SplitUnsupportedError) Unwrap() error {
	return ErrSplitUnsupported
}

// InsufficientBalanceError is returned when a mint cannot fund its share
// of the payment plus fees.
type InsufficientBalanceError struct {
	Mint     string
	Required uint64
	Balance  uint64
	Err      error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: %v (required %v, balance %v)", e.Mint, e.Err, e.Required, e.Balance)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return e.Err
}

// Allocate splits total proportionally to the weights using largest remainder
// apportionment. Each share starts at floor(total*w/W) and the residual is handed
// out one unit at a time to the largest fractional remainders, earlier weights
// first on ties. The shares always add up to total.
func Allocate(total uint64, weights []Weight) (Allocation, error) {
	allocation := make(Allocation, len(weights))
	if len(weights) == 0 {
		if total == 0 {
			return allocation, nil
		}
		return nil, ErrNoCandidates
	}

	var sum uint64
	for _, w := range weights {
		var carry uint64
		sum, carry = bits.Add64(sum, w.Weight, 0)
		if carry != 0 {
			return nil, ErrOverflow
		}
	}
	if sum == 0 {
		if total == 0 {
			for _, w := range weights {
				allocation[w.Mint] = 0
			}
			return allocation, nil
		}
		return nil, ErrNoCandidates
	}

	floors := make([]uint64, len(weights))
	remainders := make([]uint64, len(weights))
	var assigned uint64
	for i, w := range weights {
		// total*w fits in 128 bits and the quotient is at most total
		hi, lo := bits.Mul64(total, w.Weight)
		floors[i], remainders[i] = bits.Div64(hi, lo, sum)
		assigned += floors[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})

	// residual is smaller than the number of weights
	residual := total - assigned
	for k := uint64(0); k < residual; k++ {
		floors[order[k]]++
	}

	for i, w := range weights {
		allocation[w.Mint] += floors[i]
	}
	return allocation, nil
}

// Plan decides how many sats each candidate pays. Candidates without balance are
// ignored. A single candidate pays the full amount. Several candidates must all
// support multi-path payments and are weighted by their balances. Candidates
// left with a zero share are not part of the allocation.
func Plan(total uint64, candidates []Candidate) (Allocation, error) {
	funded := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Balance > 0 {
			funded = append(funded, c)
		}
	}

	switch len(funded) {
	case 0:
		return nil, ErrNoCandidates
	case 1:
		c := funded[0]
		if c.Balance < total {
			return nil, &InsufficientBalanceError{
				Mint:     c.Mint,
				Required: total,
				Balance:  c.Balance,
				Err:      ErrInsufficientBalance,
			}
		}
		return Allocation{c.Mint: total}, nil
	}

	weights := make([]Weight, len(funded))
	var sum uint64
	for i, c := range funded {
		if !c.Mpp {
			return nil, &SplitUnsupportedError{Mint: c.Mint}
		}
		var carry uint64
		sum, carry = bits.Add64(sum, c.Balance, 0)
		if carry != 0 {
			return nil, ErrOverflow
		}
		weights[i] = Weight{Mint: c.Mint, Weight: c.Balance}
	}
	if sum < total {
		return nil, fmt.Errorf("%w: required %v sat, available %v sat", ErrInsufficientBalance, total, sum)
	}

	allocation, err := Allocate(total, weights)
	if err != nil {
		return nil, err
	}
	for mint, share := range allocation {
		if share == 0 {
			delete(allocation, mint)
		}
	}
	return allocation, nil
}

// Parts converts the shares of an invoice of totalMsat into the msat amounts
// of the parts of the payment. The shares must add up to totalMsat rounded up
// to whole sats. What that rounding added is taken off the largest share, so
// the parts add up to totalMsat and each rounds back up to its share.
func Parts(shares Allocation, totalMsat uint64) (Allocation, error) {
	total, err := SatToMsat(shares.Total())
	if err != nil {
		return nil, err
	}
	if MsatToSat(totalMsat) != shares.Total() {
		return nil, fmt.Errorf("shares add up to %v sat but the payment is %v msat", shares.Total(), totalMsat)
	}

	parts := make(Allocation, len(shares))
	var largest string
	for _, mint := range shares.Mints() {
		// cannot overflow, the total did not
		parts[mint] = shares[mint] * 1000
		if largest == "" || shares[mint] > shares[largest] {
			largest = mint
		}
	}
	if largest != "" {
		parts[largest] -= total - totalMsat
	}
	return parts, nil
}

// ChooseMints picks the mints to pay with when the user did not name any.
// The first candidate able to pay alone is preferred. Otherwise multi-path
// capable candidates are added by descending balance until the total is covered.
func ChooseMints(total uint64, candidates []Candidate) ([]Candidate, error) {
	for _, c := range candidates {
		if c.Balance >= total && c.Balance > 0 {
			return []Candidate{c}, nil
		}
	}

	mppCandidates := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Mpp && c.Balance > 0 {
			mppCandidates = append(mppCandidates, c)
		}
	}
	sort.SliceStable(mppCandidates, func(i, j int) bool {
		return mppCandidates[i].Balance > mppCandidates[j].Balance
	})

	var covered uint64
	for i, c := range mppCandidates {
		covered += c.Balance
		if covered >= total {
			return mppCandidates[:i+1], nil
		}
	}

	return nil, fmt.Errorf("%w: required %v sat, available %v sat", ErrInsufficientBalance, total, covered)
}

// RoundUp rounds amount up to the next multiple of step.
func RoundUp(amount, step uint64) uint64 {
	if step == 0 {
		return amount
	}
	if r := amount % step; r != 0 {
		return amount + step - r
	}
	return amount
}

// MsatToSat converts msat to sat rounding up so a leg is never underfunded.
func MsatToSat(msat uint64) uint64 {
	return RoundUp(msat, 1000) / 1000
}

// SatToMsat returns ErrOverflow if the amount cannot be expressed in msat.
func SatToMsat(sat uint64) (uint64, error) {
	hi, lo := bits.Mul64(sat, 1000)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// CheckFeeCoverage verifies, once the quote is known, that the mint balance (sat)
// covers its part (msat) rounded up to whole sats plus the fee reserve and input fees.
// The quoted amount is used when the mint asks for more than the rounded share.
func CheckFeeCoverage(mint string, partMsat, quoteAmount, feeReserve, inputFee, balance uint64) error {
	required := max(MsatToSat(partMsat), quoteAmount)
	required += feeReserve + inputFee
	if required > balance {
		return &InsufficientBalanceError{
			Mint:     mint,
			Required: required,
			Balance:  balance,
			Err:      ErrInsufficientBalanceWithFees,
		}
	}
	return nil
}
