package wallet

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/elnosh/multinuts/crypto"
	"github.com/elnosh/multinuts/wallet/storage"
)

// max number of nodes visited by the branch and bound search
// before falling back to a greedy selection.
const maxSelectionIterations = 100_000

type Selection struct {
	Proofs []storage.DBProof
	// input fee of the selected proofs
	Fee uint64
}

func (s Selection) Amount() uint64 {
	return storage.Amount(s.Proofs)
}

func inputFee(proofs []storage.DBProof, keysetFees map[string]uint) uint64 {
	var totalPpk uint64
	for _, proof := range proofs {
		totalPpk += uint64(keysetFees[proof.Id])
	}
	return crypto.Fees(totalPpk)
}

// SelectProofs selects proofs that cover amount plus the input fee of the
// selected proofs. It minimizes the amount selected over what is needed,
// then the number of proofs. ErrInsufficientFunds is returned if no subset
// of the proofs can cover the amount.
func SelectProofs(proofs []storage.DBProof, amount uint64, keysetFees map[string]uint) (Selection, error) {
	sorted := slices.Clone(proofs)
	slices.SortStableFunc(sorted, func(a, b storage.DBProof) int {
		return cmp.Compare(b.Amount, a.Amount)
	})

	n := len(sorted)
	ppks := make([]uint64, n)
	// suffix[i] is the sum of the amounts from i to the end
	suffix := make([]uint64, n+1)
	for i := n - 1; i >= 0; i-- {
		ppks[i] = uint64(keysetFees[sorted[i].Id])
		suffix[i] = suffix[i+1] + sorted[i].Amount
	}
	if suffix[0] < amount {
		return Selection{}, fmt.Errorf("%w: need %v but have %v", ErrInsufficientFunds, amount, suffix[0])
	}

	var (
		best       []int
		bestWaste  uint64
		found      bool
		iterations int
		current    = make([]int, 0, n)
	)

	var search func(i int, sum, totalPpk uint64)
	search = func(i int, sum, totalPpk uint64) {
		if iterations >= maxSelectionIterations {
			return
		}
		iterations++

		needed := amount + crypto.Fees(totalPpk)
		if sum >= needed {
			// adding more proofs can only add waste
			waste := sum - needed
			if !found || waste < bestWaste || (waste == bestWaste && len(current) < len(best)) {
				best = slices.Clone(current)
				bestWaste = waste
				found = true
			}
			return
		}
		if i == n || sum+suffix[i] < needed {
			return
		}
		if found && bestWaste == 0 && len(current)+1 >= len(best) {
			return
		}

		current = append(current, i)
		search(i+1, sum+sorted[i].Amount, totalPpk+ppks[i])
		current = current[:len(current)-1]

		// excluding proof i also excludes the equivalent proofs after it
		j := i + 1
		for j < n && sorted[j].Amount == sorted[i].Amount && ppks[j] == ppks[i] {
			j++
		}
		search(j, sum, totalPpk)
	}
	search(0, 0, 0)

	if !found {
		return greedySelect(sorted, amount, keysetFees)
	}

	selected := make([]storage.DBProof, len(best))
	for k, i := range best {
		selected[k] = sorted[i]
	}
	return Selection{Proofs: selected, Fee: inputFee(selected, keysetFees)}, nil
}

// greedySelect takes the largest proofs until the amount and fees are covered.
// The proofs must be sorted by amount in descending order.
func greedySelect(sorted []storage.DBProof, amount uint64, keysetFees map[string]uint) (Selection, error) {
	var (
		selected []storage.DBProof
		sum      uint64
		totalPpk uint64
	)
	for _, proof := range sorted {
		if sum >= amount+crypto.Fees(totalPpk) {
			break
		}
		selected = append(selected, proof)
		sum += proof.Amount
		totalPpk += uint64(keysetFees[proof.Id])
	}

	fee := crypto.Fees(totalPpk)
	if sum < amount+fee {
		return Selection{}, fmt.Errorf("%w: need %v plus fees but have %v", ErrInsufficientFunds, amount, sum)
	}
	return Selection{Proofs: selected, Fee: fee}, nil
}
