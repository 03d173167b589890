// Package nut08 implements the blank outputs described in [NUT-08]
// used to receive overpaid lightning fees as change.
//
// [NUT-08]: https://github.com/cashubtc/nuts/blob/main/08.md
package nut08

import "math/bits"

// BlankOutputAmount is the placeholder amount set on blank outputs.
// The mint overrides it when signing change.
const BlankOutputAmount = 1

// BlankOutputCount returns the number of blank outputs needed to
// receive change for the fee reserve: max(1, ceil(log2(feeReserve))).
// It returns 0 when there is no fee reserve.
func BlankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	// ceil(log2(x)) == bit length of (x-1)
	n := bits.Len64(feeReserve - 1)
	if n < 1 {
		n = 1
	}
	return n
}
