// Package nut15 contains structs as defined in [NUT-15]
//
// [NUT-15]: https://github.com/cashubtc/nuts/blob/main/15.md
package nut15

// MppOption is sent in the options of a melt quote request
// to pay only part of an invoice. Amount is in millisatoshi.
type MppOption struct {
	Amount uint64 `json:"amount"`
}

func NewMppOption(amountMsat uint64) *MppOption {
	return &MppOption{Amount: amountMsat}
}
