// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut15"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

func (state State) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.String())
}

func (state *State) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*state = StringToState(s)
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string              `json:"request"`
	Unit    string              `json:"unit"`
	Options *MeltRequestOptions `json:"options,omitempty"`
}

type MeltRequestOptions struct {
	Mpp *nut15.MppOption `json:"mpp,omitempty"`
}

// PartialAmount returns the msat amount requested for a multi-path
// payment or 0 if the request is for the full invoice.
func (req PostMeltQuoteBolt11Request) PartialAmount() uint64 {
	if req.Options == nil || req.Options.Mpp == nil {
		return 0
	}
	return req.Options.Mpp.Amount
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Request    string                  `json:"request,omitempty"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Paid       bool                    `json:"paid"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

// mints that predate the state field only report paid
func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	type alias PostMeltQuoteBolt11Response
	var temp struct {
		alias
		State *State `json:"state"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	*quoteResponse = PostMeltQuoteBolt11Response(temp.alias)
	switch {
	case temp.State != nil:
		quoteResponse.State = *temp.State
	case temp.Paid:
		quoteResponse.State = Paid
	default:
		quoteResponse.State = Unpaid
	}
	quoteResponse.Paid = quoteResponse.State == Paid

	return nil
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
