package wallet

import (
	"context"
	"fmt"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/wallet/storage"
	"golang.org/x/sync/errgroup"
)

// LegOutcome is what is known about a leg after submitting it or
// querying its quote. It is one of OutcomePaid, OutcomeUnpaid,
// OutcomePending or OutcomeFailed.
type LegOutcome interface {
	isLegOutcome()
	String() string
}

type OutcomePaid struct {
	Preimage string
	Change   cashu.BlindedSignatures
}

type OutcomeUnpaid struct{}

type OutcomePending struct{}

// OutcomeFailed is returned when the mint could not be asked or refused.
// Sent is true if the mint may have acted on the request. SpentInputs
// holds the inputs the mint reports spent for a quote that was not paid.
type OutcomeFailed struct {
	Kind        Reason
	Err         error
	Sent        bool
	SpentInputs []string
}

func (OutcomePaid) isLegOutcome()    {}
func (OutcomeUnpaid) isLegOutcome()  {}
func (OutcomePending) isLegOutcome() {}
func (OutcomeFailed) isLegOutcome()  {}

func (OutcomePaid) String() string    { return "paid" }
func (OutcomeUnpaid) String() string  { return "unpaid" }
func (OutcomePending) String() string { return "pending" }
func (OutcomeFailed) String() string  { return "failed" }

func (o OutcomeFailed) Error() string {
	return fmt.Sprintf("%v: %v", o.Kind, o.Err)
}

type settleLeg struct {
	leg    storage.MeltLeg
	inputs cashu.Proofs
}

func outcomeFromQuote(quote *nut05.PostMeltQuoteBolt11Response) LegOutcome {
	switch quote.State {
	case nut05.Paid:
		return OutcomePaid{Preimage: quote.Preimage, Change: quote.Change}
	case nut05.Pending:
		return OutcomePending{}
	case nut05.Unpaid:
		return OutcomeUnpaid{}
	default:
		// proofs are only released on an explicit unpaid
		return OutcomeFailed{
			Kind: ReasonProtocolRejection,
			Err:  fmt.Errorf("mint returned unknown state '%v' for quote '%v'", quote.State, quote.Quote),
			Sent: true,
		}
	}
}

// forEachLeg runs fn for every leg with at most maxConcurrency running at
// once. fn never fails so every leg runs to completion.
func (w *Wallet) forEachLeg(n int, fn func(i int) LegOutcome) []LegOutcome {
	outcomes := make([]LegOutcome, n)

	var g errgroup.Group
	g.SetLimit(w.maxConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			outcomes[i] = fn(i)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// settle submits the melt request of every leg. It does not touch the ledger.
func (w *Wallet) settle(ctx context.Context, legs []settleLeg) []LegOutcome {
	return w.forEachLeg(len(legs), func(i int) LegOutcome {
		leg := legs[i].leg
		if leg.Expiry != 0 && leg.Expiry <= uint64(w.now().Unix()) {
			return OutcomeFailed{
				Kind: ReasonExpiredQuote,
				Err:  fmt.Errorf("%w: quote '%v'", ErrQuoteExpired, leg.QuoteId),
				Sent: false,
			}
		}

		meltRequest := nut05.PostMeltBolt11Request{
			Quote:  leg.QuoteId,
			Inputs: legs[i].inputs,
		}
		if leg.Blank != nil {
			meltRequest.Outputs = leg.Blank.Outputs
		}

		w.logDebugf("submitting melt request for quote '%v' to mint '%v'", leg.QuoteId, leg.Mint)
		response, err := w.client.PostMeltBolt11(ctx, leg.Mint, meltRequest)
		if err != nil {
			if cashuErr, ok := cashu.AsCashuError(err); ok && cashuErr.Code == cashu.MeltQuotePendingErrCode {
				return OutcomePending{}
			}
			return OutcomeFailed{Kind: classify(err), Err: err, Sent: indeterminate(err)}
		}
		return outcomeFromQuote(response)
	})
}

// query gets the state of the quote of every leg.
func (w *Wallet) query(ctx context.Context, legs []storage.MeltLeg) []LegOutcome {
	return w.forEachLeg(len(legs), func(i int) LegOutcome {
		quote, err := w.client.GetMeltQuoteState(ctx, legs[i].Mint, legs[i].QuoteId)
		if err != nil {
			return OutcomeFailed{Kind: classify(err), Err: err, Sent: true}
		}
		return outcomeFromQuote(quote)
	})
}
