package wallet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut15"
	"github.com/elnosh/multinuts/wallet/mpp"
	"golang.org/x/sync/errgroup"
)

// requestMeltQuotes requests a melt quote from every mint with a part (msat)
// of the invoice. Requests run concurrently. Mints that fail are returned
// sorted by url and are absent from the quotes. If useMpp is set each
// request asks to pay only the part of the mint.
func (w *Wallet) requestMeltQuotes(
	ctx context.Context,
	request string,
	parts mpp.Allocation,
	useMpp bool,
) (map[string]*nut05.PostMeltQuoteBolt11Response, []*MintError) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]*nut05.PostMeltQuoteBolt11Response, len(parts))
		failed []*MintError
	)

	var g errgroup.Group
	g.SetLimit(w.maxConcurrency)
	for _, mint := range parts.Mints() {
		amountMsat := parts[mint]
		g.Go(func() error {
			quote, err := w.requestMeltQuote(ctx, mint, request, amountMsat, useMpp)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				mintErr := newMintError(mint, err)
				w.logWarnf("could not get melt quote from mint '%v': %v", mint, mintErr)
				failed = append(failed, mintErr)
				return nil
			}
			w.logDebugf("got melt quote '%v' from mint '%v' for %v sats with fee reserve %v",
				quote.Quote, mint, quote.Amount, quote.FeeReserve)
			quotes[mint] = quote
			return nil
		})
	}
	g.Wait()

	slices.SortFunc(failed, func(a, b *MintError) int {
		return strings.Compare(a.Mint, b.Mint)
	})
	return quotes, failed
}

func (w *Wallet) requestMeltQuote(
	ctx context.Context,
	mint, request string,
	amountMsat uint64,
	useMpp bool,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	walletMint, ok := w.getMint(mint)
	if !ok {
		return nil, ErrMintNotExist
	}
	if !walletMint.hasActiveKeyset() {
		return nil, fmt.Errorf("%w: '%v'", ErrUnitMismatch, w.unit)
	}

	quoteRequest := nut05.PostMeltQuoteBolt11Request{
		Request: request,
		Unit:    w.unit.String(),
	}
	if useMpp {
		quoteRequest.Options = &nut05.MeltRequestOptions{Mpp: nut15.NewMppOption(amountMsat)}
	}

	quote, err := w.client.PostMeltQuoteBolt11(ctx, mint, quoteRequest)
	if err != nil {
		return nil, err
	}

	switch {
	case quote.State == nut05.Paid:
		return nil, cashu.MeltQuoteAlreadyPaid
	case quote.Expiry != 0 && quote.Expiry <= uint64(w.now().Unix()):
		return nil, fmt.Errorf("%w: quote '%v'", ErrQuoteExpired, quote.Quote)
	}

	return quote, nil
}
