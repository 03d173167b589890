package wallet

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/wallet/mpp"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusInsufficient
	StatusPaid
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusInsufficient:
		return "insufficient"
	case StatusPaid:
		return "paid"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusListener is notified as a payment progresses.
// err is set when the status is caused by an error.
type StatusListener func(status Status, err error)

func (w *Wallet) notify(status Status, err error) {
	if w.statusListener != nil {
		w.statusListener(status, err)
	}
}

type MeltOptions struct {
	// if set, mints that fail to provide a quote are left out and
	// the invoice is split among the rest if they can cover it.
	DropFailedMints bool
}

type LegResult struct {
	Mint         string
	QuoteId      string
	Amount       uint64
	FeeReserve   uint64
	InputFee     uint64
	ChangeAmount uint64
	// nil if the leg was not submitted or queried in this call
	Outcome LegOutcome
}

type MeltResult struct {
	AttemptId    string
	State        storage.AttemptState
	Preimage     string
	Legs         []LegResult
	ChangeAmount uint64
}

func statusForState(state storage.AttemptState) Status {
	switch state {
	case storage.Paid:
		return StatusPaid
	case storage.Unpaid:
		return StatusFailed
	default:
		return StatusPending
	}
}

func statusForError(err error) Status {
	if errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientBalanceWithFees) ||
		errors.Is(err, ErrSplitUnsupported) ||
		errors.Is(err, mpp.ErrNoCandidates) {
		return StatusInsufficient
	}
	return StatusFailed
}

// Melt pays the lightning invoice with ecash from the mints passed. If more than one mint
// is passed the invoice is split among them in proportion to their balances and paid as
// a multi-path payment. If no mints are passed the wallet picks them.
//
// Errors returned before any proofs were reserved leave the wallet untouched. Once
// proofs are reserved the result reports the state of the attempt. Legs left pending
// are resolved with CheckMeltAttempt.
func (w *Wallet) Melt(ctx context.Context, request string, mints []string, opts MeltOptions) (*MeltResult, error) {
	w.notify(StatusLoading, nil)

	result, err := w.melt(ctx, request, mints, opts)
	if err != nil {
		w.notify(statusForError(err), err)
		return nil, err
	}

	w.notify(statusForState(result.State), nil)
	return result, nil
}

func (w *Wallet) melt(ctx context.Context, request string, mints []string, opts MeltOptions) (*MeltResult, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice: %v", err)
	}
	if invoice.MSatoshi <= 0 {
		return nil, ErrAmountlessInvoice
	}
	if invoice.Expiry > 0 && int64(invoice.CreatedAt+invoice.Expiry) <= w.now().Unix() {
		return nil, ErrInvoiceExpired
	}
	amountMsat := uint64(invoice.MSatoshi)
	// rounded up once for the whole invoice, never per mint
	amount := mpp.MsatToSat(amountMsat)

	candidates, err := w.meltCandidates(ctx, amount, mints, opts)
	if err != nil {
		return nil, err
	}

	var (
		parts  mpp.Allocation
		quotes map[string]*nut05.PostMeltQuoteBolt11Response
	)
	for {
		shares, err := mpp.Plan(amount, candidates)
		if err != nil {
			return nil, err
		}
		parts, err = mpp.Parts(shares, amountMsat)
		if err != nil {
			return nil, err
		}

		var failed []*MintError
		quotes, failed = w.requestMeltQuotes(ctx, request, parts, len(parts) > 1)
		if len(failed) == 0 {
			break
		}
		if !opts.DropFailedMints {
			return nil, &NegotiationError{Failed: failed}
		}

		// the shares change without the failed mints so every mint is quoted again
		candidates = slices.DeleteFunc(candidates, func(c mpp.Candidate) bool {
			return slices.ContainsFunc(failed, func(e *MintError) bool { return e.Mint == c.Mint })
		})
		for _, e := range failed {
			w.logWarnf("leaving out mint '%v' from payment: %v", e.Mint, e.Err)
		}
		if len(candidates) == 0 {
			return nil, &NegotiationError{Failed: failed}
		}
	}

	attempt := &storage.MeltAttempt{
		Id:         uuid.NewString(),
		Request:    request,
		AmountMsat: amountMsat,
		State:      storage.QuoteObtained,
		CreatedAt:  w.now().Unix(),
	}
	if len(parts) > 1 {
		attempt.GroupId = uuid.NewString()
	}

	return w.executeMelt(ctx, attempt, parts, quotes, len(parts) > 1)
}

// meltCandidates returns the mints to plan the payment with. Their info
// and keysets are refreshed so fees and capabilities are current.
func (w *Wallet) meltCandidates(ctx context.Context, amount uint64, mints []string, opts MeltOptions) ([]mpp.Candidate, error) {
	if len(mints) == 0 {
		var candidates []mpp.Candidate
		for _, mint := range w.TrustedMints() {
			if storage.Amount(w.spendableProofs(mint)) == 0 {
				continue
			}
			candidate, err := w.candidate(ctx, mint)
			if err != nil {
				w.logWarnf("not using mint '%v' for payment: %v", mint, err)
				continue
			}
			candidates = append(candidates, candidate)
		}
		return mpp.ChooseMints(amount, candidates)
	}

	var (
		candidates []mpp.Candidate
		failed     []*MintError
	)
	for _, mint := range mints {
		mintURL, err := normalizeMintURL(mint)
		if err != nil {
			return nil, err
		}
		if _, ok := w.getMint(mintURL); !ok {
			return nil, fmt.Errorf("%w: '%v'", ErrMintNotExist, mintURL)
		}
		if slices.ContainsFunc(candidates, func(c mpp.Candidate) bool { return c.Mint == mintURL }) {
			continue
		}

		candidate, err := w.candidate(ctx, mintURL)
		if err != nil {
			if errors.Is(err, ErrUnitMismatch) {
				return nil, err
			}
			failed = append(failed, newMintError(mintURL, err))
			continue
		}
		candidates = append(candidates, candidate)
	}

	if len(failed) > 0 {
		if !opts.DropFailedMints || len(candidates) == 0 {
			return nil, &NegotiationError{Failed: failed}
		}
		for _, e := range failed {
			w.logWarnf("leaving out mint '%v' from payment: %v", e.Mint, e.Err)
		}
	}
	return candidates, nil
}

func (w *Wallet) candidate(ctx context.Context, mint string) (mpp.Candidate, error) {
	walletMint, err := w.refreshMint(ctx, mint)
	if err != nil {
		return mpp.Candidate{}, err
	}
	if !walletMint.hasActiveKeyset() {
		return mpp.Candidate{}, fmt.Errorf("%w: mint '%v' has no active keyset for unit '%v'", ErrUnitMismatch, mint, w.unit)
	}

	return mpp.Candidate{
		Mint:    mint,
		Balance: storage.Amount(w.spendableProofs(mint)),
		Mpp:     walletMint.supportsMpp(w.unit),
	}, nil
}

// prepareLegs selects the proofs and derives the blank outputs for every leg.
// Nothing is reserved. Must be called with ledgerMu held.
func (w *Wallet) prepareLegs(
	parts mpp.Allocation,
	quotes map[string]*nut05.PostMeltQuoteBolt11Response,
	useMpp bool,
) ([]storage.MeltLeg, error) {
	fees := w.keysetFees()
	selections := make(map[string]Selection, len(parts))

	// every leg is checked before any counter moves
	for _, mint := range parts.Mints() {
		quote := quotes[mint]
		proofs := w.spendableProofs(mint)
		balance := storage.Amount(proofs)

		selection, err := SelectProofs(proofs, quote.Amount+quote.FeeReserve, fees)
		if err != nil {
			return nil, &mpp.InsufficientBalanceError{
				Mint:     mint,
				Required: quote.Amount + quote.FeeReserve,
				Balance:  balance,
				Err:      fmt.Errorf("%w: %w", ErrInsufficientBalanceWithFees, err),
			}
		}
		if err := mpp.CheckFeeCoverage(mint, parts[mint], quote.Amount, quote.FeeReserve, selection.Fee, balance); err != nil {
			return nil, err
		}
		selections[mint] = selection
	}

	legs := make([]storage.MeltLeg, 0, len(parts))
	for _, mint := range parts.Mints() {
		quote := quotes[mint]
		selection := selections[mint]
		walletMint, _ := w.getMint(mint)

		leg := storage.MeltLeg{
			Mint:       mint,
			Unit:       w.unit.String(),
			QuoteId:    quote.Quote,
			Amount:     quote.Amount,
			FeeReserve: quote.FeeReserve,
			InputFee:   selection.Fee,
			Expiry:     quote.Expiry,
			QuoteState: quote.State,
			ProofYs:    storage.Ys(selection.Proofs),
		}
		if useMpp {
			leg.MppAmountMsat = parts[mint]
		}

		blank, err := w.prepareBlankOutputs(walletMint.activeKeyset, quote.FeeReserve)
		if err != nil {
			w.logWarnf("could not prepare blank outputs for quote '%v'. Fee change will not be returned: %v",
				quote.Quote, err)
		} else {
			leg.Blank = blank
		}
		legs = append(legs, leg)
	}

	return legs, nil
}

// executeMelt reserves the proofs for the quoted legs, submits them and
// applies the outcomes. The legs replace any unpaid legs of the attempt.
func (w *Wallet) executeMelt(
	ctx context.Context,
	attempt *storage.MeltAttempt,
	parts mpp.Allocation,
	quotes map[string]*nut05.PostMeltQuoteBolt11Response,
	useMpp bool,
) (*MeltResult, error) {
	w.ledgerMu.Lock()
	// a concurrent retry of the same attempt may have got here first
	if w.isInflight(attempt.Id) {
		w.ledgerMu.Unlock()
		return nil, ErrAttemptNotRetryable
	}
	// a retry is planned on a copy of the attempt that may be stale by now
	stored, err := w.db.GetMeltAttempt(attempt.Id)
	switch {
	case err == nil:
		if !unchangedSince(*stored, *attempt) {
			w.ledgerMu.Unlock()
			return nil, fmt.Errorf("%w: attempt '%v' changed since the retry started", ErrAttemptNotRetryable, attempt.Id)
		}
		attempt = stored
	case !errors.Is(err, storage.ErrAttemptNotFound):
		w.ledgerMu.Unlock()
		return nil, err
	}

	legs, err := w.prepareLegs(parts, quotes, useMpp)
	if err != nil {
		w.ledgerMu.Unlock()
		return nil, err
	}
	attempt.State = storage.OutputsPrepared
	attempt.Legs = legs
	attempt.Expiry = 0
	for _, leg := range legs {
		if leg.Expiry != 0 && (attempt.Expiry == 0 || leg.Expiry < attempt.Expiry) {
			attempt.Expiry = leg.Expiry
		}
	}

	if err := w.reserve(attempt); err != nil {
		w.ledgerMu.Unlock()
		return nil, err
	}
	w.setInflight(attempt.Id, true)
	defer w.setInflight(attempt.Id, false)

	attempt.State = storage.Submitted
	if err := w.db.SaveMeltAttempt(*attempt); err != nil {
		w.logErrorf("could not save state of melt attempt '%v': %v", attempt.Id, err)
	}
	w.ledgerMu.Unlock()

	toSettle := make([]settleLeg, len(legs))
	for i, leg := range legs {
		proofs, err := w.db.GetProofsByYs(leg.ProofYs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataIntegrity, err)
		}
		toSettle[i] = settleLeg{leg: leg, inputs: storage.ToCashuProofs(proofs)}
	}

	w.logInfof("paying invoice with %v mint(s) in attempt '%v'", len(legs), attempt.Id)
	results := w.settle(ctx, toSettle)

	outcomes := make(map[string]LegOutcome, len(legs))
	for i, outcome := range results {
		outcomes[legs[i].QuoteId] = outcome
	}

	updated, err := w.apply(ctx, attempt.Id, outcomes)
	if err != nil {
		return nil, err
	}
	return newMeltResult(updated, outcomes), nil
}

// unchangedSince reports whether the stored attempt still has the unpaid
// legs of the snapshot and nothing else was paid in between.
func unchangedSince(stored, snapshot storage.MeltAttempt) bool {
	if len(stored.Legs) != len(snapshot.Legs) || len(stored.PaidLegs) != len(snapshot.PaidLegs) {
		return false
	}
	for i, leg := range stored.Legs {
		if leg.QuoteId != snapshot.Legs[i].QuoteId || !resolved(leg) {
			return false
		}
	}
	return true
}

func newMeltResult(attempt *storage.MeltAttempt, outcomes map[string]LegOutcome) *MeltResult {
	result := &MeltResult{
		AttemptId: attempt.Id,
		State:     attempt.State,
		Preimage:  attempt.Preimage(),
	}

	legs := append(slices.Clone(attempt.PaidLegs), attempt.Legs...)
	for _, leg := range legs {
		result.Legs = append(result.Legs, LegResult{
			Mint:         leg.Mint,
			QuoteId:      leg.QuoteId,
			Amount:       leg.Amount,
			FeeReserve:   leg.FeeReserve,
			InputFee:     leg.InputFee,
			ChangeAmount: leg.ChangeAmount,
			Outcome:      outcomes[leg.QuoteId],
		})
		result.ChangeAmount += leg.ChangeAmount
	}
	return result
}

func (w *Wallet) setInflight(id string, inflight bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inflight {
		w.inflight[id] = true
	} else {
		delete(w.inflight, id)
	}
}

func (w *Wallet) isInflight(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inflight[id]
}

// RetryMeltAttempt pays the unpaid legs of the attempt again with new quotes
// from the same mints for the same amounts. It fails if any leg is pending.
func (w *Wallet) RetryMeltAttempt(ctx context.Context, id string) (*MeltResult, error) {
	w.notify(StatusLoading, nil)

	result, err := w.retryMeltAttempt(ctx, id)
	if err != nil {
		w.notify(statusForError(err), err)
		return nil, err
	}

	w.notify(statusForState(result.State), nil)
	return result, nil
}

func (w *Wallet) retryMeltAttempt(ctx context.Context, id string) (*MeltResult, error) {
	attempt, err := w.GetMeltAttempt(id)
	if err != nil {
		return nil, err
	}
	if w.isInflight(id) || len(attempt.Legs) == 0 {
		return nil, ErrAttemptNotRetryable
	}

	parts := make(mpp.Allocation, len(attempt.Legs))
	for _, leg := range attempt.Legs {
		if !resolved(leg) {
			return nil, fmt.Errorf("%w: quote '%v' is pending", ErrAttemptNotRetryable, leg.QuoteId)
		}
		part := leg.MppAmountMsat
		if part == 0 {
			part = attempt.AmountMsat
		}
		parts[leg.Mint] = part
	}
	useMpp := len(attempt.Legs)+len(attempt.PaidLegs) > 1

	for _, mint := range parts.Mints() {
		if _, err := w.candidate(ctx, mint); err != nil {
			return nil, &NegotiationError{Failed: []*MintError{newMintError(mint, err)}}
		}
	}

	quotes, failed := w.requestMeltQuotes(ctx, attempt.Request, parts, useMpp)
	if len(failed) > 0 {
		return nil, &NegotiationError{Failed: failed}
	}

	w.logInfof("retrying %v unpaid leg(s) of attempt '%v'", len(parts), id)
	return w.executeMelt(ctx, attempt, parts, quotes, useMpp)
}
