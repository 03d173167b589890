package wallet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut07"
	"github.com/elnosh/multinuts/wallet/storage"
)

// reserve marks the proofs of every leg as pending and stores the
// attempt in a single ledger transaction. Must be called with ledgerMu held.
func (w *Wallet) reserve(attempt *storage.MeltAttempt) error {
	attempt.State = storage.Reserved
	attempt.Visible = true
	for i := range attempt.Legs {
		// in flight until the mint says otherwise
		attempt.Legs[i].QuoteState = nut05.Pending
	}
	if err := w.db.ReserveMeltAttempt(*attempt); err != nil {
		return fmt.Errorf("could not reserve proofs: %w", err)
	}
	return nil
}

// resolved reports whether nothing is left to learn about the leg.
// Paid legs are moved out of the attempt legs.
func resolved(leg storage.MeltLeg) bool {
	return leg.QuoteState == nut05.Unpaid
}

func attemptState(attempt storage.MeltAttempt) storage.AttemptState {
	if len(attempt.Legs) == 0 {
		return storage.Paid
	}
	for _, leg := range attempt.Legs {
		if !resolved(leg) {
			return storage.AttemptPending
		}
	}
	if len(attempt.PaidLegs) > 0 {
		return storage.PartiallyPaid
	}
	return storage.Unpaid
}

// apply updates the ledger with the outcome of each leg, keyed by quote id.
// Legs that were already resolved are skipped, so applying the same
// outcomes twice has no further effect.
func (w *Wallet) apply(ctx context.Context, attemptId string, outcomes map[string]LegOutcome) (*storage.MeltAttempt, error) {
	keys := w.changeKeys(ctx, attemptId, outcomes)

	w.ledgerMu.Lock()
	defer w.ledgerMu.Unlock()

	attempt, err := w.db.GetMeltAttempt(attemptId)
	if err != nil {
		return nil, err
	}

	quoteIds := make([]string, len(attempt.Legs))
	for i, leg := range attempt.Legs {
		quoteIds[i] = leg.QuoteId
	}

	for _, quoteId := range quoteIds {
		outcome, ok := outcomes[quoteId]
		if !ok {
			continue
		}
		_, leg := attempt.Leg(quoteId)
		if resolved(*leg) {
			continue
		}
		w.metrics.legs.WithLabelValues(outcome.String()).Inc()

		switch outcome := outcome.(type) {
		case OutcomePaid:
			change, err := constructChange(leg.Mint, leg.Blank, outcome.Change, keys)
			if err != nil {
				// the change can still be recovered with a restore
				w.logErrorf("could not construct change for quote '%v' from mint '%v': %v", quoteId, leg.Mint, err)
				change = nil
			}
			leg.Preimage = outcome.Preimage
			leg.ChangeAmount = storage.Amount(change)
			leg.LastError = ""
			mint, spentYs := leg.Mint, leg.ProofYs

			if err := attempt.MarkLegPaid(quoteId); err != nil {
				return nil, err
			}
			attempt.State = attemptState(*attempt)
			attempt.Visible = !attempt.State.Terminal()
			if err := w.db.CommitPaidLeg(*attempt, spentYs, change); err != nil {
				return nil, ledgerError(err)
			}
			w.metrics.change.Add(float64(storage.Amount(change)))
			w.logInfof("quote '%v' paid by mint '%v'", quoteId, mint)

		case OutcomeUnpaid:
			if err := w.rollbackLeg(attempt, leg); err != nil {
				return nil, err
			}

		case OutcomePending:
			leg.QuoteState = nut05.Pending
			w.logInfof("quote '%v' from mint '%v' is pending", quoteId, leg.Mint)

		case OutcomeFailed:
			leg.LastError = outcome.Error()
			if len(outcome.SpentInputs) > 0 {
				if err := w.releaseLeg(attempt, leg, outcome.SpentInputs); err != nil {
					return nil, err
				}
				w.logErrorf("quote '%v' from mint '%v' was not paid but some of its proofs are spent: %v",
					quoteId, leg.Mint, outcome.Err)
				continue
			}
			if outcome.Sent {
				// the mint may have the payment in flight
				leg.QuoteState = nut05.Pending
				w.logWarnf("could not determine state of quote '%v' from mint '%v': %v", quoteId, leg.Mint, outcome)
				continue
			}
			w.logWarnf("melt for quote '%v' from mint '%v' failed: %v", quoteId, leg.Mint, outcome)
			if err := w.rollbackLeg(attempt, leg); err != nil {
				return nil, err
			}
		}
	}

	attempt.State = attemptState(*attempt)
	attempt.Visible = !attempt.State.Terminal()
	if err := w.db.SaveMeltAttempt(*attempt); err != nil {
		return nil, err
	}
	w.metrics.attempts.WithLabelValues(attempt.State.String()).Inc()

	return attempt, nil
}

func (w *Wallet) rollbackLeg(attempt *storage.MeltAttempt, leg *storage.MeltLeg) error {
	leg.QuoteState = nut05.Unpaid
	attempt.State = attemptState(*attempt)
	attempt.Visible = !attempt.State.Terminal()
	if err := w.db.RollbackLeg(*attempt, leg.ProofYs); err != nil {
		return ledgerError(err)
	}
	w.logInfof("quote '%v' from mint '%v' was not paid. Proofs are spendable again", leg.QuoteId, leg.Mint)
	return nil
}

// releaseLeg resolves an unpaid leg whose inputs were partly or fully spent
// elsewhere. The spent proofs are lost and the rest are spendable again.
func (w *Wallet) releaseLeg(attempt *storage.MeltAttempt, leg *storage.MeltLeg, spentYs []string) error {
	validYs := slices.DeleteFunc(slices.Clone(leg.ProofYs), func(Y string) bool {
		return slices.Contains(spentYs, Y)
	})
	leg.QuoteState = nut05.Unpaid
	attempt.State = attemptState(*attempt)
	attempt.Visible = !attempt.State.Terminal()
	if err := w.db.ReleaseLeg(*attempt, validYs, spentYs); err != nil {
		return ledgerError(err)
	}
	return nil
}

func ledgerError(err error) error {
	if storage.IsNotFound(err) || errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("%w: %w", ErrDataIntegrity, err)
	}
	return err
}

// checkLegIntegrity verifies the mint of the leg is known and
// its proofs are in the ledger reserved.
func (w *Wallet) checkLegIntegrity(leg storage.MeltLeg) error {
	if _, ok := w.getMint(leg.Mint); !ok {
		return fmt.Errorf("%w: mint '%v' of quote '%v' is not known", ErrDataIntegrity, leg.Mint, leg.QuoteId)
	}

	proofs, err := w.db.GetProofsByYs(leg.ProofYs)
	if err != nil {
		return fmt.Errorf("%w: quote '%v': %w", ErrDataIntegrity, leg.QuoteId, err)
	}
	for _, proof := range proofs {
		if proof.State != storage.Pending {
			return fmt.Errorf("%w: proof '%v' of quote '%v' is %v and not pending",
				ErrDataIntegrity, proof.Y, leg.QuoteId, proof.State)
		}
	}
	return nil
}

// CheckMeltAttempt asks the mints for the state of every leg of the attempt
// that is not resolved and updates the ledger accordingly. Calling it again
// without changes at the mints has no further effect.
func (w *Wallet) CheckMeltAttempt(ctx context.Context, id string) (*storage.MeltAttempt, error) {
	attempt, err := w.GetMeltAttempt(id)
	if err != nil {
		return nil, err
	}
	// the outcomes of the settlement in progress are applied when it returns
	if w.isInflight(id) {
		return attempt, nil
	}

	legs := make([]storage.MeltLeg, 0, len(attempt.Legs))
	for _, leg := range attempt.Legs {
		if resolved(leg) {
			continue
		}
		if err := w.checkLegIntegrity(leg); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if len(legs) == 0 {
		return attempt, nil
	}

	results := w.query(ctx, legs)
	outcomes := make(map[string]LegOutcome, len(legs))
	for i, outcome := range results {
		if _, ok := outcome.(OutcomeUnpaid); ok {
			outcome = w.verifyUnpaid(ctx, legs[i])
		}
		outcomes[legs[i].QuoteId] = outcome
	}

	return w.apply(ctx, id, outcomes)
}

// verifyUnpaid checks the state of the proofs of a leg whose quote the mint
// reports as unpaid before they are made spendable again.
func (w *Wallet) verifyUnpaid(ctx context.Context, leg storage.MeltLeg) LegOutcome {
	stateResponse, err := w.client.PostCheckProofState(ctx, leg.Mint, nut07.PostCheckStateRequest{Ys: leg.ProofYs})
	if err != nil {
		return OutcomeFailed{Kind: classify(err), Err: err, Sent: true}
	}

	switch state := nut07.Aggregate(stateResponse.States); state {
	case nut07.Unspent:
		return OutcomeUnpaid{}
	case nut07.Spent:
		var spentYs []string
		for _, proofState := range stateResponse.States {
			if proofState.State == nut07.Spent && slices.Contains(leg.ProofYs, proofState.Y) {
				spentYs = append(spentYs, proofState.Y)
			}
		}
		if slices.ContainsFunc(stateResponse.States, func(s nut07.ProofState) bool { return s.State == nut07.Pending }) {
			return OutcomePending{}
		}
		return OutcomeFailed{
			Kind: ReasonProofsSpent,
			Err: fmt.Errorf("%w: mint reports quote '%v' unpaid but %v of its proofs are spent",
				ErrDataIntegrity, leg.QuoteId, len(spentYs)),
			Sent:        true,
			SpentInputs: spentYs,
		}
	case nut07.Pending:
		return OutcomePending{}
	default:
		return OutcomeFailed{
			Kind: ReasonProtocolRejection,
			Err:  fmt.Errorf("mint returned no state for the proofs of quote '%v'", leg.QuoteId),
			Sent: true,
		}
	}
}

// CheckPendingMelts checks every attempt that is not resolved.
func (w *Wallet) CheckPendingMelts(ctx context.Context) ([]storage.MeltAttempt, error) {
	var (
		checked []storage.MeltAttempt
		errs    []error
	)
	for _, attempt := range w.GetPendingMeltAttempts() {
		updated, err := w.CheckMeltAttempt(ctx, attempt.Id)
		if err != nil {
			errs = append(errs, fmt.Errorf("attempt '%v': %w", attempt.Id, err))
			continue
		}
		checked = append(checked, *updated)
	}
	return checked, errors.Join(errs...)
}

// WaitForMeltAttempt blocks until no leg of the attempt is pending or the
// context is done. Updates are pushed by mints that support websockets
// and polled every interval otherwise. Pending legs are never rolled back
// because of the wait ending.
func (w *Wallet) WaitForMeltAttempt(ctx context.Context, id string, interval time.Duration) (*storage.MeltAttempt, error) {
	attempt, err := w.CheckMeltAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.State != storage.AttemptPending {
		return attempt, nil
	}

	updates, closeSubs := w.subscribeMeltQuotes(ctx, *attempt)
	defer closeSubs()

	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-updates:
		case <-ticker.C:
		}

		attempt, err = w.CheckMeltAttempt(ctx, id)
		if err != nil {
			return nil, err
		}
		if attempt.State != storage.AttemptPending {
			return attempt, nil
		}
	}
}
