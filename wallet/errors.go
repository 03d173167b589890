package wallet

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/wallet/client"
	"github.com/elnosh/multinuts/wallet/mpp"
)

var (
	ErrMintNotExist                = errors.New("mint does not exist")
	ErrInsufficientFunds           = errors.New("insufficient funds")
	ErrInsufficientBalance         = mpp.ErrInsufficientBalance
	ErrInsufficientBalanceWithFees = mpp.ErrInsufficientBalanceWithFees
	ErrSplitUnsupported            = mpp.ErrSplitUnsupported
	ErrUnitMismatch                = errors.New("mint does not support the wallet unit")
	ErrQuoteExpired                = errors.New("melt quote expired")
	ErrInvoiceExpired              = errors.New("invoice expired")
	ErrAmountlessInvoice           = errors.New("invoice has no amount")
	ErrAttemptNotFound             = errors.New("melt attempt not found")
	ErrAttemptNotRetryable         = errors.New("melt attempt has no unpaid legs to retry")
	ErrDataIntegrity               = errors.New("wallet data integrity error")
)

// Reason classifies why a mint could not take part in a payment.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonUnreachableMint
	ReasonProtocolRejection
	ReasonExpiredQuote
	ReasonSelfPayment
	ReasonUnitMismatch
	ReasonProofsSpent
)

func (r Reason) String() string {
	switch r {
	case ReasonUnreachableMint:
		return "unreachable mint"
	case ReasonProtocolRejection:
		return "protocol rejection"
	case ReasonExpiredQuote:
		return "expired quote"
	case ReasonSelfPayment:
		return "self payment"
	case ReasonUnitMismatch:
		return "unit mismatch"
	case ReasonProofsSpent:
		return "proofs spent"
	default:
		return "unknown"
	}
}

type MintError struct {
	Mint   string
	Reason Reason
	Err    error
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint '%v' (%v): %v", e.Mint, e.Reason, e.Err)
}

func (e *MintError) Unwrap() error {
	return e.Err
}

// NegotiationError is returned when some of the mints chosen for a payment
// could not provide a quote. Nothing has been reserved when it is returned.
type NegotiationError struct {
	Failed []*MintError
}

func (e *NegotiationError) Error() string {
	msgs := make([]string, len(e.Failed))
	for i, failed := range e.Failed {
		msgs[i] = failed.Error()
	}
	return "could not get quotes: " + strings.Join(msgs, "; ")
}

func (e *NegotiationError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, failed := range e.Failed {
		errs[i] = failed
	}
	return errs
}

func newMintError(mint string, err error) *MintError {
	return &MintError{Mint: mint, Reason: classify(err), Err: err}
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrQuoteExpired):
		return ReasonExpiredQuote
	case errors.Is(err, ErrUnitMismatch):
		return ReasonUnitMismatch
	case errors.Is(err, client.ErrUnreachable):
		return ReasonUnreachableMint
	}

	if cashuErr, ok := cashu.AsCashuError(err); ok {
		switch {
		case cashuErr.Code == cashu.MeltQuoteExpiredErrCode:
			return ReasonExpiredQuote
		case cashuErr.Code == cashu.UnitErrCode:
			return ReasonUnitMismatch
		case isSelfPayment(cashuErr.Detail):
			return ReasonSelfPayment
		}
		return ReasonProtocolRejection
	}

	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= http.StatusInternalServerError {
			return ReasonUnreachableMint
		}
		return ReasonProtocolRejection
	}

	return ReasonUnknown
}

func isSelfPayment(detail string) bool {
	detail = strings.ToLower(detail)
	return strings.Contains(detail, "self") ||
		strings.Contains(detail, "internal") ||
		strings.Contains(detail, "issued by this mint")
}

// indeterminate reports whether a failed melt request may have been
// acted on by the mint.
func indeterminate(err error) bool {
	if cashuErr, ok := cashu.AsCashuError(err); ok {
		switch cashuErr.Code {
		case cashu.ProofAlreadyUsedErrCode,
			cashu.MeltQuotePendingErrCode,
			cashu.MeltQuoteAlreadyPaidErrCode:
			return true
		}
		return false
	}

	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}

	return true
}
