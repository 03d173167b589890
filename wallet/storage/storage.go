// Package storage defines the durable ledger of the wallet: proofs and their
// lifecycle state, keysets with their derivation counters and in-flight melt attempts.
package storage

import (
	"errors"
	"fmt"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/crypto"
)

var (
	ErrProofNotFound     = errors.New("proof not found")
	ErrInvalidTransition = errors.New("invalid proof state transition")
	ErrKeysetNotFound    = errors.New("keyset not found")
	ErrAttemptNotFound   = errors.New("melt attempt not found")
	ErrLegNotFound       = errors.New("leg not found in melt attempt")
)

// IsNotFound reports whether err is caused by a missing proof, keyset or attempt.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProofNotFound) || errors.Is(err, ErrKeysetNotFound) ||
		errors.Is(err, ErrAttemptNotFound)
}

type ProofState int

const (
	Valid ProofState = iota
	Pending
	Spent
)

func (state ProofState) String() string {
	switch state {
	case Valid:
		return "valid"
	case Pending:
		return "pending"
	case Spent:
		return "spent"
	default:
		return "unknown"
	}
}

// CheckTransition returns ErrInvalidTransition unless the proof state
// change is one of valid->pending, pending->spent or pending->valid.
func CheckTransition(from, to ProofState) error {
	switch {
	case from == Valid && to == Pending,
		from == Pending && to == Spent,
		from == Pending && to == Valid:
		return nil
	}
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
}

type WalletDB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetSeed() []byte
	GetMnemonic() string

	// SaveProofs inserts proofs as valid. Proofs whose Y is already
	// present are ignored.
	SaveProofs([]DBProof) error
	GetProofs() []DBProof
	GetProofsByMint(mint string) []DBProof
	// GetProofsByYs returns ErrProofNotFound if any of the Ys is missing.
	GetProofsByYs(Ys []string) ([]DBProof, error)

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() KeysetsMap
	GetKeyset(keysetId string) *crypto.WalletKeyset
	IncrementKeysetCounter(keysetId string, num uint32) error
	GetKeysetCounter(keysetId string) uint32

	// ReserveMeltAttempt moves every proof of every leg from valid to pending
	// and persists the attempt in a single transaction.
	ReserveMeltAttempt(MeltAttempt) error
	SaveMeltAttempt(MeltAttempt) error
	GetMeltAttempt(id string) (*MeltAttempt, error)
	GetMeltAttempts() []MeltAttempt
	DeleteMeltAttempt(id string) error
	// CommitPaidLeg moves the proofs from pending to spent, stores the change
	// as valid proofs and persists the attempt in a single transaction.
	CommitPaidLeg(attempt MeltAttempt, spentYs []string, change []DBProof) error
	// RollbackLeg moves the proofs from pending to valid and persists
	// the attempt in a single transaction.
	RollbackLeg(attempt MeltAttempt, Ys []string) error
	// ReleaseLeg settles the proofs of a leg that was not paid when some of
	// them were spent anyway: validYs move from pending to valid and spentYs
	// from pending to spent, and the attempt is persisted in a single transaction.
	ReleaseLeg(attempt MeltAttempt, validYs, spentYs []string) error

	Close() error
}

// mint url to keyset id to keyset
type KeysetsMap map[string]map[string]crypto.WalletKeyset

type DBProof struct {
	Y      string           `json:"y"`
	Amount uint64           `json:"amount"`
	Id     string           `json:"id"`
	Secret string           `json:"secret"`
	C      string           `json:"c"`
	DLEQ   *cashu.DLEQProof `json:"dleq,omitempty"`
	Mint   string           `json:"mint"`
	State  ProofState       `json:"state"`
	// set while the proof is reserved for a melt quote
	MeltQuoteId string `json:"melt_quote_id,omitempty"`
}

func (p DBProof) Proof() cashu.Proof {
	return cashu.Proof{
		Amount: p.Amount,
		Id:     p.Id,
		Secret: p.Secret,
		C:      p.C,
		DLEQ:   p.DLEQ,
	}
}

func NewDBProof(proof cashu.Proof, mint string) (DBProof, error) {
	Y, err := crypto.ProofY(proof.Secret)
	if err != nil {
		return DBProof{}, err
	}
	return DBProof{
		Y:      Y,
		Amount: proof.Amount,
		Id:     proof.Id,
		Secret: proof.Secret,
		C:      proof.C,
		DLEQ:   proof.DLEQ,
		Mint:   mint,
		State:  Valid,
	}, nil
}

func Amount(proofs []DBProof) uint64 {
	var total uint64
	for _, proof := range proofs {
		total += proof.Amount
	}
	return total
}

func Ys(proofs []DBProof) []string {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	return Ys
}

func ToCashuProofs(proofs []DBProof) cashu.Proofs {
	cashuProofs := make(cashu.Proofs, len(proofs))
	for i, proof := range proofs {
		cashuProofs[i] = proof.Proof()
	}
	return cashuProofs
}

type AttemptState int

const (
	Created AttemptState = iota
	Reserved
	QuoteObtained
	OutputsPrepared
	Submitted
	Paid
	PartiallyPaid
	Unpaid
	AttemptPending
)

func (state AttemptState) String() string {
	switch state {
	case Created:
		return "CREATED"
	case Reserved:
		return "RESERVED"
	case QuoteObtained:
		return "QUOTE_OBTAINED"
	case OutputsPrepared:
		return "OUTPUTS_PREPARED"
	case Submitted:
		return "SUBMITTED"
	case Paid:
		return "PAID"
	case PartiallyPaid:
		return "PARTIALLY_PAID"
	case Unpaid:
		return "UNPAID"
	case AttemptPending:
		return "PENDING"
	default:
		return "unknown"
	}
}

// Terminal reports whether nothing is left to resolve for the attempt.
func (state AttemptState) Terminal() bool {
	return state == Paid || state == Unpaid
}

// MeltAttempt is the durable record of a lightning payment
// that can span multiple mints.
type MeltAttempt struct {
	Id string `json:"id"`
	// only set when more than one mint participates
	GroupId    string       `json:"group_id,omitempty"`
	Request    string       `json:"request"`
	AmountMsat uint64       `json:"amount_msat"`
	State      AttemptState `json:"state"`
	Legs       []MeltLeg    `json:"legs"`
	PaidLegs   []MeltLeg    `json:"paid_legs,omitempty"`
	Expiry     uint64       `json:"expiry"`
	Visible    bool         `json:"visible"`
	CreatedAt  int64        `json:"created_at"`
}

func (attempt *MeltAttempt) Leg(quoteId string) (int, *MeltLeg) {
	for i := range attempt.Legs {
		if attempt.Legs[i].QuoteId == quoteId {
			return i, &attempt.Legs[i]
		}
	}
	return -1, nil
}

// MarkLegPaid moves the leg to the paid legs.
func (attempt *MeltAttempt) MarkLegPaid(quoteId string) error {
	i, leg := attempt.Leg(quoteId)
	if leg == nil {
		return ErrLegNotFound
	}
	paid := *leg
	paid.QuoteState = nut05.Paid
	attempt.PaidLegs = append(attempt.PaidLegs, paid)
	attempt.Legs = append(attempt.Legs[:i], attempt.Legs[i+1:]...)
	return nil
}

func (attempt MeltAttempt) Preimage() string {
	for _, leg := range attempt.PaidLegs {
		if leg.Preimage != "" {
			return leg.Preimage
		}
	}
	return ""
}

// MeltLeg is the part of a melt attempt settled by a single mint.
type MeltLeg struct {
	Mint          string        `json:"mint"`
	Unit          string        `json:"unit"`
	QuoteId       string        `json:"quote_id"`
	Amount        uint64        `json:"amount"`
	FeeReserve    uint64        `json:"fee_reserve"`
	InputFee      uint64        `json:"input_fee"`
	Expiry        uint64        `json:"expiry"`
	MppAmountMsat uint64        `json:"mpp_amount_msat,omitempty"`
	QuoteState    nut05.State   `json:"quote_state"`
	ProofYs       []string      `json:"proof_ys"`
	Blank         *BlankOutputs `json:"blank,omitempty"`
	Preimage      string        `json:"preimage,omitempty"`
	ChangeAmount  uint64        `json:"change_amount,omitempty"`
	// last error seen for the leg, if any
	LastError string `json:"last_error,omitempty"`
}

// BlankOutputs are the outputs sent with a melt request so the mint
// can return the unused fee reserve.
type BlankOutputs struct {
	KeysetId     string                `json:"keyset_id"`
	StartCounter uint32                `json:"start_counter"`
	Outputs      cashu.BlindedMessages `json:"outputs"`
	Secrets      []string              `json:"secrets"`
	// hex encoded blinding factors
	Rs []string `json:"rs"`
}
