package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut07"
	"github.com/elnosh/multinuts/wallet/storage"
)

// ImportToken stores the unspent proofs of the token as spendable. The mint of
// the token is added if it is not known. The proofs are not swapped, so whoever
// created the token can still spend them.
func (w *Wallet) ImportToken(ctx context.Context, tokenstr string) (uint64, error) {
	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		return 0, err
	}
	if token.Unit() != w.unit.String() {
		return 0, fmt.Errorf("%w: token unit '%v'", ErrUnitMismatch, token.Unit())
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return 0, errors.New("token has duplicate proofs")
	}

	mintURL, err := normalizeMintURL(token.Mint())
	if err != nil {
		return 0, err
	}
	if _, ok := w.getMint(mintURL); !ok {
		if _, err := w.AddMint(ctx, mintURL); err != nil {
			return 0, err
		}
	}

	mint, _ := w.getMint(mintURL)
	dbProofs := make([]storage.DBProof, len(proofs))
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		if _, ok := mint.keyset(proof.Id); !ok {
			return 0, fmt.Errorf("proof from unknown keyset '%v'", proof.Id)
		}
		dbProof, err := storage.NewDBProof(proof, mintURL)
		if err != nil {
			return 0, err
		}
		dbProofs[i] = dbProof
		Ys[i] = dbProof.Y
	}

	stateResponse, err := w.client.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return 0, fmt.Errorf("could not check state of proofs: %w", err)
	}
	if state := nut07.Aggregate(stateResponse.States); state != nut07.Unspent {
		return 0, fmt.Errorf("token proofs are %v", state)
	}

	if err := w.db.SaveProofs(dbProofs); err != nil {
		return 0, err
	}
	return storage.Amount(dbProofs), nil
}
