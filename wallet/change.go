package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut08"
	"github.com/elnosh/multinuts/cashu/nuts/nut13"
	"github.com/elnosh/multinuts/crypto"
	"github.com/elnosh/multinuts/wallet/storage"
)

// prepareBlankOutputs derives the blank outputs for a melt with the fee reserve
// and advances the keyset counter past them before returning. It returns nil
// if the fee reserve is zero. Must be called with ledgerMu held.
func (w *Wallet) prepareBlankOutputs(keyset crypto.WalletKeyset, feeReserve uint64) (*storage.BlankOutputs, error) {
	n := nut08.BlankOutputCount(feeReserve)
	if n == 0 {
		return nil, nil
	}

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keyset.Id)
	if err != nil {
		return nil, err
	}

	counter := w.db.GetKeysetCounter(keyset.Id)
	blank := &storage.BlankOutputs{
		KeysetId:     keyset.Id,
		StartCounter: counter,
		Outputs:      make(cashu.BlindedMessages, n),
		Secrets:      make([]string, n),
		Rs:           make([]string, n),
	}

	for i := 0; i < n; i++ {
		secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetPath, counter+uint32(i))
		if err != nil {
			return nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}

		blank.Outputs[i] = cashu.NewBlindedMessage(keyset.Id, nut08.BlankOutputAmount, B_)
		blank.Secrets[i] = secret
		blank.Rs[i] = hex.EncodeToString(r.Serialize())
	}

	if err := w.db.IncrementKeysetCounter(keyset.Id, uint32(n)); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %w", err)
	}

	return blank, nil
}

// changeKeys gets the keys of the keysets that signed the change in the
// paid outcomes. It may ask the mints so it must not be called with
// ledgerMu held. Keysets whose keys could not be had map to nil.
func (w *Wallet) changeKeys(ctx context.Context, attemptId string, outcomes map[string]LegOutcome) map[string]crypto.PublicKeys {
	keys := make(map[string]crypto.PublicKeys)
	attempt, err := w.db.GetMeltAttempt(attemptId)
	if err != nil {
		return keys
	}
	for _, leg := range attempt.Legs {
		paid, ok := outcomes[leg.QuoteId].(OutcomePaid)
		if !ok || leg.Blank == nil {
			continue
		}
		for _, signature := range paid.Change {
			if _, ok := keys[signature.Id]; ok {
				continue
			}
			keysetKeys, err := w.keysFor(ctx, leg.Mint, signature.Id)
			if err != nil {
				w.logWarnf("could not get keys for keyset '%v' from mint '%v': %v", signature.Id, leg.Mint, err)
			}
			keys[signature.Id] = keysetKeys
		}
	}
	return keys
}

// constructChange unblinds the signatures the mint returned for the
// blank outputs into proofs.
func constructChange(
	mint string,
	blank *storage.BlankOutputs,
	signatures cashu.BlindedSignatures,
	keys map[string]crypto.PublicKeys,
) ([]storage.DBProof, error) {
	if blank == nil || len(signatures) == 0 {
		return nil, nil
	}
	if len(signatures) > len(blank.Outputs) {
		return nil, fmt.Errorf("mint returned %v signatures for %v blank outputs", len(signatures), len(blank.Outputs))
	}

	proofs := make([]storage.DBProof, len(signatures))
	for i, signature := range signatures {
		keysetKeys := keys[signature.Id]
		if len(keysetKeys) == 0 {
			return nil, fmt.Errorf("no keys for keyset '%v'", signature.Id)
		}
		K, ok := keysetKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint has no key for amount %v in keyset '%v'", signature.Amount, signature.Id)
		}

		C, err := unblindSignature(signature.C_, blank.Rs[i], K)
		if err != nil {
			return nil, err
		}

		proof, err := storage.NewDBProof(cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: blank.Secrets[i],
			C:      C,
		}, mint)
		if err != nil {
			return nil, err
		}
		proofs[i] = proof
	}

	return proofs, nil
}

func unblindSignature(C_str, rstr string, K *secp256k1.PublicKey) (string, error) {
	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return "", err
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return "", err
	}

	rbytes, err := hex.DecodeString(rstr)
	if err != nil {
		return "", err
	}
	r := secp256k1.PrivKeyFromBytes(rbytes)

	C := crypto.UnblindSignature(C_, r, K)
	return hex.EncodeToString(C.SerializeCompressed()), nil
}
