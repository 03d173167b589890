package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut07"
	"github.com/elnosh/multinuts/cashu/nuts/nut09"
	"github.com/elnosh/multinuts/cashu/nuts/nut13"
	"github.com/elnosh/multinuts/crypto"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const (
	restoreBatchSize = 100
	// restore for a keyset stops after this many consecutive batches without signatures
	restoreEmptyBatches = 3
)

// Restore creates a wallet from the mnemonic at config.WalletPath and gets back the
// unspent proofs it holds in the mints. Keyset counters are moved past every output
// the mints have signed so outputs are not derived twice. Returns the amount restored.
func Restore(ctx context.Context, config Config, mnemonic string, mintsToRestore []string) (uint64, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, errors.New("invalid mnemonic")
	}

	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return 0, err
	}

	db, err := InitStorage(config.WalletPath, config.Storage)
	if err != nil {
		return 0, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	if len(db.GetSeed()) > 0 {
		return 0, errors.New("wallet already exists")
	}
	seed := bip39.NewSeed(mnemonic, "")
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return 0, err
	}

	w, err := newWallet(db, config)
	if err != nil {
		return 0, err
	}

	var restored uint64
	for _, mint := range mintsToRestore {
		mintURL, err := normalizeMintURL(mint)
		if err != nil {
			return restored, err
		}

		walletMint, err := w.refreshMint(ctx, mintURL)
		if err != nil {
			return restored, err
		}
		if !walletMint.info.Nuts.Nut07.Supported || !walletMint.info.Nuts.Nut09.Supported {
			w.logWarnf("mint '%v' does not support the necessary operations to restore wallet", mintURL)
			continue
		}

		keysets := make([]crypto.WalletKeyset, 0, len(walletMint.inactiveKeysets)+1)
		if walletMint.hasActiveKeyset() {
			keysets = append(keysets, walletMint.activeKeyset)
		}
		for _, keyset := range walletMint.inactiveKeysets {
			if keyset.Unit == w.unit.String() {
				keysets = append(keysets, keyset)
			}
		}

		for _, keyset := range keysets {
			amount, err := w.restoreKeyset(ctx, mintURL, keyset)
			if err != nil {
				return restored, fmt.Errorf("error restoring keyset '%v' from mint '%v': %w", keyset.Id, mintURL, err)
			}
			restored += amount
		}
	}

	return restored, nil
}

func (w *Wallet) restoreKeyset(ctx context.Context, mint string, keyset crypto.WalletKeyset) (uint64, error) {
	keys, err := w.keysFor(ctx, mint, keyset.Id)
	if err != nil {
		return 0, err
	}

	keysetDerivationPath, err := nut13.DeriveKeysetPath(w.masterKey, keyset.Id)
	if err != nil {
		return 0, err
	}

	var (
		restored uint64
		counter  uint32
		// next counter after the last output signed by the mint
		nextCounter  uint32
		emptyBatches int
	)

	for emptyBatches < restoreEmptyBatches {
		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		rs := make([]string, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)
		// blinded message to its index in the batch
		indexes := make(map[string]int, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetDerivationPath, counter+uint32(i))
			if err != nil {
				return 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return 0, err
			}

			blindedMessages[i] = cashu.NewBlindedMessage(keyset.Id, 0, B_)
			indexes[blindedMessages[i].B_] = i
			rs[i] = hex.EncodeToString(r.Serialize())
			secrets[i] = secret
		}

		restoreRequest := nut09.PostRestoreRequest{Outputs: blindedMessages}
		restoreResponse, err := w.client.PostRestore(ctx, mint, restoreRequest)
		if err != nil {
			return 0, fmt.Errorf("error restoring signatures from mint '%v': %w", mint, err)
		}

		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			counter += restoreBatchSize
			continue
		}
		emptyBatches = 0

		Ys := make([]string, 0, len(restoreResponse.Signatures))
		proofs := make(map[string]storage.DBProof, len(restoreResponse.Signatures))
		for i, signature := range restoreResponse.Signatures {
			if i >= len(restoreResponse.Outputs) {
				break
			}
			idx, ok := indexes[restoreResponse.Outputs[i].B_]
			if !ok {
				return 0, errors.New("mint returned signature for unknown output")
			}
			nextCounter = max(nextCounter, counter+uint32(idx)+1)

			K, ok := keys[signature.Amount]
			if !ok {
				return 0, errors.New("key not found")
			}
			C, err := unblindSignature(signature.C_, rs[idx], K)
			if err != nil {
				return 0, err
			}

			proof, err := storage.NewDBProof(cashu.Proof{
				Amount: signature.Amount,
				Id:     signature.Id,
				Secret: secrets[idx],
				C:      C,
			}, mint)
			if err != nil {
				return 0, err
			}
			Ys = append(Ys, proof.Y)
			proofs[proof.Y] = proof
		}

		proofStateResponse, err := w.client.PostCheckProofState(ctx, mint, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return 0, err
		}

		unspent := make([]storage.DBProof, 0, len(proofs))
		for _, proofState := range proofStateResponse.States {
			// proofs with witness data are not supported
			if len(proofState.Witness) > 0 {
				continue
			}
			if proofState.State == nut07.Unspent {
				if proof, ok := proofs[proofState.Y]; ok {
					unspent = append(unspent, proof)
				}
			}
		}
		if err := w.db.SaveProofs(unspent); err != nil {
			return 0, fmt.Errorf("error saving restored proofs: %v", err)
		}
		restored += storage.Amount(unspent)
		counter += restoreBatchSize
	}

	// move the counter forward past the last signed output
	current := w.db.GetKeysetCounter(keyset.Id)
	if nextCounter > current {
		if err := w.db.IncrementKeysetCounter(keyset.Id, nextCounter-current); err != nil {
			return 0, fmt.Errorf("error incrementing keyset counter: %v", err)
		}
	}

	return restored, nil
}
