package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"maps"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut06"
	"github.com/elnosh/multinuts/crypto"
)

type walletMint struct {
	mintURL string
	// nil until the info is fetched from the mint
	info *nut06.MintInfo
	// zero value if the mint has no active keyset for the wallet unit
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

func (m walletMint) hasActiveKeyset() bool {
	return m.activeKeyset.Id != ""
}

func (m walletMint) supportsMpp(unit cashu.Unit) bool {
	return m.info != nil && m.info.SupportsMpp(cashu.BOLT11_METHOD, unit.String())
}

func (m walletMint) keyset(id string) (crypto.WalletKeyset, bool) {
	if m.activeKeyset.Id == id && id != "" {
		return m.activeKeyset, true
	}
	keyset, ok := m.inactiveKeysets[id]
	return keyset, ok
}

// loadMints builds the known mints from the keysets in the db.
func (w *Wallet) loadMints() {
	for mintURL, keysets := range w.db.GetKeysets() {
		mint := walletMint{mintURL: mintURL, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Active && keyset.Unit == w.unit.String() {
				mint.activeKeyset = keyset
			} else {
				mint.inactiveKeysets[keyset.Id] = keyset
			}
		}
		w.mints[mintURL] = mint
	}
}

func (w *Wallet) getMint(mintURL string) (walletMint, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	mint, ok := w.mints[mintURL]
	return mint, ok
}

// keysetFees returns the input_fee_ppk of every known keyset.
func (w *Wallet) keysetFees() map[string]uint {
	w.mu.RLock()
	defer w.mu.RUnlock()

	fees := make(map[string]uint)
	for _, mint := range w.mints {
		if mint.hasActiveKeyset() {
			fees[mint.activeKeyset.Id] = mint.activeKeyset.InputFeePpk
		}
		for id, keyset := range mint.inactiveKeysets {
			fees[id] = keyset.InputFeePpk
		}
	}
	return fees
}

// unitKeysets returns the ids of the keysets in the wallet unit.
func (w *Wallet) unitKeysets() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make(map[string]bool)
	for _, mint := range w.mints {
		if mint.hasActiveKeyset() {
			ids[mint.activeKeyset.Id] = true
		}
		for id, keyset := range mint.inactiveKeysets {
			if keyset.Unit == w.unit.String() {
				ids[id] = true
			}
		}
	}
	return ids
}

// refreshMint gets the info and keysets from the mint and stores them.
// If the active keyset for the wallet unit changed, the previous one is
// stored as inactive.
func (w *Wallet) refreshMint(ctx context.Context, mintURL string) (walletMint, error) {
	mintInfo, err := w.client.GetMintInfo(ctx, mintURL)
	if err != nil {
		return walletMint{}, fmt.Errorf("error getting info from mint: %w", err)
	}

	keysetsResponse, err := w.client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return walletMint{}, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	mint, known := w.getMint(mintURL)
	if !known {
		mint = walletMint{mintURL: mintURL}
	}
	mint.info = mintInfo
	inactiveKeysets := make(map[string]crypto.WalletKeyset, len(mint.inactiveKeysets))
	maps.Copy(inactiveKeysets, mint.inactiveKeysets)
	previousActive := mint.activeKeyset
	mint.activeKeyset = crypto.WalletKeyset{}

	for _, keyset := range keysetsResponse.Keysets {
		// ignore keysets with non-hex ids
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		if keyset.Active && keyset.Unit == w.unit.String() && !mint.hasActiveKeyset() {
			activeKeyset := crypto.WalletKeyset{
				Id:          keyset.Id,
				MintURL:     mintURL,
				Unit:        keyset.Unit,
				Active:      true,
				InputFeePpk: keyset.InputFeePpk,
			}
			if previousActive.Id == keyset.Id {
				activeKeyset.PublicKeys = previousActive.PublicKeys
			} else if stored, ok := inactiveKeysets[keyset.Id]; ok && len(stored.PublicKeys) > 0 {
				activeKeyset.PublicKeys = stored.PublicKeys
			} else {
				keys, err := w.getKeysetKeys(ctx, mintURL, keyset.Id)
				if err != nil {
					return walletMint{}, err
				}
				activeKeyset.PublicKeys = keys
			}
			delete(inactiveKeysets, keyset.Id)
			mint.activeKeyset = activeKeyset
			continue
		}

		stored, ok := inactiveKeysets[keyset.Id]
		if !ok && keyset.Id == previousActive.Id {
			stored, ok = previousActive, true
		}
		if !ok {
			stored = crypto.WalletKeyset{Id: keyset.Id, MintURL: mintURL, Unit: keyset.Unit}
		}
		stored.Active = keyset.Active
		stored.InputFeePpk = keyset.InputFeePpk
		inactiveKeysets[keyset.Id] = stored
	}
	mint.inactiveKeysets = inactiveKeysets

	if mint.hasActiveKeyset() {
		keyset := mint.activeKeyset
		keyset.Counter = w.db.GetKeysetCounter(keyset.Id)
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return walletMint{}, err
		}
		mint.activeKeyset = keyset
	}
	for id, keyset := range mint.inactiveKeysets {
		keyset.Counter = w.db.GetKeysetCounter(id)
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return walletMint{}, err
		}
		mint.inactiveKeysets[id] = keyset
	}

	if previousActive.Id != "" && previousActive.Id != mint.activeKeyset.Id {
		w.logInfof("active keyset for mint '%v' changed from '%v' to '%v'", mintURL, previousActive.Id, mint.activeKeyset.Id)
	}

	w.mu.Lock()
	w.mints[mintURL] = mint
	w.mu.Unlock()

	return mint, nil
}

// getKeysetKeys gets the keys of the keyset and checks
// they match the keyset id.
func (w *Wallet) getKeysetKeys(ctx context.Context, mintURL, id string) (crypto.PublicKeys, error) {
	keysetsResponse, err := w.client.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %w", err)
	}
	if len(keysetsResponse.Keysets) == 0 {
		return nil, fmt.Errorf("mint did not return keys for keyset '%v'", id)
	}

	keys, err := crypto.MapPubKeys(keysetsResponse.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}
	// only keysets with version 00 ids can be checked
	if id[:2] == "00" {
		if derivedId := crypto.DeriveKeysetId(keys); derivedId != id {
			return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derivedId, id)
		}
	}
	return keys, nil
}

// keysFor returns the public keys of the keyset, fetching
// them from the mint if they are not stored.
func (w *Wallet) keysFor(ctx context.Context, mintURL, id string) (crypto.PublicKeys, error) {
	if mint, ok := w.getMint(mintURL); ok {
		if keyset, ok := mint.keyset(id); ok && len(keyset.PublicKeys) > 0 {
			return keyset.PublicKeys, nil
		}
	}
	if keyset := w.db.GetKeyset(id); keyset != nil && len(keyset.PublicKeys) > 0 {
		return keyset.PublicKeys, nil
	}

	keys, err := w.getKeysetKeys(ctx, mintURL, id)
	if err != nil {
		return nil, err
	}
	if keyset := w.db.GetKeyset(id); keyset != nil {
		keyset.PublicKeys = keys
		if err := w.db.SaveKeyset(keyset); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
