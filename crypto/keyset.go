package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinuts/cashu/nuts/nut01"
)

const maxOrder = 64

var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKeys maps amounts to the mint public key for that amount.
type PublicKeys map[uint64]*secp256k1.PublicKey

func hexCompressed(pk *secp256k1.PublicKey) string {
	return hex.EncodeToString(pk.SerializeCompressed())
}

// DeriveKeysetId computes the keyset id from the public keys
// sorted by amount, as described in NUT-02.
func DeriveKeysetId(keys PublicKeys) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	hash := sha256.New()
	for _, amount := range amounts {
		hash.Write(keys[amount].SerializeCompressed())
	}

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

// MapPubKeys parses the hex encoded keys returned by a mint.
func MapPubKeys(keys nut01.KeysMap) (PublicKeys, error) {
	publicKeys := make(PublicKeys, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

func (pks PublicKeys) KeysMap() nut01.KeysMap {
	keys := make(nut01.KeysMap, len(pks))
	for amount, pk := range pks {
		keys[amount] = hexCompressed(pk)
	}
	return keys
}

// WalletKeyset is a keyset as tracked by the wallet.
// Counter is the next unused NUT-13 derivation counter.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  PublicKeys
	Counter     uint32
	InputFeePpk uint
}

type walletKeysetTemp struct {
	Id          string        `json:"id"`
	MintURL     string        `json:"mint_url"`
	Unit        string        `json:"unit"`
	Active      bool          `json:"active"`
	PublicKeys  nut01.KeysMap `json:"public_keys"`
	Counter     uint32        `json:"counter"`
	InputFeePpk uint          `json:"input_fee_ppk"`
}

func (wk WalletKeyset) MarshalJSON() ([]byte, error) {
	return json.Marshal(walletKeysetTemp{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  wk.PublicKeys.KeysMap(),
		Counter:     wk.Counter,
		InputFeePpk: wk.InputFeePpk,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetTemp
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	publicKeys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.PublicKeys = publicKeys
	wk.Counter = temp.Counter
	wk.InputFeePpk = temp.InputFeePpk
	return nil
}

// MintKeyset holds the private keys of a mint keyset.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Keys        map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives a keyset with keys for the amounts 2^0..2^63.
func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keys := make(map[uint64]KeyPair, maxOrder)
	publicKeys := make(PublicKeys, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
		publicKeys[amount] = pubKey
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(publicKeys),
		Unit:        "sat",
		Active:      true,
		InputFeePpk: inputFeePpk,
		Keys:        keys,
	}
}

func (ks *MintKeyset) PublicKeys() PublicKeys {
	publicKeys := make(PublicKeys, len(ks.Keys))
	for amount, key := range ks.Keys {
		publicKeys[amount] = key.PublicKey
	}
	return publicKeys
}

// Fees returns the input fee in the keyset unit for the sum of the
// input_fee_ppk of every input. Partial units are rounded up.
func Fees(totalPpk uint64) uint64 {
	return (totalPpk + 999) / 1000
}
