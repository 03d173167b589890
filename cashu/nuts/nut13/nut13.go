// Package nut13 implements deterministic secret derivation as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidKeysetId = errors.New("invalid keyset id")

// KeysetIdInt returns the integer used in the derivation path of the keyset.
func KeysetIdInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil || len(keysetBytes) != 8 {
		return 0, ErrInvalidKeysetId
	}
	bigEndianBytes := binary.BigEndian.Uint64(keysetBytes)
	return uint32(bigEndianBytes % (1<<31 - 1)), nil
}

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetIdInt, err := KeysetIdInt(keysetId)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 129372,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + keysetIdInt,
	}

	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

func deriveCounterChild(keysetPath *hdkeychain.ExtendedKey, counter uint32, child uint32) (*secp256k1.PrivateKey, error) {
	// m/129372'/0'/keyset_k_int'/counter'
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/keyset_k_int'/counter'/child
	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}

	return childPath.ECPrivKey()
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	return deriveCounterChild(keysetPath, counter, 1)
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	secretKey, err := deriveCounterChild(keysetPath, counter, 0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(secretKey.Serialize()), nil
}

// DeriveSecretAndBlindingFactor derives both values for the counter.
func DeriveSecretAndBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, *secp256k1.PrivateKey, error) {
	secret, err := DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}
