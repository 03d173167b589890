package crypto

import (
	"encoding/json"
	"testing"
)

func TestGenerateKeyset(t *testing.T) {
	keyset := GenerateKeyset("seed", "m/0'/0'/0'", 100)

	if len(keyset.Keys) != maxOrder {
		t.Fatalf("expected '%v' keys but got '%v'", maxOrder, len(keyset.Keys))
	}
	if keyset.Id[:2] != "00" || len(keyset.Id) != 16 {
		t.Fatalf("invalid keyset id '%v'", keyset.Id)
	}
	if keyset.Id != DeriveKeysetId(keyset.PublicKeys()) {
		t.Fatal("keyset id does not match derived id")
	}

	other := GenerateKeyset("seed", "m/0'/0'/1'", 100)
	if other.Id == keyset.Id {
		t.Fatal("expected different keyset ids for different derivation paths")
	}
}

func TestWalletKeysetJSON(t *testing.T) {
	mintKeyset := GenerateKeyset("seed", "m/0'/0'/0'", 250)
	keyset := WalletKeyset{
		Id:          mintKeyset.Id,
		MintURL:     "http://localhost:3338",
		Unit:        "sat",
		Active:      true,
		PublicKeys:  mintKeyset.PublicKeys(),
		Counter:     21,
		InputFeePpk: 250,
	}

	data, err := json.Marshal(keyset)
	if err != nil {
		t.Fatalf("unexpected error marshaling keyset: %v", err)
	}

	var decoded WalletKeyset
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error unmarshaling keyset: %v", err)
	}

	if decoded.Counter != keyset.Counter || decoded.InputFeePpk != keyset.InputFeePpk {
		t.Fatalf("expected '%+v' but got '%+v'", keyset, decoded)
	}
	for amount, pk := range keyset.PublicKeys {
		if !decoded.PublicKeys[amount].IsEqual(pk) {
			t.Fatalf("public key for amount %v does not match", amount)
		}
	}
}
