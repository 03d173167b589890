// Package storagetest has the tests that every WalletDB implementation must pass.
package storagetest

import (
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/crypto"
	"github.com/elnosh/multinuts/wallet/storage"
)

// Run runs the suite against db. Each test uses its own mint url
// so they can share a db.
func Run(t *testing.T, db storage.WalletDB) {
	t.Run("Proofs", func(t *testing.T) { testProofs(t, db) })
	t.Run("ProofTransitions", func(t *testing.T) { testProofTransitions(t, db) })
	t.Run("ReserveIsAtomic", func(t *testing.T) { testReserveIsAtomic(t, db) })
	t.Run("ReleaseLeg", func(t *testing.T) { testReleaseLeg(t, db) })
	t.Run("KeysetCounter", func(t *testing.T) { testKeysetCounter(t, db) })
	t.Run("KeysetKeys", func(t *testing.T) { testKeysetKeys(t, db) })
	t.Run("MeltAttempts", func(t *testing.T) { testMeltAttempts(t, db) })
	t.Run("Seed", func(t *testing.T) { testSeed(t, db) })
}

func testProofs(t *testing.T, db storage.WalletDB) {
	mint1 := "http://mint1-" + GenerateRandomString(8)
	mint2 := "http://mint2-" + GenerateRandomString(8)
	proofs1 := GenerateRandomProofs(t, mint1, "keysetId12345", 50)
	proofs2 := GenerateRandomProofs(t, mint2, "someotherKeysetId123", 20)

	if err := db.SaveProofs(proofs1); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	if err := db.SaveProofs(proofs2); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofsByMint := db.GetProofsByMint(mint1)
	if len(proofsByMint) != len(proofs1) {
		t.Fatalf("expected '%v' proofs from db for mint '%v' but got '%v'", len(proofs1), mint1, len(proofsByMint))
	}
	SortProofs(proofs1)
	SortProofs(proofsByMint)
	if !reflect.DeepEqual(proofs1, proofsByMint) {
		t.Fatal("proofs from db do not match randomly generated ones saved to db")
	}

	// saving again must not duplicate nor reset state
	if err := db.SaveProofs(proofs1[:10]); err != nil {
		t.Fatalf("error saving duplicate proofs: %v", err)
	}
	if n := len(db.GetProofsByMint(mint1)); n != len(proofs1) {
		t.Fatalf("expected '%v' proofs after duplicate insert but got '%v'", len(proofs1), n)
	}

	fromYs, err := db.GetProofsByYs(storage.Ys(proofs2[:5]))
	if err != nil {
		t.Fatalf("unexpected error getting proofs by Ys: %v", err)
	}
	if len(fromYs) != 5 {
		t.Fatalf("expected '%v' proofs but got '%v'", 5, len(fromYs))
	}

	_, err = db.GetProofsByYs([]string{"nonexistent"})
	if !errors.Is(err, storage.ErrProofNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofNotFound, err)
	}
}

func testProofTransitions(t *testing.T, db storage.WalletDB) {
	mint := "http://mint-" + GenerateRandomString(8)
	proofs := GenerateRandomProofs(t, mint, "keysetId12345", 6)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	legA := storage.MeltLeg{Mint: mint, QuoteId: "quoteA", ProofYs: storage.Ys(proofs[:3])}
	legB := storage.MeltLeg{Mint: mint, QuoteId: "quoteB", ProofYs: storage.Ys(proofs[3:])}
	attempt := storage.MeltAttempt{
		Id:      "attempt-" + GenerateRandomString(8),
		State:   storage.Reserved,
		Legs:    []storage.MeltLeg{legA, legB},
		Visible: true,
	}
	if err := db.ReserveMeltAttempt(attempt); err != nil {
		t.Fatalf("error reserving melt attempt: %v", err)
	}

	checkStates(t, db, legA.ProofYs, storage.Pending)
	checkStates(t, db, legB.ProofYs, storage.Pending)
	reserved, _ := db.GetProofsByYs(legA.ProofYs)
	for _, proof := range reserved {
		if proof.MeltQuoteId != "quoteA" {
			t.Fatalf("expected melt quote id '%v' but got '%v'", "quoteA", proof.MeltQuoteId)
		}
	}

	// reserving already pending proofs is not allowed
	err := db.ReserveMeltAttempt(storage.MeltAttempt{Id: "other", Legs: []storage.MeltLeg{legA}})
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrInvalidTransition, err)
	}

	// leg A paid with change, leg B unpaid
	change := GenerateRandomProofs(t, mint, "keysetId12345", 2)
	if err := attempt.MarkLegPaid("quoteA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.CommitPaidLeg(attempt, legA.ProofYs, change); err != nil {
		t.Fatalf("error committing paid leg: %v", err)
	}
	checkStates(t, db, legA.ProofYs, storage.Spent)
	checkStates(t, db, storage.Ys(change), storage.Valid)

	attempt.Legs[0].QuoteState = nut05.Unpaid
	if err := db.RollbackLeg(attempt, legB.ProofYs); err != nil {
		t.Fatalf("error rolling back leg: %v", err)
	}
	checkStates(t, db, legB.ProofYs, storage.Valid)

	// spent proofs can never go back to valid
	err = db.RollbackLeg(attempt, legA.ProofYs)
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrInvalidTransition, err)
	}
	checkStates(t, db, legA.ProofYs, storage.Spent)

	// valid proofs cannot be marked spent without being reserved first
	err = db.CommitPaidLeg(attempt, legB.ProofYs, nil)
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrInvalidTransition, err)
	}
	checkStates(t, db, legB.ProofYs, storage.Valid)

	err = db.RollbackLeg(attempt, []string{"nonexistent"})
	if !errors.Is(err, storage.ErrProofNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofNotFound, err)
	}

	saved, err := db.GetMeltAttempt(attempt.Id)
	if err != nil {
		t.Fatalf("unexpected error getting attempt: %v", err)
	}
	if len(saved.Legs) != 1 || saved.Legs[0].QuoteId != "quoteB" {
		t.Fatalf("expected only leg B to remain but got '%+v'", saved.Legs)
	}
	if len(saved.PaidLegs) != 1 || saved.PaidLegs[0].QuoteId != "quoteA" {
		t.Fatalf("expected leg A in paid legs but got '%+v'", saved.PaidLegs)
	}
}

func testReleaseLeg(t *testing.T, db storage.WalletDB) {
	mint := "http://mint-" + GenerateRandomString(8)
	proofs := GenerateRandomProofs(t, mint, "keysetId12345", 4)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	leg := storage.MeltLeg{Mint: mint, QuoteId: "quote", ProofYs: storage.Ys(proofs)}
	attempt := storage.MeltAttempt{
		Id:      "attempt-" + GenerateRandomString(8),
		State:   storage.Reserved,
		Legs:    []storage.MeltLeg{leg},
		Visible: true,
	}
	if err := db.ReserveMeltAttempt(attempt); err != nil {
		t.Fatalf("error reserving melt attempt: %v", err)
	}

	validYs, spentYs := leg.ProofYs[:2], leg.ProofYs[2:]

	// a missing proof leaves every proof pending
	err := db.ReleaseLeg(attempt, validYs, append(slices.Clone(spentYs), "nonexistent"))
	if !errors.Is(err, storage.ErrProofNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofNotFound, err)
	}
	checkStates(t, db, leg.ProofYs, storage.Pending)

	attempt.Legs[0].QuoteState = nut05.Unpaid
	attempt.State = storage.Unpaid
	if err := db.ReleaseLeg(attempt, validYs, spentYs); err != nil {
		t.Fatalf("error releasing leg: %v", err)
	}
	checkStates(t, db, validYs, storage.Valid)
	checkStates(t, db, spentYs, storage.Spent)

	saved, err := db.GetMeltAttempt(attempt.Id)
	if err != nil {
		t.Fatalf("unexpected error getting attempt: %v", err)
	}
	if saved.State != storage.Unpaid || len(saved.PaidLegs) != 0 {
		t.Fatalf("expected unpaid attempt without paid legs but got '%v' with '%v' paid legs",
			saved.State, len(saved.PaidLegs))
	}
}

func testReserveIsAtomic(t *testing.T, db storage.WalletDB) {
	mint := "http://mint-" + GenerateRandomString(8)
	proofs := GenerateRandomProofs(t, mint, "keysetId12345", 4)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	Ys := append(storage.Ys(proofs), "missing")
	attempt := storage.MeltAttempt{
		Id:   "attempt-" + GenerateRandomString(8),
		Legs: []storage.MeltLeg{{Mint: mint, QuoteId: "quote", ProofYs: Ys}},
	}
	err := db.ReserveMeltAttempt(attempt)
	if !errors.Is(err, storage.ErrProofNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofNotFound, err)
	}

	checkStates(t, db, storage.Ys(proofs), storage.Valid)
	if _, err := db.GetMeltAttempt(attempt.Id); !errors.Is(err, storage.ErrAttemptNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrAttemptNotFound, err)
	}
}

func testKeysetCounter(t *testing.T, db storage.WalletDB) {
	mint := "http://mint-" + GenerateRandomString(8)
	mintKeyset := crypto.GenerateKeyset(GenerateRandomString(16), "m/0'/0'/0'", 100)
	keyset := &crypto.WalletKeyset{
		Id:          mintKeyset.Id,
		MintURL:     mint,
		Unit:        cashu.Sat.String(),
		Active:      true,
		PublicKeys:  mintKeyset.PublicKeys(),
		InputFeePpk: mintKeyset.InputFeePpk,
	}
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets := db.GetKeysets()
	if _, ok := keysets[mint][keyset.Id]; !ok {
		t.Fatalf("expected keyset '%v' for mint '%v'", keyset.Id, mint)
	}

	var expected uint32
	for _, n := range []uint32{1, 5, 10} {
		if err := db.IncrementKeysetCounter(keyset.Id, n); err != nil {
			t.Fatalf("error incrementing keyset counter: %v", err)
		}
		expected += n
		if counter := db.GetKeysetCounter(keyset.Id); counter != expected {
			t.Fatalf("expected counter '%v' but got '%v'", expected, counter)
		}
	}

	// saving the keyset again with a stale counter must not move it back
	keyset.Counter = 0
	keyset.Active = false
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	if counter := db.GetKeysetCounter(keyset.Id); counter != expected {
		t.Fatalf("expected counter '%v' but got '%v'", expected, counter)
	}

	saved := db.GetKeyset(keyset.Id)
	if saved == nil || saved.InputFeePpk != 100 || saved.Active {
		t.Fatalf("unexpected keyset from db: %+v", saved)
	}

	err := db.IncrementKeysetCounter("nonexistent", 1)
	if !errors.Is(err, storage.ErrKeysetNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrKeysetNotFound, err)
	}
}

func testKeysetKeys(t *testing.T, db storage.WalletDB) {
	mintKeyset := crypto.GenerateKeyset(GenerateRandomString(16), "m/0'/0'/0'", 0)
	keyset := &crypto.WalletKeyset{
		Id:      mintKeyset.Id,
		MintURL: "http://mint-" + GenerateRandomString(8),
		Unit:    cashu.Sat.String(),
		Active:  true,
	}
	// keysets are listed before their keys are fetched
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	if saved := db.GetKeyset(keyset.Id); saved == nil || len(saved.PublicKeys) != 0 {
		t.Fatalf("expected keyset without keys but got %+v", saved)
	}

	keyset.PublicKeys = mintKeyset.PublicKeys()
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	saved := db.GetKeyset(keyset.Id)
	if saved == nil || len(saved.PublicKeys) != len(keyset.PublicKeys) {
		t.Fatalf("expected %v keys to be saved but got %+v", len(keyset.PublicKeys), saved)
	}

	keyset.PublicKeys = nil
	keyset.Active = false
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	saved = db.GetKeyset(keyset.Id)
	if saved == nil || len(saved.PublicKeys) != len(mintKeyset.PublicKeys()) || saved.Active {
		t.Fatalf("expected keys to be kept but got %+v", saved)
	}
}

func testMeltAttempts(t *testing.T, db storage.WalletDB) {
	before := len(db.GetMeltAttempts())

	attempts := make([]storage.MeltAttempt, 10)
	for i := range attempts {
		attempts[i] = storage.MeltAttempt{
			Id:         GenerateRandomString(32),
			Request:    "lnbc...",
			AmountMsat: 1_000_000,
			State:      storage.AttemptPending,
			Legs: []storage.MeltLeg{{
				Mint:          "http://localhost:3338",
				Unit:          cashu.Sat.String(),
				QuoteId:       GenerateRandomString(16),
				Amount:        1000,
				FeeReserve:    10,
				MppAmountMsat: 1_000_000,
				QuoteState:    nut05.Pending,
				Blank: &storage.BlankOutputs{
					KeysetId:     "keysetId12345",
					StartCounter: 7,
					Secrets:      []string{"a", "b"},
					Rs:           []string{"c", "d"},
				},
			}},
			Visible:   true,
			CreatedAt: int64(i),
		}
		if err := db.SaveMeltAttempt(attempts[i]); err != nil {
			t.Fatalf("error saving melt attempt: %v", err)
		}
	}

	saved, err := db.GetMeltAttempt(attempts[3].Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(attempts[3], *saved) {
		t.Fatalf("expected '%+v' but got '%+v'", attempts[3], *saved)
	}

	if n := len(db.GetMeltAttempts()); n != before+len(attempts) {
		t.Fatalf("expected '%v' melt attempts but got '%v'", before+len(attempts), n)
	}

	if err := db.DeleteMeltAttempt(attempts[0].Id); err != nil {
		t.Fatalf("unexpected error deleting attempt: %v", err)
	}
	if _, err := db.GetMeltAttempt(attempts[0].Id); !errors.Is(err, storage.ErrAttemptNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrAttemptNotFound, err)
	}
}

func testSeed(t *testing.T, db storage.WalletDB) {
	seed := []byte(GenerateRandomString(64))
	mnemonic := "half depart obvious quality work element tank gorilla view sugar picture humble"
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}
	if !slices.Equal(db.GetSeed(), seed) {
		t.Fatal("seed from db does not match")
	}
	if db.GetMnemonic() != mnemonic {
		t.Fatalf("expected '%v' but got '%v'", mnemonic, db.GetMnemonic())
	}
}

func checkStates(t *testing.T, db storage.WalletDB, Ys []string, expected storage.ProofState) {
	t.Helper()
	proofs, err := db.GetProofsByYs(Ys)
	if err != nil {
		t.Fatalf("unexpected error getting proofs: %v", err)
	}
	for _, proof := range proofs {
		if proof.State != expected {
			t.Fatalf("expected proof state '%v' but got '%v'", expected, proof.State)
		}
	}
}

func GenerateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func GenerateRandomProofs(t *testing.T, mint, keysetId string, num int) []storage.DBProof {
	proofs := make([]storage.DBProof, num)

	for i := 0; i < num; i++ {
		key, _ := btcec.NewPrivateKey()
		proof := cashu.Proof{
			Amount: 21,
			Id:     keysetId,
			Secret: GenerateRandomString(64),
			C:      hex.EncodeToString(key.PubKey().SerializeCompressed()),
		}
		dbProof, err := storage.NewDBProof(proof, mint)
		if err != nil {
			t.Fatalf("error creating proof: %v", err)
		}
		proofs[i] = dbProof
	}

	return proofs
}

func SortProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}
