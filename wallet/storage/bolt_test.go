package storage_test

import (
	"log"
	"os"
	"testing"

	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/elnosh/multinuts/wallet/storage/storagetest"
)

var (
	db *storage.BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testdbbolt"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	db, err = storage.InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)
	defer db.Close()

	return m.Run(), nil
}

func TestBoltDB(t *testing.T) {
	storagetest.Run(t, db)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from  storage.ProofState
		to    storage.ProofState
		valid bool
	}{
		{from: storage.Valid, to: storage.Pending, valid: true},
		{from: storage.Pending, to: storage.Spent, valid: true},
		{from: storage.Pending, to: storage.Valid, valid: true},
		{from: storage.Valid, to: storage.Spent, valid: false},
		{from: storage.Spent, to: storage.Valid, valid: false},
		{from: storage.Spent, to: storage.Pending, valid: false},
		{from: storage.Pending, to: storage.Pending, valid: false},
		{from: storage.Valid, to: storage.Valid, valid: false},
	}

	for _, test := range tests {
		err := storage.CheckTransition(test.from, test.to)
		if (err == nil) != test.valid {
			t.Errorf("transition %v -> %v: expected valid '%v' but got error '%v'", test.from, test.to, test.valid, err)
		}
	}
}

func TestReopenBolt(t *testing.T) {
	dbpath := "./testdbreopen"
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dbpath)

	first, err := storage.InitBolt(dbpath)
	if err != nil {
		t.Fatalf("error opening db: %v", err)
	}
	proofs := storagetest.GenerateRandomProofs(t, "http://localhost:3338", "keysetId12345", 5)
	if err := first.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	first.Close()

	second, err := storage.InitBolt(dbpath)
	if err != nil {
		t.Fatalf("error reopening db: %v", err)
	}
	defer second.Close()
	if n := len(second.GetProofs()); n != 5 {
		t.Fatalf("expected '%v' proofs but got '%v'", 5, n)
	}
}
