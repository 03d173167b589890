package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/elnosh/multinuts/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	seedBucket     = "seed"
	keysetsBucket  = "keysets"
	proofsBucket   = "proofs"
	attemptsBucket = "melt_attempts"

	seedKey     = "seed"
	mnemonicKey = "mnemonic"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{seedBucket, keysetsBucket, proofsBucket, attemptsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(seedKey), seed); err != nil {
			return err
		}
		return seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey)); value != nil {
			seed = append([]byte(nil), value...)
		}
		return nil
	})
	return seed
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) SaveProofs(proofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return insertProofs(tx.Bucket([]byte(proofsBucket)), proofs)
	})
}

func insertProofs(proofsb *bolt.Bucket, proofs []DBProof) error {
	for _, proof := range proofs {
		key := []byte(proof.Y)
		if proofsb.Get(key) != nil {
			continue
		}
		proof.State = Valid
		proof.MeltQuoteId = ""
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return fmt.Errorf("invalid proof: %v", err)
		}
		if err := proofsb.Put(key, jsonProof); err != nil {
			return err
		}
	}
	return nil
}

func (db *BoltDB) GetProofs() []DBProof {
	return db.filterProofs(func(DBProof) bool { return true })
}

func (db *BoltDB) GetProofsByMint(mint string) []DBProof {
	return db.filterProofs(func(proof DBProof) bool { return proof.Mint == mint })
}

func (db *BoltDB) filterProofs(keep func(DBProof) bool) []DBProof {
	proofs := []DBProof{}

	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEach(func(k, v []byte) error {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return nil
			}
			if keep(proof) {
				proofs = append(proofs, proof)
			}
			return nil
		})
	})

	return proofs
}

func (db *BoltDB) GetProofsByYs(Ys []string) ([]DBProof, error) {
	proofs := make([]DBProof, 0, len(Ys))

	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, Y := range Ys {
			proof, err := getProof(proofsb, Y)
			if err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return proofs, nil
}

func getProof(proofsb *bolt.Bucket, Y string) (DBProof, error) {
	var proof DBProof
	value := proofsb.Get([]byte(Y))
	if value == nil {
		return proof, fmt.Errorf("%w: %v", ErrProofNotFound, Y)
	}
	if err := json.Unmarshal(value, &proof); err != nil {
		return proof, fmt.Errorf("invalid proof in db: %v", err)
	}
	return proof, nil
}

// transitionProofs must run inside a read-write transaction so that
// an invalid transition leaves every proof untouched.
func transitionProofs(proofsb *bolt.Bucket, Ys []string, to ProofState, quoteId string) error {
	for _, Y := range Ys {
		proof, err := getProof(proofsb, Y)
		if err != nil {
			return err
		}
		if err := CheckTransition(proof.State, to); err != nil {
			return fmt.Errorf("proof %v: %w", Y, err)
		}

		proof.State = to
		proof.MeltQuoteId = quoteId
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return err
		}
		if err := proofsb.Put([]byte(Y), jsonProof); err != nil {
			return err
		}
	}
	return nil
}

// SaveKeyset stores the keyset. If it already exists, the stored
// counter is kept when it is ahead of the one passed.
func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}

		toSave := *keyset
		if existing := mintBucket.Get([]byte(keyset.Id)); existing != nil {
			var stored crypto.WalletKeyset
			if err := json.Unmarshal(existing, &stored); err == nil {
				toSave.Counter = max(toSave.Counter, stored.Counter)
				// keys fetched earlier are kept when saved without them
				if len(toSave.PublicKeys) == 0 {
					toSave.PublicKeys = stored.PublicKeys
				}
			}
		}

		jsonKeyset, err := json.Marshal(toSave)
		if err != nil {
			return fmt.Errorf("invalid keyset format: %v", err)
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() KeysetsMap {
	keysets := make(KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEach(func(mintURL, v []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			mintBucket := keysetsb.Bucket(mintURL)
			if mintBucket == nil {
				return nil
			}

			mintBucket.ForEach(func(_, value []byte) error {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(value, &keyset); err != nil {
					return nil
				}
				mintKeysets[keyset.Id] = keyset
				return nil
			})

			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})

	return keysets
}

// findKeyset looks for the keyset id under every mint bucket.
func findKeyset(keysetsb *bolt.Bucket, keysetId string) (*bolt.Bucket, *crypto.WalletKeyset, error) {
	var (
		found  *crypto.WalletKeyset
		bucket *bolt.Bucket
	)

	c := keysetsb.Cursor()
	for mintURL, v := c.First(); mintURL != nil; mintURL, v = c.Next() {
		if v != nil {
			continue
		}
		mintBucket := keysetsb.Bucket(mintURL)
		value := mintBucket.Get([]byte(keysetId))
		if value == nil {
			continue
		}

		var keyset crypto.WalletKeyset
		if err := json.Unmarshal(value, &keyset); err != nil {
			return nil, nil, err
		}
		found = &keyset
		bucket = mintBucket
		break
	}

	if found == nil {
		return nil, nil, ErrKeysetNotFound
	}
	return bucket, found, nil
}

func (db *BoltDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		_, keyset, _ = findKeyset(tx.Bucket([]byte(keysetsBucket)), keysetId)
		return nil
	})

	return keyset
}

func (db *BoltDB) IncrementKeysetCounter(keysetId string, num uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintBucket, keyset, err := findKeyset(tx.Bucket([]byte(keysetsBucket)), keysetId)
		if err != nil {
			return err
		}

		keyset.Counter += num
		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keysetId), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysetCounter(keysetId string) uint32 {
	keyset := db.GetKeyset(keysetId)
	if keyset == nil {
		return 0
	}
	return keyset.Counter
}

func putAttempt(attemptsb *bolt.Bucket, attempt MeltAttempt) error {
	jsonAttempt, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("invalid melt attempt: %v", err)
	}
	return attemptsb.Put([]byte(attempt.Id), jsonAttempt)
}

func (db *BoltDB) ReserveMeltAttempt(attempt MeltAttempt) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, leg := range attempt.Legs {
			if err := transitionProofs(proofsb, leg.ProofYs, Pending, leg.QuoteId); err != nil {
				return err
			}
		}
		return putAttempt(tx.Bucket([]byte(attemptsBucket)), attempt)
	})
}

func (db *BoltDB) SaveMeltAttempt(attempt MeltAttempt) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return putAttempt(tx.Bucket([]byte(attemptsBucket)), attempt)
	})
}

func (db *BoltDB) GetMeltAttempt(id string) (*MeltAttempt, error) {
	var attempt *MeltAttempt

	err := db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(attemptsBucket)).Get([]byte(id))
		if value == nil {
			return ErrAttemptNotFound
		}
		attempt = &MeltAttempt{}
		return json.Unmarshal(value, attempt)
	})
	if err != nil {
		return nil, err
	}

	return attempt, nil
}

func (db *BoltDB) GetMeltAttempts() []MeltAttempt {
	attempts := []MeltAttempt{}

	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(attemptsBucket)).ForEach(func(k, v []byte) error {
			var attempt MeltAttempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return nil
			}
			attempts = append(attempts, attempt)
			return nil
		})
	})

	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt < attempts[j].CreatedAt
	})
	return attempts
}

func (db *BoltDB) DeleteMeltAttempt(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		attemptsb := tx.Bucket([]byte(attemptsBucket))
		if attemptsb.Get([]byte(id)) == nil {
			return ErrAttemptNotFound
		}
		return attemptsb.Delete([]byte(id))
	})
}

func (db *BoltDB) CommitPaidLeg(attempt MeltAttempt, spentYs []string, change []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		if err := transitionProofs(proofsb, spentYs, Spent, ""); err != nil {
			return err
		}
		if err := insertProofs(proofsb, change); err != nil {
			return err
		}
		return putAttempt(tx.Bucket([]byte(attemptsBucket)), attempt)
	})
}

func (db *BoltDB) RollbackLeg(attempt MeltAttempt, Ys []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := transitionProofs(tx.Bucket([]byte(proofsBucket)), Ys, Valid, ""); err != nil {
			return err
		}
		return putAttempt(tx.Bucket([]byte(attemptsBucket)), attempt)
	})
}

func (db *BoltDB) ReleaseLeg(attempt MeltAttempt, validYs, spentYs []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		if err := transitionProofs(proofsb, validYs, Valid, ""); err != nil {
			return err
		}
		if err := transitionProofs(proofsb, spentYs, Spent, ""); err != nil {
			return err
		}
		return putAttempt(tx.Bucket([]byte(attemptsBucket)), attempt)
	})
}

var _ WalletDB = (*BoltDB)(nil)

