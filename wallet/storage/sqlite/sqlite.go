// Package sqlite implements the wallet ledger on top of SQLite.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut01"
	"github.com/elnosh/multinuts/crypto"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	// a single connection serializes every write to the ledger
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed, mnemonic) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET seed = excluded.seed, mnemonic = excluded.mnemonic
	`, "id", hex.EncodeToString(seed), mnemonic)
	return err
}

func (sqlite *SQLiteDB) GetSeed() []byte {
	var hexSeed string
	if err := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = 'id'").Scan(&hexSeed); err != nil {
		return nil
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil
	}
	return seed
}

func (sqlite *SQLiteDB) GetMnemonic() string {
	var mnemonic string
	sqlite.db.QueryRow("SELECT mnemonic FROM seed WHERE id = 'id'").Scan(&mnemonic)
	return mnemonic
}

func (sqlite *SQLiteDB) SaveProofs(proofs []storage.DBProof) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		return insertProofs(tx, proofs)
	})
}

func insertProofs(tx *sql.Tx, proofs []storage.DBProof) error {
	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO proofs (y, amount, keyset_id, secret, c, dleq, mint_url, state, melt_quote_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		var dleq sql.NullString
		if proof.DLEQ != nil {
			jsonDLEQ, err := json.Marshal(proof.DLEQ)
			if err != nil {
				return err
			}
			dleq = sql.NullString{String: string(jsonDLEQ), Valid: true}
		}
		if _, err := stmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C,
			dleq, proof.Mint, storage.Valid); err != nil {
			return err
		}
	}
	return nil
}

const selectProofs = "SELECT y, amount, keyset_id, secret, c, dleq, mint_url, state, melt_quote_id FROM proofs"

type scanner interface {
	Scan(dest ...any) error
}

func scanProof(row scanner) (storage.DBProof, error) {
	var (
		proof       storage.DBProof
		dleq        sql.NullString
		meltQuoteId sql.NullString
	)
	err := row.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C,
		&dleq, &proof.Mint, &proof.State, &meltQuoteId)
	if err != nil {
		return proof, err
	}
	if dleq.Valid {
		var dleqProof cashu.DLEQProof
		if err := json.Unmarshal([]byte(dleq.String), &dleqProof); err != nil {
			return proof, err
		}
		proof.DLEQ = &dleqProof
	}
	proof.MeltQuoteId = meltQuoteId.String
	return proof, nil
}

func (sqlite *SQLiteDB) queryProofs(query string, args ...any) []storage.DBProof {
	proofs := []storage.DBProof{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return proofs
	}
	defer rows.Close()

	for rows.Next() {
		proof, err := scanProof(rows)
		if err != nil {
			continue
		}
		proofs = append(proofs, proof)
	}
	return proofs
}

func (sqlite *SQLiteDB) GetProofs() []storage.DBProof {
	return sqlite.queryProofs(selectProofs)
}

func (sqlite *SQLiteDB) GetProofsByMint(mint string) []storage.DBProof {
	return sqlite.queryProofs(selectProofs+" WHERE mint_url = ?", mint)
}

func (sqlite *SQLiteDB) GetProofsByYs(Ys []string) ([]storage.DBProof, error) {
	proofs := make([]storage.DBProof, 0, len(Ys))
	for _, Y := range Ys {
		proof, err := getProof(sqlite.db, Y)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return proofs, nil
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getProof(q queryRower, Y string) (storage.DBProof, error) {
	proof, err := scanProof(q.QueryRow(selectProofs+" WHERE y = ?", Y))
	if errors.Is(err, sql.ErrNoRows) {
		return proof, fmt.Errorf("%w: %v", storage.ErrProofNotFound, Y)
	}
	return proof, err
}

func transitionProofs(tx *sql.Tx, Ys []string, to storage.ProofState, quoteId string) error {
	var meltQuoteId sql.NullString
	if quoteId != "" {
		meltQuoteId = sql.NullString{String: quoteId, Valid: true}
	}

	for _, Y := range Ys {
		proof, err := getProof(tx, Y)
		if err != nil {
			return err
		}
		if err := storage.CheckTransition(proof.State, to); err != nil {
			return fmt.Errorf("proof %v: %w", Y, err)
		}
		if _, err := tx.Exec("UPDATE proofs SET state = ?, melt_quote_id = ? WHERE y = ?",
			to, meltQuoteId, Y); err != nil {
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	publicKeys, err := json.Marshal(keyset.PublicKeys.KeysMap())
	if err != nil {
		return err
	}

	_, err = sqlite.db.Exec(`
	INSERT INTO keysets (id, mint_url, unit, active, public_keys, counter, input_fee_ppk)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET active = excluded.active, input_fee_ppk = excluded.input_fee_ppk,
		counter = MAX(keysets.counter, excluded.counter),
		public_keys = CASE WHEN excluded.public_keys = '{}' THEN keysets.public_keys ELSE excluded.public_keys END
	`, keyset.Id, keyset.MintURL, keyset.Unit, keyset.Active, string(publicKeys),
		keyset.Counter, keyset.InputFeePpk)
	return err
}

const selectKeysets = "SELECT id, mint_url, unit, active, public_keys, counter, input_fee_ppk FROM keysets"

func scanKeyset(row scanner) (*crypto.WalletKeyset, error) {
	var (
		keyset     crypto.WalletKeyset
		publicKeys string
	)
	err := row.Scan(&keyset.Id, &keyset.MintURL, &keyset.Unit, &keyset.Active,
		&publicKeys, &keyset.Counter, &keyset.InputFeePpk)
	if err != nil {
		return nil, err
	}

	var keysMap nut01.KeysMap
	if err := json.Unmarshal([]byte(publicKeys), &keysMap); err != nil {
		return nil, err
	}
	keyset.PublicKeys, err = crypto.MapPubKeys(keysMap)
	if err != nil {
		return nil, err
	}
	return &keyset, nil
}

func (sqlite *SQLiteDB) GetKeysets() storage.KeysetsMap {
	keysets := make(storage.KeysetsMap)

	rows, err := sqlite.db.Query(selectKeysets)
	if err != nil {
		return keysets
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			continue
		}
		if keysets[keyset.MintURL] == nil {
			keysets[keyset.MintURL] = make(map[string]crypto.WalletKeyset)
		}
		keysets[keyset.MintURL][keyset.Id] = *keyset
	}
	return keysets
}

func (sqlite *SQLiteDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	keyset, err := scanKeyset(sqlite.db.QueryRow(selectKeysets+" WHERE id = ?", keysetId))
	if err != nil {
		return nil
	}
	return keyset
}

func (sqlite *SQLiteDB) IncrementKeysetCounter(keysetId string, num uint32) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET counter = counter + ? WHERE id = ?", num, keysetId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrKeysetNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) GetKeysetCounter(keysetId string) uint32 {
	var counter uint32
	sqlite.db.QueryRow("SELECT counter FROM keysets WHERE id = ?", keysetId).Scan(&counter)
	return counter
}

func putAttempt(tx *sql.Tx, attempt storage.MeltAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("invalid melt attempt: %v", err)
	}
	_, err = tx.Exec(`
	INSERT INTO melt_attempts (id, created_at, data) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, attempt.Id, attempt.CreatedAt, string(data))
	return err
}

func (sqlite *SQLiteDB) ReserveMeltAttempt(attempt storage.MeltAttempt) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		for _, leg := range attempt.Legs {
			if err := transitionProofs(tx, leg.ProofYs, storage.Pending, leg.QuoteId); err != nil {
				return err
			}
		}
		return putAttempt(tx, attempt)
	})
}

func (sqlite *SQLiteDB) SaveMeltAttempt(attempt storage.MeltAttempt) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		return putAttempt(tx, attempt)
	})
}

func (sqlite *SQLiteDB) GetMeltAttempt(id string) (*storage.MeltAttempt, error) {
	var data string
	err := sqlite.db.QueryRow("SELECT data FROM melt_attempts WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}

	var attempt storage.MeltAttempt
	if err := json.Unmarshal([]byte(data), &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (sqlite *SQLiteDB) GetMeltAttempts() []storage.MeltAttempt {
	attempts := []storage.MeltAttempt{}

	rows, err := sqlite.db.Query("SELECT data FROM melt_attempts ORDER BY created_at")
	if err != nil {
		return attempts
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var attempt storage.MeltAttempt
		if err := json.Unmarshal([]byte(data), &attempt); err != nil {
			continue
		}
		attempts = append(attempts, attempt)
	}
	return attempts
}

func (sqlite *SQLiteDB) DeleteMeltAttempt(id string) error {
	result, err := sqlite.db.Exec("DELETE FROM melt_attempts WHERE id = ?", id)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrAttemptNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) CommitPaidLeg(attempt storage.MeltAttempt, spentYs []string, change []storage.DBProof) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		if err := transitionProofs(tx, spentYs, storage.Spent, ""); err != nil {
			return err
		}
		if err := insertProofs(tx, change); err != nil {
			return err
		}
		return putAttempt(tx, attempt)
	})
}

func (sqlite *SQLiteDB) RollbackLeg(attempt storage.MeltAttempt, Ys []string) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		if err := transitionProofs(tx, Ys, storage.Valid, ""); err != nil {
			return err
		}
		return putAttempt(tx, attempt)
	})
}

func (sqlite *SQLiteDB) ReleaseLeg(attempt storage.MeltAttempt, validYs, spentYs []string) error {
	return sqlite.withTx(func(tx *sql.Tx) error {
		if err := transitionProofs(tx, validYs, storage.Valid, ""); err != nil {
			return err
		}
		if err := transitionProofs(tx, spentYs, storage.Spent, ""); err != nil {
			return err
		}
		return putAttempt(tx, attempt)
	})
}

func (sqlite *SQLiteDB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ storage.WalletDB = (*SQLiteDB)(nil)
