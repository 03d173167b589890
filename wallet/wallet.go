// Package wallet implements a Cashu wallet that holds ecash from several
// mints and can pay a lightning invoice with the combined balance of
// more than one of them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut01"
	"github.com/elnosh/multinuts/cashu/nuts/nut02"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut06"
	"github.com/elnosh/multinuts/cashu/nuts/nut07"
	"github.com/elnosh/multinuts/cashu/nuts/nut09"
	"github.com/elnosh/multinuts/wallet/client"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/elnosh/multinuts/wallet/storage/sqlite"
	"github.com/tyler-smith/go-bip39"
)

// MintClient is the API of a mint used by the wallet.
type MintClient interface {
	GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error)
	GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, mintURL string, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, mintURL string, req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, mintURL string, req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, mintURL string, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

type Wallet struct {
	db        storage.WalletDB
	client    MintClient
	masterKey *hdkeychain.ExtendedKey
	unit      cashu.Unit

	// guards mints and inflight
	mu    sync.RWMutex
	mints map[string]walletMint
	// attempts being settled by this process
	inflight map[string]bool

	// held while proofs are selected and reserved and while
	// outcomes are applied so ledger updates happen one at a time
	ledgerMu sync.Mutex

	maxConcurrency int
	logger         *slog.Logger
	statusListener StatusListener
	metrics        *metrics
	now            func() time.Time
}

func InitStorage(path string, storageType StorageType) (storage.WalletDB, error) {
	switch storageType {
	case SQLiteStorage:
		return sqlite.InitSQLite(path)
	default:
		return storage.InitBolt(path)
	}
}

func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	db, err := InitStorage(config.WalletPath, config.Storage)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	wallet, err := newWallet(db, config)
	if err != nil {
		db.Close()
		return nil, err
	}

	for _, mintURL := range config.Mints {
		mintURL, err := normalizeMintURL(mintURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, ok := wallet.getMint(mintURL); ok {
			continue
		}
		if _, err := wallet.AddMint(ctx, mintURL); err != nil {
			db.Close()
			return nil, fmt.Errorf("error adding mint '%v': %w", mintURL, err)
		}
	}

	return wallet, nil
}

func newWallet(db storage.WalletDB, config Config) (*Wallet, error) {
	seed := db.GetSeed()
	if len(seed) == 0 {
		// create and save new seed if none existed previously
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, err
		}
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mintClient := config.Client
	if mintClient == nil {
		timeout := config.HTTPTimeout
		if timeout == 0 {
			timeout = defaultHTTPTimeout
		}
		mintClient = client.New(timeout)
	}

	maxConcurrency := config.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	wallet := &Wallet{
		db:             db,
		client:         mintClient,
		masterKey:      masterKey,
		unit:           config.Unit,
		mints:          make(map[string]walletMint),
		inflight:       make(map[string]bool),
		maxConcurrency: maxConcurrency,
		logger:         setupLogger(config),
		statusListener: config.StatusListener,
		metrics:        newMetrics(config.Registerer),
		now:            now,
	}
	wallet.loadMints()

	return wallet, nil
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

func normalizeMintURL(mint string) (string, error) {
	mintURL, err := url.Parse(strings.TrimSpace(mint))
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	if mintURL.Scheme != "http" && mintURL.Scheme != "https" {
		return "", fmt.Errorf("invalid mint url '%v': scheme must be http or https", mint)
	}
	return strings.TrimRight(mintURL.String(), "/"), nil
}

// AddMint fetches the info and keysets of the mint and stores them.
// It fails with ErrUnitMismatch if the mint has no active keyset for the wallet unit.
func (w *Wallet) AddMint(ctx context.Context, mint string) (*nut06.MintInfo, error) {
	mintURL, err := normalizeMintURL(mint)
	if err != nil {
		return nil, err
	}

	walletMint, err := w.refreshMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	if !walletMint.hasActiveKeyset() {
		return nil, fmt.Errorf("%w: '%v'", ErrUnitMismatch, w.unit)
	}
	w.logInfof("added mint '%v'", mintURL)

	return walletMint.info, nil
}

// TrustedMints returns the urls of the known mints sorted.
func (w *Wallet) TrustedMints() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	mints := make([]string, 0, len(w.mints))
	for mint := range w.mints {
		mints = append(mints, mint)
	}
	slices.Sort(mints)
	return mints
}

func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

// spendableProofs returns the valid proofs from the mint
// in keysets of the wallet unit.
func (w *Wallet) spendableProofs(mint string) []storage.DBProof {
	unitKeysets := w.unitKeysets()
	proofs := w.db.GetProofsByMint(mint)

	spendable := make([]storage.DBProof, 0, len(proofs))
	for _, proof := range proofs {
		if proof.State == storage.Valid && unitKeysets[proof.Id] {
			spendable = append(spendable, proof)
		}
	}
	return spendable
}

// GetBalance returns the spendable balance across all mints.
func (w *Wallet) GetBalance() uint64 {
	var balance uint64
	for _, mintBalance := range w.GetBalanceByMints() {
		balance += mintBalance
	}
	return balance
}

// GetBalanceByMints returns the spendable balance of each known mint.
func (w *Wallet) GetBalanceByMints() map[string]uint64 {
	balances := make(map[string]uint64)
	for _, mint := range w.TrustedMints() {
		balances[mint] = storage.Amount(w.spendableProofs(mint))
	}
	return balances
}

// GetPendingBalance returns the amount reserved by melt attempts that
// are not resolved yet.
func (w *Wallet) GetPendingBalance() uint64 {
	unitKeysets := w.unitKeysets()

	var pending uint64
	for _, proof := range w.db.GetProofs() {
		if proof.State == storage.Pending && unitKeysets[proof.Id] {
			pending += proof.Amount
		}
	}
	return pending
}

// GetMeltAttempt returns the attempt with the id.
func (w *Wallet) GetMeltAttempt(id string) (*storage.MeltAttempt, error) {
	attempt, err := w.db.GetMeltAttempt(id)
	if err != nil {
		if errors.Is(err, storage.ErrAttemptNotFound) {
			return nil, fmt.Errorf("%w: '%v'", ErrAttemptNotFound, id)
		}
		return nil, err
	}
	return attempt, nil
}

// GetPendingMeltAttempts returns the attempts that still need attention.
func (w *Wallet) GetPendingMeltAttempts() []storage.MeltAttempt {
	attempts := w.db.GetMeltAttempts()
	pending := make([]storage.MeltAttempt, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Visible {
			pending = append(pending, attempt)
		}
	}
	return pending
}
