// Package fakemint is an in-process Cashu mint for tests. It signs real
// ecash but never pays invoices: the outcome of every melt is set by the test.
package fakemint

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut01"
	"github.com/elnosh/multinuts/cashu/nuts/nut02"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut06"
	"github.com/elnosh/multinuts/cashu/nuts/nut07"
	"github.com/elnosh/multinuts/cashu/nuts/nut09"
	"github.com/elnosh/multinuts/cashu/nuts/nut17"
	"github.com/elnosh/multinuts/crypto"
	"github.com/gorilla/mux"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome is what happens to the lightning payment of a melt.
type Outcome int

const (
	// the payment succeeds
	Pay Outcome = iota
	// the payment fails and the inputs can be spent again
	Fail
	// the payment stays in flight until SettleQuote is called
	Hold
)

type Config struct {
	Seed string
	// advertise NUT-15 for bolt11 sat
	Mpp bool
	// advertise NUT-17 melt quote subscriptions
	Websocket   bool
	FeeReserve  uint64
	InputFeePpk uint
	// defaults to one hour
	QuoteExpiry time.Duration
	Logger      *slog.Logger
}

type meltQuote struct {
	nut05.PostMeltQuoteBolt11Response
	inputs   []string
	outputs  cashu.BlindedMessages
	inputFee uint64
	excess   uint64
}

type FakeMint struct {
	server *httptest.Server
	keyset *crypto.MintKeyset
	config Config
	logger *slog.Logger
	pubsub *pubSub

	mu            sync.Mutex
	quotes        map[string]*meltQuote
	quoteRequests []nut05.PostMeltQuoteBolt11Request
	meltRequests  []nut05.PostMeltBolt11Request
	// Y to state of every proof seen as a melt input
	proofStates map[string]nut07.State
	// B_ to signature, for restore
	signatures map[string]cashu.BlindedSignature
	outcome    Outcome
	quoteErr   error
	meltErr    error
	offline    bool
	feePaid    uint64
}

func New(config Config) *FakeMint {
	if config.Seed == "" {
		config.Seed = "fakemint"
	}
	if config.QuoteExpiry == 0 {
		config.QuoteExpiry = time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &FakeMint{
		keyset:      crypto.GenerateKeyset(config.Seed, "m/0'/0'/0'", config.InputFeePpk),
		config:      config,
		logger:      logger,
		pubsub:      newPubSub(),
		quotes:      make(map[string]*meltQuote),
		proofStates: make(map[string]nut07.State),
		signatures:  make(map[string]cashu.BlindedSignature),
	}
	m.server = httptest.NewServer(m.router())
	return m
}

func (m *FakeMint) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/info", m.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", m.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", m.handleKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", m.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/quote/bolt11", m.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", m.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", m.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", m.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", m.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/v1/ws", m.serveWS)
	r.Use(m.offlineMiddleware)
	return r
}

func (m *FakeMint) URL() string {
	return m.server.URL
}

func (m *FakeMint) KeysetId() string {
	return m.keyset.Id
}

func (m *FakeMint) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

func (m *FakeMint) SetOutcome(outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = outcome
}

// SetQuoteError makes melt quote requests fail with err. A cashu.Error
// is returned with status 400, anything else with status 500.
func (m *FakeMint) SetQuoteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteErr = err
}

// SetMeltError makes melt requests fail with err without touching the inputs.
func (m *FakeMint) SetMeltError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltErr = err
}

// SetOffline makes the mint drop every connection.
func (m *FakeMint) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetFeePaid sets the lightning fee of the next payments.
// Whatever is left of the fee reserve is returned as change.
func (m *FakeMint) SetFeePaid(fee uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feePaid = fee
}

func (m *FakeMint) QuoteRequests() []nut05.PostMeltQuoteBolt11Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nut05.PostMeltQuoteBolt11Request{}, m.quoteRequests...)
}

func (m *FakeMint) MeltRequests() []nut05.PostMeltBolt11Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nut05.PostMeltBolt11Request{}, m.meltRequests...)
}

// ProofState returns the state of the proof with the Y.
func (m *FakeMint) ProofState(Y string) nut07.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proofStates[Y]
}

// SettleQuote finishes a held payment.
func (m *FakeMint) SettleQuote(quoteId string, paid bool) error {
	m.mu.Lock()
	quote, ok := m.quotes[quoteId]
	if !ok {
		m.mu.Unlock()
		return errors.New("quote does not exist")
	}
	if quote.State != nut05.Pending {
		m.mu.Unlock()
		return errors.New("quote is not pending")
	}
	if paid {
		if err := m.settlePaid(quote); err != nil {
			m.mu.Unlock()
			return err
		}
	} else {
		m.settleUnpaid(quote)
	}
	response := quote.PostMeltQuoteBolt11Response
	m.mu.Unlock()

	m.publishQuote(response)
	return nil
}

// SetQuoteUnpaid reports the quote as unpaid without changing the
// state of its inputs, like a mint that lost track of the payment.
func (m *FakeMint) SetQuoteUnpaid(quoteId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.quotes[quoteId]
	if !ok {
		return errors.New("quote does not exist")
	}
	quote.State = nut05.Unpaid
	quote.Paid = false
	return nil
}

// MintProofs issues proofs with the amounts. Every amount must be a power of 2.
func (m *FakeMint) MintProofs(amounts ...uint64) (cashu.Proofs, error) {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		var secretBytes [32]byte
		if _, err := rand.Read(secretBytes[:]); err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(secretBytes[:])

		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}

		signatures, err := m.sign(cashu.BlindedMessages{cashu.NewBlindedMessage(m.keyset.Id, amount, B_)})
		if err != nil {
			return nil, err
		}

		C_, err := parsePubKey(signatures[0].C_)
		if err != nil {
			return nil, err
		}
		C := crypto.UnblindSignature(C_, r, m.keyset.Keys[amount].PublicKey)

		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     m.keyset.Id,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

// Token encodes the proofs as a V3 token from the mint.
func (m *FakeMint) Token(proofs cashu.Proofs) (string, error) {
	token := cashu.TokenV3{
		Token:     []cashu.TokenV3Proof{{Mint: m.URL(), Proofs: proofs}},
		TokenUnit: cashu.Sat.String(),
	}
	jsonToken, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.URLEncoding.EncodeToString(jsonToken), nil
}

func parsePubKey(key string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(keyBytes)
}

func (m *FakeMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if output.Id != m.keyset.Id {
			return nil, cashu.UnknownKeysetErr
		}
		keyPair, ok := m.keyset.Keys[output.Amount]
		if !ok {
			return nil, fmt.Errorf("invalid amount %v", output.Amount)
		}
		B_, err := parsePubKey(output.B_)
		if err != nil {
			return nil, err
		}
		C_ := crypto.SignBlindedMessage(B_, keyPair.PrivateKey)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.keyset.Id,
		}
		m.signatures[output.B_] = signatures[i]
	}
	return signatures, nil
}

func (m *FakeMint) offlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		m.mu.Lock()
		offline := m.offline
		m.mu.Unlock()

		if offline {
			if hijacker, ok := rw.(http.Hijacker); ok {
				if conn, _, err := hijacker.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func (m *FakeMint) writeResponse(rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(response); err != nil {
		m.logger.Error("could not write response", "error", err)
	}
}

func (m *FakeMint) writeErr(rw http.ResponseWriter, err error) {
	rw.Header().Set("Content-Type", "application/json")
	if cashuErr, ok := cashu.AsCashuError(err); ok {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(cashuErr)
		return
	}
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte(err.Error()))
}

func (m *FakeMint) info() nut06.MintInfo {
	info := nut06.MintInfo{
		Name:    "fakemint",
		Version: "fakemint/0.1.0",
		Nuts: nut06.Nuts{
			Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
		},
	}
	if m.config.Mpp {
		info.Nuts.Nut15 = &nut06.NutSetting{
			Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}},
		}
	}
	if m.config.Websocket {
		info.Nuts.Nut17 = &nut17.InfoSetting{
			Supported: []nut17.SupportedMethod{{
				Method:   cashu.BOLT11_METHOD,
				Unit:     cashu.Sat.String(),
				Commands: []string{nut17.Bolt11MeltQuote.String()},
			}},
		}
	}
	return info
}

func (m *FakeMint) handleInfo(rw http.ResponseWriter, req *http.Request) {
	m.writeResponse(rw, m.info())
}

func (m *FakeMint) keysResponse() nut01.GetKeysResponse {
	return nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{
			Id:   m.keyset.Id,
			Unit: m.keyset.Unit,
			Keys: m.keyset.PublicKeys().KeysMap(),
		}},
	}
}

func (m *FakeMint) handleKeys(rw http.ResponseWriter, req *http.Request) {
	m.writeResponse(rw, m.keysResponse())
}

func (m *FakeMint) handleKeysetById(rw http.ResponseWriter, req *http.Request) {
	if mux.Vars(req)["id"] != m.keyset.Id {
		m.writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	m.writeResponse(rw, m.keysResponse())
}

func (m *FakeMint) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	m.writeResponse(rw, nut02.GetKeysetsResponse{
		Keysets: []nut02.Keyset{{
			Id:          m.keyset.Id,
			Unit:        m.keyset.Unit,
			Active:      true,
			InputFeePpk: m.keyset.InputFeePpk,
		}},
	})
}

func (m *FakeMint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		m.writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteRequests = append(m.quoteRequests, quoteRequest)

	if m.quoteErr != nil {
		m.writeErr(rw, m.quoteErr)
		return
	}
	if quoteRequest.Unit != cashu.Sat.String() {
		m.writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}

	invoice, err := decodepay.Decodepay(quoteRequest.Request)
	if err != nil {
		m.writeErr(rw, cashu.BuildCashuError("invalid invoice: "+err.Error(), cashu.MeltQuoteErrCode))
		return
	}

	amountMsat := uint64(invoice.MSatoshi)
	if partial := quoteRequest.PartialAmount(); partial > 0 {
		if !m.config.Mpp {
			m.writeErr(rw, cashu.BuildCashuError("mpp not supported", cashu.MeltQuoteErrCode))
			return
		}
		if partial > amountMsat {
			m.writeErr(rw, cashu.BuildCashuError("partial amount above invoice amount", cashu.MeltQuoteErrCode))
			return
		}
		amountMsat = partial
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.writeErr(rw, err)
		return
	}
	quote := &meltQuote{
		PostMeltQuoteBolt11Response: nut05.PostMeltQuoteBolt11Response{
			Quote:      quoteId,
			Request:    quoteRequest.Request,
			Amount:     (amountMsat + 999) / 1000,
			FeeReserve: m.config.FeeReserve,
			State:      nut05.Unpaid,
			Expiry:     uint64(time.Now().Add(m.config.QuoteExpiry).Unix()),
		},
	}
	m.quotes[quoteId] = quote

	m.writeResponse(rw, quote.PostMeltQuoteBolt11Response)
}

func (m *FakeMint) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.quotes[mux.Vars(req)["quote_id"]]
	if !ok {
		m.writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	m.writeResponse(rw, quote.PostMeltQuoteBolt11Response)
}

func (m *FakeMint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		m.writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	m.mu.Lock()
	m.meltRequests = append(m.meltRequests, meltRequest)

	response, err := m.melt(meltRequest)
	m.mu.Unlock()
	if err != nil {
		m.writeErr(rw, err)
		return
	}

	m.publishQuote(response)
	m.writeResponse(rw, response)
}

// melt must be called with mu held.
func (m *FakeMint) melt(meltRequest nut05.PostMeltBolt11Request) (nut05.PostMeltQuoteBolt11Response, error) {
	if m.meltErr != nil {
		return nut05.PostMeltQuoteBolt11Response{}, m.meltErr
	}

	quote, ok := m.quotes[meltRequest.Quote]
	if !ok {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
	}
	switch quote.State {
	case nut05.Paid:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending:
		return nut05.PostMeltQuoteBolt11Response{}, cashu.QuotePending
	}
	if quote.Expiry <= uint64(time.Now().Unix()) {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.MeltQuoteExpired
	}

	if len(meltRequest.Inputs) == 0 {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(meltRequest.Inputs) {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.DuplicateProofs
	}

	Ys := make([]string, len(meltRequest.Inputs))
	var totalPpk uint64
	for i, proof := range meltRequest.Inputs {
		Y, err := m.verifyProof(proof)
		if err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, err
		}
		switch m.proofStates[Y] {
		case nut07.Spent:
			return nut05.PostMeltQuoteBolt11Response{}, cashu.ProofAlreadyUsedErr
		case nut07.Pending:
			return nut05.PostMeltQuoteBolt11Response{}, cashu.ProofPendingErr
		}
		Ys[i] = Y
		totalPpk += uint64(m.keyset.InputFeePpk)
	}

	inputFee := crypto.Fees(totalPpk)
	inputsAmount := meltRequest.Inputs.Amount()
	if inputsAmount < quote.Amount+quote.FeeReserve+inputFee {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.InsufficientProofsAmount
	}

	quote.inputs = Ys
	quote.outputs = meltRequest.Outputs
	quote.inputFee = inputFee
	quote.excess = inputsAmount - quote.Amount - quote.FeeReserve - inputFee

	switch m.outcome {
	case Pay:
		for _, Y := range Ys {
			m.proofStates[Y] = nut07.Pending
		}
		if err := m.settlePaid(quote); err != nil {
			return nut05.PostMeltQuoteBolt11Response{}, err
		}
	case Fail:
		quote.State = nut05.Unpaid
	case Hold:
		for _, Y := range Ys {
			m.proofStates[Y] = nut07.Pending
		}
		quote.State = nut05.Pending
	}

	return quote.PostMeltQuoteBolt11Response, nil
}

// settlePaid must be called with mu held.
func (m *FakeMint) settlePaid(quote *meltQuote) error {
	for _, Y := range quote.inputs {
		m.proofStates[Y] = nut07.Spent
	}
	quote.State = nut05.Paid
	quote.Paid = true
	quote.Preimage = FakePreimage

	feePaid := min(m.feePaid, quote.FeeReserve)
	change := quote.FeeReserve - feePaid + quote.excess
	if change == 0 || len(quote.outputs) == 0 {
		return nil
	}

	amounts := cashu.AmountSplit(change)
	outputs := make(cashu.BlindedMessages, 0, len(amounts))
	for i, amount := range amounts {
		if i >= len(quote.outputs) {
			break
		}
		output := quote.outputs[i]
		output.Amount = amount
		outputs = append(outputs, output)
	}

	signatures, err := m.sign(outputs)
	if err != nil {
		return err
	}
	quote.Change = signatures
	return nil
}

// settleUnpaid must be called with mu held.
func (m *FakeMint) settleUnpaid(quote *meltQuote) {
	for _, Y := range quote.inputs {
		delete(m.proofStates, Y)
	}
	quote.State = nut05.Unpaid
}

func (m *FakeMint) verifyProof(proof cashu.Proof) (string, error) {
	if proof.Id != m.keyset.Id {
		return "", cashu.UnknownKeysetErr
	}
	keyPair, ok := m.keyset.Keys[proof.Amount]
	if !ok {
		return "", cashu.InvalidProofErr
	}
	C, err := parsePubKey(proof.C)
	if err != nil {
		return "", cashu.InvalidProofErr
	}
	if !crypto.Verify(proof.Secret, keyPair.PrivateKey, C) {
		return "", cashu.InvalidProofErr
	}
	return crypto.ProofY(proof.Secret)
}

func (m *FakeMint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
		m.writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]nut07.ProofState, len(stateRequest.Ys))
	for i, Y := range stateRequest.Ys {
		// proofs never seen are unspent
		states[i] = nut07.ProofState{Y: Y, State: m.proofStates[Y]}
	}
	m.writeResponse(rw, nut07.PostCheckStateResponse{States: states})
}

func (m *FakeMint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
		m.writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range restoreRequest.Outputs {
		if signature, ok := m.signatures[output.B_]; ok {
			output.Amount = signature.Amount
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	m.writeResponse(rw, response)
}
