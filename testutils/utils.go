// Package testutils runs real mints in containers for integration tests.
package testutils

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut01"
	"github.com/elnosh/multinuts/crypto"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type NutshellMintContainer struct {
	testcontainers.Container
	Host string
}

// CreateNutshellMintContainer starts a nutshell mint backed by its fake lightning
// wallet, which pays every invoice and settles mint quotes on its own.
func CreateNutshellMintContainer(ctx context.Context, inputFeePpk int) (*NutshellMintContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "cashubtc/nutshell:latest",
		ExposedPorts: []string{"3338"},
		Cmd: []string{
			"poetry",
			"run",
			"mint",
		},
		Env: map[string]string{
			"MINT_LISTEN_HOST":        "0.0.0.0",
			"MINT_LISTEN_PORT":        "3338",
			"MINT_BACKEND_BOLT11_SAT": "FakeWallet",
			"MINT_INPUT_FEE_PPK":      strconv.Itoa(inputFeePpk),
			"MINT_PRIVATE_KEY":        generateRandomString(32),
		},
		WaitingFor: wait.ForListeningPort("3338"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	ip, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "3338")
	if err != nil {
		return nil, err
	}

	return &NutshellMintContainer{
		Container: container,
		Host:      fmt.Sprintf("http://%s:%s", ip, port.Port()),
	}, nil
}

func generateRandomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	return hex.EncodeToString(b)
}

type mintQuoteRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type mintQuoteResponse struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
}

type mintRequest struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type mintResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

// MintProofs gets proofs for the amount from the mint. Mint quotes on a fake
// wallet backend are paid by the mint itself so nothing else needs to pay them.
func MintProofs(ctx context.Context, mintURL string, amount uint64) (cashu.Proofs, error) {
	var keys nut01.GetKeysResponse
	if err := getJSON(ctx, mintURL+"/v1/keys", &keys); err != nil {
		return nil, err
	}
	var keyset *nut01.Keyset
	for i, k := range keys.Keysets {
		if k.Unit == cashu.Sat.String() {
			keyset = &keys.Keysets[i]
			break
		}
	}
	if keyset == nil {
		return nil, errors.New("mint has no sat keyset")
	}
	publicKeys, err := crypto.MapPubKeys(keyset.Keys)
	if err != nil {
		return nil, err
	}

	var quote mintQuoteResponse
	if err := postJSON(ctx, mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest{Amount: amount, Unit: "sat"}, &quote); err != nil {
		return nil, fmt.Errorf("error requesting mint quote: %v", err)
	}

	amounts := cashu.AmountSplit(amount)
	outputs := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	for i, amount := range amounts {
		secrets[i] = generateRandomString(32)
		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secrets[i], r)
		if err != nil {
			return nil, err
		}
		outputs[i] = cashu.NewBlindedMessage(keyset.Id, amount, B_)
		rs[i] = r
	}

	// the fake wallet may take a moment to settle the quote
	var minted mintResponse
	for attempt := 0; ; attempt++ {
		err = postJSON(ctx, mintURL+"/v1/mint/bolt11", mintRequest{Quote: quote.Quote, Outputs: outputs}, &minted)
		if err == nil {
			break
		}
		if attempt == 10 {
			return nil, fmt.Errorf("error minting tokens: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	proofs := make(cashu.Proofs, len(minted.Signatures))
	for i, signature := range minted.Signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}
		K, ok := publicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("no key for amount %v", signature.Amount)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)
		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

func getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, dst)
}

func postJSON(ctx context.Context, url string, body, dst any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, dst)
}

func doJSON(req *http.Request, dst any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mint returned status %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, dst)
}

// Token encodes the proofs as a V3 token from the mint.
func Token(mintURL string, proofs cashu.Proofs) (string, error) {
	token := cashu.TokenV3{
		Token:     []cashu.TokenV3Proof{{Mint: mintURL, Proofs: proofs}},
		TokenUnit: cashu.Sat.String(),
	}
	jsonToken, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.URLEncoding.EncodeToString(jsonToken), nil
}

// CreateInvoice returns a mainnet invoice for the amount in msat.
func CreateInvoice(amountMsat uint64) (string, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", err
	}
	paymentHash := sha256.Sum256(preimage[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.Description("integration test"),
	)
	if err != nil {
		return "", err
	}

	return invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
}
