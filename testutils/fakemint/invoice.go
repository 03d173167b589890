package fakemint

import (
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// CreateInvoice returns a signet invoice for the amount in msat that nobody can pay.
func CreateInvoice(amountMsat uint64) (string, error) {
	return CreateInvoiceWithExpiry(amountMsat, time.Now(), time.Hour)
}

func CreateInvoiceWithExpiry(amountMsat uint64, createdAt time.Time, expiry time.Duration) (string, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", err
	}
	paymentHash := sha256.Sum256(preimage[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		createdAt,
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.Description("test"),
		zpay32.Expiry(expiry),
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
