//go:build integration

package wallet_test

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut06"
	"github.com/elnosh/multinuts/testutils"
	"github.com/elnosh/multinuts/wallet"
	"github.com/elnosh/multinuts/wallet/storage"
)

var (
	ctx   context.Context
	mint1 *testutils.NutshellMintContainer
	mint2 *testutils.NutshellMintContainer
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	flag.Parse()

	ctx = context.Background()
	var err error
	mint1, err = testutils.CreateNutshellMintContainer(ctx, 0)
	if err != nil {
		log.Println(err)
		return 1
	}
	defer mint1.Terminate(ctx)

	mint2, err = testutils.CreateNutshellMintContainer(ctx, 100)
	if err != nil {
		log.Println(err)
		return 1
	}
	defer mint2.Terminate(ctx)

	return m.Run()
}

func testWallet(t *testing.T, mints ...string) *wallet.Wallet {
	t.Helper()
	w, err := wallet.LoadWallet(ctx, wallet.Config{
		WalletPath: t.TempDir(),
		Mints:      mints,
		Unit:       cashu.Sat,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	t.Cleanup(func() { w.Shutdown() })
	return w
}

func fundWallet(t *testing.T, w *wallet.Wallet, mintURL string, amount uint64) {
	t.Helper()
	proofs, err := testutils.MintProofs(ctx, mintURL, amount)
	if err != nil {
		t.Fatalf("error minting proofs: %v", err)
	}
	token, err := testutils.Token(mintURL, proofs)
	if err != nil {
		t.Fatal(err)
	}
	imported, err := w.ImportToken(ctx, token)
	if err != nil {
		t.Fatalf("error importing token: %v", err)
	}
	if imported != amount {
		t.Fatalf("expected '%v' imported but got '%v'", amount, imported)
	}
}

func TestMelt(t *testing.T) {
	w := testWallet(t, mint1.Host)
	fundWallet(t, w, mint1.Host, 2000)

	invoice, err := testutils.CreateInvoice(500_000)
	if err != nil {
		t.Fatal(err)
	}
	result, err := w.Melt(ctx, invoice, []string{mint1.Host}, wallet.MeltOptions{})
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if result.State != storage.Paid {
		t.Fatalf("expected state '%v' but got '%v'", storage.Paid, result.State)
	}

	// unused fee reserve comes back as change
	expectedBalance := 2000 - 500 - result.Legs[0].FeeReserve - result.Legs[0].InputFee + result.ChangeAmount
	if balance := w.GetBalance(); balance != expectedBalance {
		t.Fatalf("expected balance '%v' but got '%v'", expectedBalance, balance)
	}
	if pending := w.GetPendingBalance(); pending != 0 {
		t.Fatalf("expected no pending balance but got '%v'", pending)
	}
}

func TestMeltMultipleMints(t *testing.T) {
	w := testWallet(t, mint1.Host, mint2.Host)

	for _, mint := range []string{mint1.Host, mint2.Host} {
		info, err := w.AddMint(ctx, mint)
		if err != nil {
			t.Fatal(err)
		}
		if !supportsMpp(info) {
			t.Skipf("mint '%v' does not support multi-path payments", mint)
		}
	}

	fundWallet(t, w, mint1.Host, 1000)
	fundWallet(t, w, mint2.Host, 1000)

	invoice, err := testutils.CreateInvoice(1_500_000)
	if err != nil {
		t.Fatal(err)
	}
	result, err := w.Melt(ctx, invoice, []string{mint1.Host, mint2.Host}, wallet.MeltOptions{})
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if result.State != storage.Paid {
		t.Fatalf("expected state '%v' but got '%v'", storage.Paid, result.State)
	}
	if len(result.Legs) != 2 {
		t.Fatalf("expected 2 legs but got %v", len(result.Legs))
	}
}

func TestRestore(t *testing.T) {
	w := testWallet(t, mint1.Host)
	fundWallet(t, w, mint1.Host, 1000)

	invoice, err := testutils.CreateInvoice(100_000)
	if err != nil {
		t.Fatal(err)
	}
	result, err := w.Melt(ctx, invoice, []string{mint1.Host}, wallet.MeltOptions{})
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}

	restored, err := wallet.Restore(ctx, wallet.Config{
		WalletPath: t.TempDir(),
		Unit:       cashu.Sat,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, w.Mnemonic(), []string{mint1.Host})
	if err != nil {
		t.Fatalf("unexpected error restoring wallet: %v", err)
	}
	// imported proofs are not derived from the seed, only the change is
	if restored != result.ChangeAmount {
		t.Fatalf("expected restored amount '%v' but got '%v'", result.ChangeAmount, restored)
	}
}

func supportsMpp(info *nut06.MintInfo) bool {
	return info.SupportsMpp(cashu.BOLT11_METHOD, cashu.Sat.String())
}
