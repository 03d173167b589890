package submanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut17"
	"github.com/elnosh/multinuts/testutils/fakemint"
	"github.com/elnosh/multinuts/wallet/client"
)

func setup(t *testing.T) (*fakemint.FakeMint, *client.Client, *SubscriptionManager) {
	t.Helper()
	mint := fakemint.New(fakemint.Config{Websocket: true})
	t.Cleanup(mint.Close)

	ctx := context.Background()
	mintClient := client.New(5 * time.Second)
	info, err := mintClient.GetMintInfo(ctx, mint.URL())
	if err != nil {
		t.Fatalf("error getting mint info: %v", err)
	}

	sm, err := NewSubscriptionManager(ctx, mint.URL(), *info, cashu.Sat)
	if err != nil {
		t.Fatalf("error creating subscription manager: %v", err)
	}
	t.Cleanup(func() { sm.Close() })
	go sm.Run()

	return mint, mintClient, sm
}

func meltQuote(t *testing.T, mintClient *client.Client, mintURL string) *nut05.PostMeltQuoteBolt11Response {
	t.Helper()
	invoice, err := fakemint.CreateInvoice(100_000)
	if err != nil {
		t.Fatal(err)
	}
	quote, err := mintClient.PostMeltQuoteBolt11(context.Background(), mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    cashu.Sat.String(),
	})
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	return quote
}

func readQuote(t *testing.T, sub *Subscription) nut05.PostMeltQuoteBolt11Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("error reading notification: %v", err)
	}
	if notification.Params.SubId != sub.SubId() {
		t.Fatalf("expected sub id '%v' but got '%v'", sub.SubId(), notification.Params.SubId)
	}
	quote, err := notification.MeltQuote()
	if err != nil {
		t.Fatalf("invalid notification payload: %v", err)
	}
	return quote
}

func TestSubscribeMeltQuote(t *testing.T) {
	mint, mintClient, sm := setup(t)
	ctx := context.Background()
	quote := meltQuote(t, mintClient, mint.URL())

	sub, err := sm.Subscribe(ctx, nut17.Bolt11MeltQuote, []string{quote.Quote})
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}

	// current state is sent right after subscribing
	update := readQuote(t, sub)
	if update.Quote != quote.Quote || update.State != nut05.Unpaid {
		t.Fatalf("expected quote '%v' in state '%v' but got '%v' in state '%v'",
			quote.Quote, nut05.Unpaid, update.Quote, update.State)
	}

	proofs, err := mint.MintProofs(64, 32, 4)
	if err != nil {
		t.Fatal(err)
	}
	mint.SetOutcome(fakemint.Hold)
	if _, err := mintClient.PostMeltBolt11(ctx, mint.URL(), nut05.PostMeltBolt11Request{
		Quote:  quote.Quote,
		Inputs: proofs,
	}); err != nil {
		t.Fatalf("unexpected error melting: %v", err)
	}
	if err := mint.SettleQuote(quote.Quote, true); err != nil {
		t.Fatal(err)
	}

	for {
		update = readQuote(t, sub)
		if update.State == nut05.Paid {
			break
		}
		if update.State != nut05.Pending {
			t.Fatalf("unexpected quote state '%v'", update.State)
		}
	}
	if update.Preimage != fakemint.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v'", fakemint.FakePreimage, update.Preimage)
	}

	if err := sm.CloseSubscription(sub.SubId()); err != nil {
		t.Fatalf("unexpected error closing subscription: %v", err)
	}
	if err := sm.CloseSubscription(sub.SubId()); err == nil {
		t.Fatal("expected error closing subscription twice")
	}
}

func TestSubscribeErrors(t *testing.T) {
	mint, mintClient, sm := setup(t)
	ctx := context.Background()

	if _, err := sm.Subscribe(ctx, nut17.Bolt11MeltQuote, nil); err == nil {
		t.Fatal("expected error subscribing without filters")
	}

	quote := meltQuote(t, mintClient, mint.URL())
	if _, err := sm.Subscribe(ctx, nut17.ProofState, []string{quote.Quote}); err == nil {
		t.Fatal("expected error subscribing to kind not supported by mint")
	}

	if _, err := sm.Subscribe(ctx, nut17.Bolt11MeltQuote, []string{"notaquote"}); err == nil {
		t.Fatal("expected error subscribing to quote that does not exist")
	}

	// manager is still usable after a rejected subscription
	if _, err := sm.Subscribe(ctx, nut17.Bolt11MeltQuote, []string{quote.Quote}); err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}
}

func TestSubscriptionClosed(t *testing.T) {
	mint, mintClient, sm := setup(t)
	ctx := context.Background()
	quote := meltQuote(t, mintClient, mint.URL())

	sub, err := sm.Subscribe(ctx, nut17.Bolt11MeltQuote, []string{quote.Quote})
	if err != nil {
		t.Fatal(err)
	}
	// drain initial state
	readQuote(t, sub)

	sm.Close()
	if _, err := sub.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected error '%v' but got '%v'", ErrClosed, err)
	}
}

func TestNUT17NotSupported(t *testing.T) {
	mint := fakemint.New(fakemint.Config{})
	defer mint.Close()

	ctx := context.Background()
	info, err := client.New(5*time.Second).GetMintInfo(ctx, mint.URL())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSubscriptionManager(ctx, mint.URL(), *info, cashu.Sat); !errors.Is(err, ErrNUT17NotSupported) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNUT17NotSupported, err)
	}
}
