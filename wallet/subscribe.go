package wallet

import (
	"context"
	"sync"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut17"
	"github.com/elnosh/multinuts/wallet/storage"
	"github.com/elnosh/multinuts/wallet/submanager"
)

// subscribeMeltQuotes subscribes to updates of the pending legs of the attempt
// on the mints that support it. A value is sent on the returned channel when
// any of them changes. Mints without websocket support are left to polling.
func (w *Wallet) subscribeMeltQuotes(ctx context.Context, attempt storage.MeltAttempt) (<-chan struct{}, func()) {
	updates := make(chan struct{}, 1)

	quotesByMint := make(map[string][]string)
	for _, leg := range attempt.Legs {
		if !resolved(leg) {
			quotesByMint[leg.Mint] = append(quotesByMint[leg.Mint], leg.QuoteId)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	var (
		wg       sync.WaitGroup
		managers []*submanager.SubscriptionManager
	)

	for mint, quoteIds := range quotesByMint {
		walletMint, ok := w.getMint(mint)
		if ok && walletMint.info == nil {
			if refreshed, err := w.refreshMint(subCtx, mint); err == nil {
				walletMint = refreshed
			}
		}
		if !ok || walletMint.info == nil ||
			!walletMint.info.SupportsWebsocket(nut17.Bolt11MeltQuote, cashu.BOLT11_METHOD, w.unit.String()) {
			continue
		}

		manager, err := submanager.NewSubscriptionManager(subCtx, mint, *walletMint.info, w.unit)
		if err != nil {
			w.logDebugf("could not open websocket to mint '%v': %v", mint, err)
			continue
		}
		managers = append(managers, manager)

		go func() {
			if err := manager.Run(); err != nil {
				w.logDebugf("websocket to mint '%v' closed: %v", mint, err)
			}
		}()

		sub, err := manager.Subscribe(subCtx, nut17.Bolt11MeltQuote, quoteIds)
		if err != nil {
			w.logDebugf("could not subscribe to melt quotes on mint '%v': %v", mint, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				notification, err := sub.Read(subCtx)
				if err != nil {
					return
				}
				if quote, err := notification.MeltQuote(); err == nil {
					w.logDebugf("mint '%v' reports quote '%v' is %v", mint, quote.Quote, quote.State)
				}
				select {
				case updates <- struct{}{}:
				default:
				}
			}
		}()
	}

	closeSubs := func() {
		cancel()
		for _, manager := range managers {
			manager.Close()
		}
		wg.Wait()
	}
	return updates, closeSubs
}
