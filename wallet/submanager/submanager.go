// Package submanager manages NUT-17 websocket subscriptions to a mint.
package submanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/elnosh/multinuts/cashu"
	"github.com/elnosh/multinuts/cashu/nuts/nut06"
	"github.com/elnosh/multinuts/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var (
	ErrNUT17NotSupported = errors.New("NUT-17 Not supported")
	ErrClosed            = errors.New("subscription manager closed")
)

type SubscriptionManager struct {
	wsConn *websocket.Conn
	// guards writes to wsConn
	writeMu sync.Mutex

	mu        sync.RWMutex
	subs      map[string]*Subscription
	idCounter int

	unit      string
	mintInfo  nut06.MintInfo
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriptionManager opens a websocket to the mint. mintInfo is the
// info of the mint, used to check which subscriptions it supports.
func NewSubscriptionManager(ctx context.Context, mint string, mintInfo nut06.MintInfo, unit cashu.Unit) (*SubscriptionManager, error) {
	if mintInfo.Nuts.Nut17 == nil || len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	mintURL, err := url.Parse(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + mintURL.Host + strings.TrimRight(mintURL.Path, "/") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	return &SubscriptionManager{
		wsConn:   conn,
		subs:     make(map[string]*Subscription),
		unit:     unit.String(),
		mintInfo: mintInfo,
		done:     make(chan struct{}),
	}, nil
}

// Run reads messages from the mint until the connection fails or the
// manager is closed. It should be run on a separate goroutine.
func (sm *SubscriptionManager) Run() error {
	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-sm.done:
				return nil
			default:
				return err
			}
		}
		sm.dispatch(msg)
	}
}

func (sm *SubscriptionManager) dispatch(data []byte) {
	msg, err := nut17.ParseMessage(data)
	if err != nil {
		return
	}

	switch msg := msg.(type) {
	case nut17.WsNotification:
		sm.mu.RLock()
		sub, ok := sm.subs[msg.Params.SubId]
		sm.mu.RUnlock()
		if ok {
			select {
			case sub.notificationChannel <- msg:
			case <-sm.done:
			}
		}
	case nut17.WsResponse:
		if sub := sm.subscriptionById(msg.Id); sub != nil {
			select {
			case sub.responseChannel <- msg:
			default:
			}
		}
	case nut17.WsError:
		if sub := sm.subscriptionById(msg.Id); sub != nil {
			select {
			case sub.errChannel <- msg:
			default:
			}
		}
	}
}

func (sm *SubscriptionManager) subscriptionById(id int) *Subscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, sub := range sm.subs {
		if sub.id == id {
			return sub
		}
	}
	return nil
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		close(sm.done)
		err = sm.wsConn.Close()
	})
	return err
}

func (sm *SubscriptionManager) nextId() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.idCounter
	sm.idCounter++
	return id
}

func (sm *SubscriptionManager) writeJSON(v any) error {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()
	return sm.wsConn.WriteJSON(v)
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	delete(sm.subs, subId)
	sm.mu.Unlock()
}

// Subscribe subscribes to updates of the kind for the filters
// and waits for the mint to confirm it.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, kind nut17.SubscriptionKind, filters []string) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}

	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	id := sm.nextId()
	hash := sha256.Sum256([]byte(strings.Join(filters, ",")))
	subId := hex.EncodeToString(hash[:])

	sub := &Subscription{
		id:                  id,
		subId:               subId,
		responseChannel:     make(chan nut17.WsResponse, 1),
		notificationChannel: make(chan nut17.WsNotification, len(filters)),
		errChannel:          make(chan nut17.WsError, 1),
		done:                sm.done,
	}
	sm.mu.Lock()
	sm.subs[subId] = sub
	sm.mu.Unlock()

	if err := sm.writeJSON(nut17.NewSubscribeRequest(id, kind, subId, filters)); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not send request for subscription: %v", err)
	}

	select {
	case response := <-sub.responseChannel:
		if response.Result.Status == nut17.OK {
			return sub, nil
		}
	case err := <-sub.errChannel:
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %v", err.Error())
	case <-ctx.Done():
		sm.removeSubscription(subId)
		return nil, ctx.Err()
	case <-sm.done:
		return nil, ErrClosed
	}

	sm.removeSubscription(subId)
	return nil, errors.New("could not setup subscription to mint")
}

func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.RLock()
	_, ok := sm.subs[subId]
	sm.mu.RUnlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	if err := sm.writeJSON(nut17.NewUnsubscribeRequest(sm.nextId(), subId)); err != nil {
		return fmt.Errorf("could not send unsubscribe request to mint: %v", err)
	}
	sm.removeSubscription(subId)

	return nil
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	return sm.mintInfo.SupportsWebsocket(kind, cashu.BOLT11_METHOD, sm.unit)
}

type Subscription struct {
	subId               string
	id                  int
	responseChannel     chan nut17.WsResponse
	notificationChannel chan nut17.WsNotification
	errChannel          chan nut17.WsError
	done                <-chan struct{}
}

// Read blocks until there is a notification for the subscription.
func (s *Subscription) Read(ctx context.Context) (nut17.WsNotification, error) {
	select {
	case msg := <-s.notificationChannel:
		return msg, nil
	case <-s.done:
		return nut17.WsNotification{}, ErrClosed
	case <-ctx.Done():
		return nut17.WsNotification{}, ctx.Err()
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}
