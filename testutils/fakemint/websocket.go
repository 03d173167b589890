package fakemint

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/elnosh/multinuts/cashu/nuts/nut05"
	"github.com/elnosh/multinuts/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (m *FakeMint) publishQuote(quote nut05.PostMeltQuoteBolt11Response) {
	payload, err := json.Marshal(quote)
	if err != nil {
		return
	}
	m.pubsub.publish(meltQuoteTopic, payload)
}

type wsClient struct {
	mint *FakeMint
	conn *websocket.Conn
	// single writer on the connection
	send chan []byte
	done chan struct{}

	mu            sync.Mutex
	subscriptions map[string]*subscriber
}

func (m *FakeMint) serveWS(rw http.ResponseWriter, req *http.Request) {
	if !m.config.Websocket {
		http.NotFound(rw, req)
		return
	}
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		m.logger.Error("could not upgrade to websocket connection", "error", err)
		return
	}

	client := &wsClient{
		mint:          m,
		conn:          conn,
		send:          make(chan []byte, 64),
		done:          make(chan struct{}),
		subscriptions: make(map[string]*subscriber),
	}
	go client.writeMessages()
	go client.readMessages()
}

func (c *wsClient) readMessages() {
	defer c.close()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var request nut17.WsRequest
		if err := json.Unmarshal(msg, &request); err != nil {
			c.write(nut17.NewWsError(1000, "invalid request", -1))
			continue
		}

		switch request.Method {
		case nut17.SUBSCRIBE:
			c.subscribe(request)
		case nut17.UNSUBSCRIBE:
			c.unsubscribe(request)
		default:
			c.write(nut17.NewWsError(1000, "invalid request method", request.Id))
		}
	}
}

func (c *wsClient) writeMessages() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.mint.logger.Debug("could not write websocket message", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) write(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *wsClient) subscribe(request nut17.WsRequest) {
	if nut17.StringToKind(request.Params.Kind) != nut17.Bolt11MeltQuote {
		c.write(nut17.NewWsError(1000, "subscription kind not supported", request.Id))
		return
	}

	c.mint.mu.Lock()
	quotes := make([]nut05.PostMeltQuoteBolt11Response, 0, len(request.Params.Filters))
	for _, quoteId := range request.Params.Filters {
		quote, ok := c.mint.quotes[quoteId]
		if !ok {
			c.mint.mu.Unlock()
			c.write(nut17.NewWsError(1000, "quote "+quoteId+" does not exist", request.Id))
			return
		}
		quotes = append(quotes, quote.PostMeltQuoteBolt11Response)
	}
	c.mint.mu.Unlock()

	c.mu.Lock()
	if _, ok := c.subscriptions[request.Params.SubId]; ok {
		c.mu.Unlock()
		c.write(nut17.NewWsError(1000, "subscription already exists", request.Id))
		return
	}
	sub := c.mint.pubsub.subscribe(meltQuoteTopic)
	c.subscriptions[request.Params.SubId] = sub
	c.mu.Unlock()

	c.write(nut17.NewOKResponse(request.Id, request.Params.SubId))
	for _, quote := range quotes {
		payload, _ := json.Marshal(quote)
		c.notify(request.Params.SubId, payload)
	}

	go func() {
		for msg := range sub.messages {
			var quote nut05.PostMeltQuoteBolt11Response
			if err := json.Unmarshal(msg.payload, &quote); err != nil {
				continue
			}
			if slices.Contains(request.Params.Filters, quote.Quote) {
				c.notify(request.Params.SubId, msg.payload)
			}
		}
	}()
}

func (c *wsClient) notify(subId string, payload []byte) {
	c.write(nut17.NewNotification(subId, payload))
}

func (c *wsClient) unsubscribe(request nut17.WsRequest) {
	c.mu.Lock()
	sub, ok := c.subscriptions[request.Params.SubId]
	delete(c.subscriptions, request.Params.SubId)
	c.mu.Unlock()

	if !ok {
		c.write(nut17.NewWsError(1000, "subscription does not exist", request.Id))
		return
	}
	c.mint.pubsub.unsubscribe(sub, meltQuoteTopic)
	c.write(nut17.NewOKResponse(request.Id, request.Params.SubId))
}

func (c *wsClient) close() {
	c.mu.Lock()
	for subId, sub := range c.subscriptions {
		c.mint.pubsub.unsubscribe(sub, meltQuoteTopic)
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}
