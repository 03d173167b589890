package fakemint

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

const meltQuoteTopic = "bolt11_melt_quote_topic"

type message struct {
	topic   string
	payload []byte
}

type subscribers map[string]*subscriber

// pubSub fans out quote updates to the websocket clients.
type pubSub struct {
	topics map[string]subscribers
	mu     sync.RWMutex
}

func newPubSub() *pubSub {
	return &pubSub{
		topics: make(map[string]subscribers),
	}
}

func (b *pubSub) subscribe(topic string) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(subscribers)
	}
	s := newSubscriber()
	b.topics[topic][s.id] = s
	return s
}

func (b *pubSub) unsubscribe(s *subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	b.mu.Unlock()
	s.close()
}

func (b *pubSub) publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.topics[topic] {
		s.signal(&message{topic: topic, payload: payload})
	}
}

type subscriber struct {
	id       string
	messages chan *message
	active   bool
	mu       sync.Mutex
}

func newSubscriber() *subscriber {
	id := make([]byte, 16)
	rand.Read(id)

	return &subscriber{
		id:       hex.EncodeToString(id),
		messages: make(chan *message, 64),
		active:   true,
	}
}

// signal drops the message if the subscriber is not keeping up.
func (s *subscriber) signal(msg *message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.messages)
	}
}
