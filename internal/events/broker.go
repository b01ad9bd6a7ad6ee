// Package events fans session lifecycle events out to every channel a
// customer has open. With Redis configured, events travel over pubsub so all
// replicas see them; otherwise delivery is in-process.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/retailassist/session-server-go/internal/redis"
	"github.com/retailassist/session-server-go/internal/util"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
)

type EventType string

const (
	EventCreated EventType = "session.created"
	EventResumed EventType = "session.resumed"
	EventUpdated EventType = "session.updated"
	EventEnded   EventType = "session.ended"
)

type Event struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Token   string          `json:"-"`
	Channel string          `json:"channel,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh id. data is marshalled eagerly; a
// marshal failure leaves Data empty.
func NewEvent(typ EventType, token, channel string, data any) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Token:   token,
		Channel: channel,
		At:      time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

type Client struct {
	Token  string
	Events chan Event
	Done   chan struct{}
}

type topic struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
	ready   chan struct{} // closed once the pubsub subscription is confirmed
}

var readyNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type Broker struct {
	redis  *redis.Client
	topics map[string]*topic // session token -> subscribers
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker returns a broker. A nil client keeps delivery in-process.
func NewBroker(client *redis.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  client,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(token string) *Client {
	client := &Client{
		Token:  token,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topics[token]
	if t == nil {
		t = &topic{clients: make(map[*Client]bool), ready: readyNow}
		if b.redis != nil {
			ctx, cancel := context.WithCancel(b.ctx)
			t.cancel = cancel
			t.ready = make(chan struct{})
			go b.subscribeToRedis(ctx, token, t.ready)
		}
		b.topics[token] = t
	}
	t.clients[client] = true
	clientCount := len(t.clients)
	b.mu.Unlock()

	// Wait outside the lock: the pubsub round-trip must not stall other topics.
	<-t.ready

	log.Info().
		Str("token", util.MaskToken(token)).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[client.Token]
	if !ok || !t.clients[client] {
		return
	}
	delete(t.clients, client)
	close(client.Done)

	if len(t.clients) == 0 {
		if t.cancel != nil {
			t.cancel()
		}
		delete(b.topics, client.Token)
	}

	log.Info().
		Str("token", util.MaskToken(client.Token)).
		Int("clientCount", len(t.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, event Event) error {
	if b.redis == nil {
		b.broadcast(event.Token, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.EventChannel(event.Token), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, token string, ready chan<- struct{}) {
	channel := redisclient.EventChannel(token)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no event published right
	// after Subscribe returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis pubsub subscribe failed")
	}
	close(ready)

	log.Debug().
		Str("token", util.MaskToken(token)).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}
			event.Token = token

			b.broadcast(token, event)
		}
	}
}

func (b *Broker) broadcast(token string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.topics[token]
	if t == nil {
		return
	}
	for client := range t.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("token", util.MaskToken(token)).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for client := range t.clients {
			close(client.Done)
		}
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) ClientCount(token string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t := b.topics[token]; t != nil {
		return len(t.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.topics {
		total += len(t.clients)
	}
	return total
}

