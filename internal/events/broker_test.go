package events

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case ev := <-client.Events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroker_InProcess(t *testing.T) {
	broker := NewBroker(nil)
	defer broker.Close()

	web := broker.Subscribe("tok-1")
	kiosk := broker.Subscribe("tok-1")
	other := broker.Subscribe("tok-2")
	assert.Equal(t, 2, broker.ClientCount("tok-1"))
	assert.Equal(t, 3, broker.TotalClients())

	ev := NewEvent(EventResumed, "tok-1", "kiosk", map[string]any{"channels": []string{"web", "kiosk"}})
	require.NoError(t, broker.Publish(context.Background(), ev))

	for _, c := range []*Client{web, kiosk} {
		got := receive(t, c)
		assert.Equal(t, EventResumed, got.Type)
		assert.Equal(t, ev.ID, got.ID)
		assert.JSONEq(t, `{"channels":["web","kiosk"]}`, string(got.Data))
	}
	assert.Empty(t, other.Events)

	broker.Unsubscribe(web)
	broker.Unsubscribe(web)
	assert.Equal(t, 1, broker.ClientCount("tok-1"))

	broker.Unsubscribe(kiosk)
	assert.Equal(t, 0, broker.ClientCount("tok-1"))
}

func TestBroker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	publisher := NewBroker(rc)
	defer publisher.Close()
	subscriber := NewBroker(rc)
	defer subscriber.Close()

	client := subscriber.Subscribe("tok-1")
	defer subscriber.Unsubscribe(client)

	ev := NewEvent(EventEnded, "tok-1", "", nil)
	require.NoError(t, publisher.Publish(context.Background(), ev))

	got := receive(t, client)
	assert.Equal(t, EventEnded, got.Type)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, ev.ID, got.ID)
}

// silentRedis accepts connections and never answers, so a pubsub
// subscription against it stays unconfirmed until the connections close.
func silentRedis(t *testing.T) (addr string, hangUp func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	return ln.Addr().String(), func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
}

func TestBroker_PendingSubscriptionDoesNotBlockOtherTopics(t *testing.T) {
	addr, hangUp := silentRedis(t)
	rc := redis.NewClient(&redis.Options{
		Addr:        addr,
		ReadTimeout: 10 * time.Second,
		MaxRetries:  -1,
	})
	defer rc.Close()

	broker := NewBroker(rc)
	defer broker.Close()

	subscribed := make(chan *Client, 1)
	go func() {
		subscribed <- broker.Subscribe("tok-slow")
	}()

	// the topic is registered before the pubsub round-trip completes
	require.Eventually(t, func() bool {
		return broker.ClientCount("tok-slow") == 1
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		broker.broadcast("tok-other", NewEvent(EventUpdated, "tok-other", "", nil))
		assert.Equal(t, 1, broker.TotalClients())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker lock held during pending subscription")
	}

	select {
	case <-subscribed:
		t.Fatal("subscribe returned before the subscription was confirmed")
	default:
	}

	hangUp()
	select {
	case client := <-subscribed:
		broker.Unsubscribe(client)
	case <-time.After(15 * time.Second):
		t.Fatal("subscribe never returned")
	}
}

func TestBroker_CloseReleasesClients(t *testing.T) {
	broker := NewBroker(nil)
	client := broker.Subscribe("tok-1")

	broker.Close()

	select {
	case <-client.Done:
	default:
		t.Fatal("client not released on close")
	}
	assert.Equal(t, 0, broker.TotalClients())
}
