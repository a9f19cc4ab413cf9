package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/voltgrid/coordinator/internal/redis"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redisclient.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	broker := NewBroker(client)
	t.Cleanup(broker.Close)
	return broker
}

func waitForEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case ev := <-client.Events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	client := broker.Subscribe("user-1")
	defer broker.Unsubscribe(client)

	// Give the redis subscription a moment to establish.
	require.Eventually(t, func() bool {
		return broker.ClientCount("user-1") == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, broker.Publish(ctx, "user-1", NewEvent(EventAIToken, map[string]any{
		"token":   "hello",
		"isFinal": false,
	})))

	ev := waitForEvent(t, client)
	assert.Equal(t, EventAIToken, ev.Type)

	var payload struct {
		Token   string `json:"token"`
		IsFinal bool   `json:"isFinal"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "hello", payload.Token)
	assert.False(t, payload.IsFinal)
}

func TestBrokerIsolatesUsers(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	alice := broker.Subscribe("alice")
	bob := broker.Subscribe("bob")
	defer broker.Unsubscribe(alice)
	defer broker.Unsubscribe(bob)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, broker.Publish(ctx, "alice", NewEvent(EventSessionReady, map[string]string{"sessionId": "s1"})))

	ev := waitForEvent(t, alice)
	assert.Equal(t, EventSessionReady, ev.Type)

	select {
	case ev := <-bob.Events:
		t.Fatalf("bob received alice's event: %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := newTestBroker(t)

	client := broker.Subscribe("user-1")
	assert.Equal(t, 1, broker.ClientCount("user-1"))
	assert.Equal(t, 1, broker.TotalClients())

	broker.Unsubscribe(client)
	assert.Equal(t, 0, broker.ClientCount("user-1"))

	select {
	case <-client.Done:
	default:
		t.Fatal("done channel should be closed after unsubscribe")
	}
}
