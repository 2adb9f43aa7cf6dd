package cable

import (
	"context"
	"fmt"
	"github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"
)

const testTimeout = 100 * time.Millisecond

var cableURL = &url.URL{Scheme: "wss", Host: "analytics.example.com", Path: "/_cable"}

func newTestClient(conn *fakeConn) *Client {
	return New(cableURL, WithDialer(&fakeDialer{conn: conn}), WithTimeout(testTimeout))
}

func confirmAll(command Command) []string {
	if command.Command == CommandSubscribe {
		return []string{fmt.Sprintf(`{"type":"confirm_subscription","identifier":%q}`, command.Identifier)}
	}
	return nil
}

func startedClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	conn.push(`{"type":"welcome"}`)
	client := newTestClient(conn)
	require.NoError(t, client.Start(context.Background()))
	return client, conn
}

func TestStartReceivesWelcome(t *testing.T) {
	conn := newFakeConn()
	conn.push(`{"type":"welcome"}`)
	dialer := &fakeDialer{conn: conn}
	header := http.Header{"Authorization": []string{`Token token="abc"`}}
	client := New(cableURL, WithDialer(dialer), WithHeader(header), WithTimeout(testTimeout))

	assert.Equal(t, StateUnstarted, client.State())
	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, StateOpen, client.State())
	assert.Equal(t, `Token token="abc"`, dialer.header.Get("Authorization"))
	assert.False(t, client.hasWaiter())

	err := client.Start(context.Background())
	assert.True(t, IsPrecondition(err), "unexpected error %v", err)
}

func TestStartSkipsHeartbeatBeforeWelcome(t *testing.T) {
	conn := newFakeConn()
	conn.push(`{"type":"ping","message":1650000000}`)
	conn.push(`{"type":"welcome"}`)
	client := newTestClient(conn)

	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, StateOpen, client.State())
}

func TestStartRejectsUnexpectedFirstEvent(t *testing.T) {
	conn := newFakeConn()
	conn.push(`{"type":"disconnect","reason":"unauthorized"}`)
	client := newTestClient(conn)

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRejected(err), "unexpected error %v", err)
	assert.Equal(t, StateFailed, client.State())
	assert.True(t, conn.isClosed())
}

func TestStartTimesOutWithoutWelcome(t *testing.T) {
	conn := newFakeConn()
	client := newTestClient(conn)

	started := time.Now()
	err := client.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "unexpected error %v", err)
	assert.True(t, time.Since(started) >= testTimeout)
	assert.Equal(t, StateFailed, client.State())
	assert.False(t, client.hasWaiter())
	assert.True(t, conn.isClosed())

	_, err = client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	assert.True(t, IsPrecondition(err), "unexpected error %v", err)
	assert.True(t, IsPrecondition(client.Stop(context.Background())))
	assert.True(t, IsPrecondition(client.Start(context.Background())))
}

func TestStartFailsWhenTransportEnds(t *testing.T) {
	conn := newFakeConn()
	conn.ackClose = true
	conn.SendClose()
	client := newTestClient(conn)

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.Equal(t, errPeerClosed, errors.Cause(err))
	assert.Equal(t, StateFailed, client.State())
}

func TestStartDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	client := New(cableURL, WithDialer(&fakeDialer{err: dialErr}), WithTimeout(testTimeout))

	err := client.Start(context.Background())
	assert.Equal(t, dialErr, errors.Cause(err))
	assert.Equal(t, StateFailed, client.State())
}

func TestStartHonoursContext(t *testing.T) {
	client := newTestClient(newFakeConn())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Start(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, StateFailed, client.State())
}

func TestSubscribeBeforeStart(t *testing.T) {
	client := newTestClient(newFakeConn())
	_, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	assert.True(t, IsPrecondition(err), "unexpected error %v", err)
	assert.True(t, IsPrecondition(client.Stop(context.Background())))
}

func TestSubscribeConfirmed(t *testing.T) {
	client, conn := startedClient(t)
	received := make(chan jsoniter.RawMessage, 1)

	go func() {
		command := <-conn.written
		assert.Equal(t, Command{Command: CommandSubscribe, Identifier: "123"}, command)
		conn.push(`{"type":"confirm_subscription","identifier":"123"}`)
	}()
	send, err := client.Subscribe(context.Background(), "123", func(message jsoniter.RawMessage) {
		received <- message
	})
	require.NoError(t, err)
	assert.False(t, client.hasWaiter())

	require.NoError(t, send(context.Background(), map[string]interface{}{"action": "record_results", "results": []int{1}}))
	command := <-conn.written
	assert.Equal(t, CommandMessage, command.Command)
	assert.Equal(t, "123", command.Identifier)
	assert.JSONEq(t, `{"action":"record_results","results":[1]}`, command.Data)

	conn.push(`{"type":"message","identifier":"123","message":{"confirm":["a"]}}`)
	select {
	case message := <-received:
		assert.JSONEq(t, `{"confirm":["a"]}`, string(message))
	case <-time.After(time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestSubscribeRejected(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(func(command Command) []string {
		return []string{fmt.Sprintf(`{"type":"reject_subscription","identifier":%q}`, command.Identifier)}
	})

	called := false
	send, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) { called = true })
	assert.Nil(t, send)
	assert.True(t, IsRejected(err), "unexpected error %v", err)

	conn.push(`{"type":"message","identifier":"123","message":{}}`)
	require.Eventually(t, func() bool { return client.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, IsUnknownChannel(client.Err()))
	assert.False(t, called)
}

func TestSubscribeConfirmedForAnotherChannel(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(func(command Command) []string {
		return []string{`{"type":"confirm_subscription","identifier":"456"}`}
	})

	_, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	assert.True(t, IsRejected(err), "unexpected error %v", err)
	assert.Contains(t, err.Error(), `"456"`)
}

func TestSubscribeTimeoutLeavesNoWaiter(t *testing.T) {
	client, conn := startedClient(t)
	synced := make(chan struct{}, 1)
	go func() {
		<-conn.written
		conn.push(`{"type":"confirm_subscription","identifier":"sync"}`)
	}()
	_, err := client.Subscribe(context.Background(), "sync", func(jsoniter.RawMessage) { synced <- struct{}{} })
	require.NoError(t, err)

	_, err = client.Subscribe(context.Background(), "slow", func(jsoniter.RawMessage) {})
	assert.True(t, IsTimeout(err), "unexpected error %v", err)
	assert.False(t, client.hasWaiter())
	<-conn.written

	// The late confirmation must not be taken for the next subscription.
	conn.push(`{"type":"confirm_subscription","identifier":"slow"}`)
	conn.push(`{"type":"message","identifier":"sync","message":{}}`)
	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("read loop stalled")
	}

	conn.serve(confirmAll)
	_, err = client.Subscribe(context.Background(), "fast", func(jsoniter.RawMessage) {})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, client.State())
	assert.NoError(t, client.Err())
}

func TestSubscribeOneAtATime(t *testing.T) {
	conn := newFakeConn()
	conn.push(`{"type":"welcome"}`)
	client := New(cableURL, WithDialer(&fakeDialer{conn: conn}), WithTimeout(5*time.Second))
	require.NoError(t, client.Start(context.Background()))

	first := make(chan error, 1)
	go func() {
		_, err := client.Subscribe(context.Background(), "first", func(jsoniter.RawMessage) {})
		first <- err
	}()
	<-conn.written

	_, err := client.Subscribe(context.Background(), "second", func(jsoniter.RawMessage) {})
	assert.True(t, IsPrecondition(err), "unexpected error %v", err)

	conn.push(`{"type":"confirm_subscription","identifier":"first"}`)
	require.NoError(t, <-first)
}

func TestMessageForUnknownChannelIsFatal(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(confirmAll)
	send, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	require.NoError(t, err)

	conn.push(`{"identifier":"999","message":{"confirm":[]}}`)
	require.Eventually(t, func() bool { return client.Err() != nil }, time.Second, 5*time.Millisecond)

	err = send(context.Background(), map[string]string{"action": "noop"})
	assert.True(t, IsUnknownChannel(err), "unexpected error %v", err)
	_, err = client.Subscribe(context.Background(), "456", func(jsoniter.RawMessage) {})
	assert.True(t, IsUnknownChannel(err), "unexpected error %v", err)
}

func TestUntypedFrameIsProtocolError(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(confirmAll)
	send, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	require.NoError(t, err)

	conn.push(`{"identifier":"123"}`)
	require.Eventually(t, func() bool { return client.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, IsRejected(client.Err()), "unexpected error %v", client.Err())

	err = send(context.Background(), map[string]string{"action": "noop"})
	assert.True(t, IsRejected(err), "unexpected error %v", err)
	assert.False(t, IsPrecondition(err))
}

func TestAwaitKeepsEventClaimedAtDeadline(t *testing.T) {
	client := New(cableURL, WithTimeout(time.Nanosecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		waiter := make(chan inbound, 1)
		client.mu.Lock()
		client.waiter = waiter
		client.mu.Unlock()
		confirm := &Event{Type: EventConfirmSubscription, Identifier: "123"}
		require.True(t, client.deliver(inbound{event: confirm}))

		var got *Event
		err := client.await(ctx, "confirming subscription", waiter, make(chan struct{}), func(event *Event) error {
			got = event
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, confirm, got)
		assert.False(t, client.hasWaiter())
	}
}

func TestAwaitTimesOutWhenWaiterWithdrawn(t *testing.T) {
	client := New(cableURL, WithTimeout(10*time.Millisecond))
	waiter := make(chan inbound, 1)
	client.mu.Lock()
	client.waiter = waiter
	client.mu.Unlock()
	require.NoError(t, client.Close())

	err := client.await(context.Background(), "confirming subscription", waiter, make(chan struct{}), func(*Event) error {
		return nil
	})
	assert.True(t, IsTimeout(err), "unexpected error %v", err)
}

func TestMessagesDispatchedInArrivalOrder(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(confirmAll)

	var mu sync.Mutex
	var seen []int
	_, err := client.Subscribe(context.Background(), "123", func(message jsoniter.RawMessage) {
		var n int
		assert.NoError(t, json.Unmarshal(message, &n))
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		conn.push(fmt.Sprintf(`{"type":"ping","message":%d}`, i))
		conn.push(fmt.Sprintf(`{"type":"message","identifier":"123","message":%d}`, i))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 5*time.Millisecond)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
	assert.NoError(t, client.Err())
}

func TestStopWaitsForCloseAcknowledgement(t *testing.T) {
	client, conn := startedClient(t)
	conn.serve(confirmAll)
	send, err := client.Subscribe(context.Background(), "123", func(jsoniter.RawMessage) {})
	require.NoError(t, err)

	require.NoError(t, client.Stop(context.Background()))
	assert.Equal(t, StateClosed, client.State())
	assert.True(t, conn.isClosed())

	err = send(context.Background(), "late")
	assert.True(t, IsPrecondition(err), "unexpected error %v", err)
	assert.True(t, IsPrecondition(client.Stop(context.Background())))
}

func TestStopTimesOutWithoutAcknowledgement(t *testing.T) {
	conn := newFakeConn()
	conn.ackClose = false
	conn.push(`{"type":"welcome"}`)
	client := newTestClient(conn)
	require.NoError(t, client.Start(context.Background()))

	err := client.Stop(context.Background())
	assert.True(t, IsTimeout(err), "unexpected error %v", err)
	assert.Equal(t, StateClosing, client.State())
	assert.False(t, conn.isClosed())

	require.NoError(t, client.Close())
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateClosed, client.State())
	assert.NoError(t, client.Close())
}
