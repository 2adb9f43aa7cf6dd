package consumer

import (
	"bytes"
	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

const stream = `{"Time":"2024-01-02T15:04:05.000001Z","Action":"run","Package":"example.com/pkg","Test":"TestA"}
{"Time":"2024-01-02T15:04:05.000002Z","Action":"output","Package":"example.com/pkg","Test":"TestA","Output":"=== RUN   TestA\n"}
not an event
{"Time":"2024-01-02T15:04:05.5Z","Action":"pass","Package":"example.com/pkg","Test":"TestA","Elapsed":0.5}
`

func collect(t *testing.T) (*actor.PID, chan *Event) {
	events := make(chan *Event, 16)
	pid := actor.Spawn(actor.FromFunc(func(c actor.Context) {
		if event, ok := c.Message().(*Event); ok {
			events <- event
		}
	}))
	t.Cleanup(pid.Stop)
	return pid, events
}

func receive(t *testing.T, events chan *Event) *Event {
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
		return nil
	}
}

func TestConsumerDispatchesInOrder(t *testing.T) {
	pid, events := collect(t)
	echo := &bytes.Buffer{}
	c := NewTestEventConsumer(strings.NewReader(stream), echo)
	require.NoError(t, c.Subscribe(pid))
	require.NoError(t, c.Wait())

	run := receive(t, events)
	assert.Equal(t, ActionRun, run.Action)
	assert.Equal(t, "example.com/pkg", run.Package)
	assert.Equal(t, "TestA", run.Test)
	assert.Equal(t, ActionOutput, receive(t, events).Action)
	pass := receive(t, events)
	assert.Equal(t, ActionPass, pass.Action)
	assert.Equal(t, 500*time.Millisecond, pass.ElapsedDuration())
	assert.Equal(t, 2024, pass.Time.Year())
	assert.Equal(t, int64(3), c.Events())

	assert.Equal(t, "=== RUN   TestA\nnot an event\n", echo.String())
}

func TestConsumerWithoutEcho(t *testing.T) {
	pid, events := collect(t)
	c := NewTestEventConsumer(strings.NewReader(stream), nil)
	require.NoError(t, c.Subscribe(pid))
	require.NoError(t, c.Wait())
	assert.Equal(t, ActionRun, receive(t, events).Action)
}

func TestConsumerSubscribeTwice(t *testing.T) {
	pid, _ := collect(t)
	c := NewTestEventConsumer(strings.NewReader(""), nil)
	require.NoError(t, c.Subscribe(pid))
	assert.Error(t, c.Subscribe(pid))
	require.NoError(t, c.Wait())
}

func TestConsumerClosedDiscardsStream(t *testing.T) {
	pid, _ := collect(t)
	c := NewTestEventConsumer(strings.NewReader(stream), nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Subscribe(pid))
	require.NoError(t, c.Wait())
	assert.Equal(t, int64(0), c.Events())
}
