package consumer

import (
	"bufio"
	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/json-iterator/go"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"io"
	"sync"
	"sync/atomic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds one event line. Test output can be long.
const maxLineSize = 4 * 1024 * 1024

// TestEventConsumer reads a go test -json stream. Output carried by events
// is echoed as plain text so the stream can sit in a pipe; lines that are
// not events are echoed unchanged.
type TestEventConsumer struct {
	reader io.Reader
	echo   io.Writer

	mu             sync.Mutex
	destinationPID *actor.PID
	controlPID     *actor.PID
	done           chan struct{}
	err            error
	closed         int32
	events         int64
}

var _ Consumer = (*TestEventConsumer)(nil)

// NewTestEventConsumer reads events from r. echo may be nil.
func NewTestEventConsumer(r io.Reader, echo io.Writer) *TestEventConsumer {
	return &TestEventConsumer{reader: r, echo: echo, done: make(chan struct{})}
}

func (tc *TestEventConsumer) Subscribe(pid *actor.PID) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.destinationPID != nil {
		return errors.NotValidf("subscribe while a subscription is active")
	}
	tc.destinationPID = pid
	go tc.dispatcher()
	return nil
}

func (tc *TestEventConsumer) dispatcher() {
	logger := util.GetLogger("consumer", "TestEventConsumer::dispatcher")
	defer close(tc.done)
	scanner := bufio.NewScanner(tc.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if atomic.LoadInt32(&tc.closed) == 1 {
			logger.Info("Consumer closed, discarding the rest of the stream")
			return
		}
		line := scanner.Bytes()
		event := &Event{}
		if err := json.Unmarshal(line, event); err != nil || event.Action == "" {
			logger.Debug("Passing through non event line", zap.ByteString("line", line))
			tc.write(append(append([]byte(nil), line...), '\n'))
			continue
		}
		if event.Action == ActionOutput {
			tc.write([]byte(event.Output))
		}
		atomic.AddInt64(&tc.events, 1)
		tc.destinationPID.Tell(event)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Error when reading test events", zap.Error(err))
		tc.err = errors.Annotate(err, "reading test events")
	}
	logger.Debug("End of stream", zap.Int64("events", atomic.LoadInt64(&tc.events)))
}

func (tc *TestEventConsumer) write(data []byte) {
	if tc.echo == nil {
		return
	}
	if _, err := tc.echo.Write(data); err != nil {
		logger := util.GetLogger("consumer", "TestEventConsumer::write")
		logger.Warn("Unable to echo test output", zap.Error(err))
	}
}

func (tc *TestEventConsumer) Wait() error {
	<-tc.done
	return tc.err
}

// Events counts the events dispatched so far.
func (tc *TestEventConsumer) Events() int64 {
	return atomic.LoadInt64(&tc.events)
}

func (tc *TestEventConsumer) GetControlPID() *actor.PID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.controlPID == nil {
		props := actor.FromProducer(func() actor.Actor {
			return tc
		})
		tc.controlPID = actor.Spawn(props)
	}
	return tc.controlPID
}

// Close stops dispatching. Events already told are not recalled.
func (tc *TestEventConsumer) Close() error {
	atomic.StoreInt32(&tc.closed, 1)
	return nil
}

func (tc *TestEventConsumer) Receive(c actor.Context) {
	logger := util.GetLogger("consumer", "TestEventConsumer::Receive")
	switch msg := c.Message().(type) {
	case string:
		switch msg {
		case "sig_close":
			logger.Debug("Received sig_close. Stopping dispatcher")
			tc.Close()
		}
	}
}
