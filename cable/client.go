package cable

import (
	"context"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/json-iterator/go"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultTimeout bounds every handshake step.
const DefaultTimeout = 5 * time.Second

type State int

const (
	StateUnstarted State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Consumer receives the payload of every message on its channel. It runs on
// the client's read loop, so it must not block for long.
type Consumer func(message jsoniter.RawMessage)

// Producer sends payload, encoded as JSON, on the channel it was created for.
type Producer func(ctx context.Context, payload interface{}) error

type Option func(*Client)

func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

func WithDialer(dialer Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

type inbound struct {
	event *Event
	err   error
}

// Client speaks the cable protocol over a single connection.
type Client struct {
	url     *url.URL
	header  http.Header
	dialer  Dialer
	timeout time.Duration

	mu            sync.Mutex
	state         State
	conn          Conn
	readDone      chan struct{}
	readErr       error
	fatal         error
	waiter        chan inbound
	subscriptions map[string]Consumer

	writeMu     sync.Mutex
	subscribing sync.Mutex
}

func New(u *url.URL, opts ...Option) *Client {
	c := &Client{
		url:           u,
		dialer:        WebsocketDialer{},
		timeout:       DefaultTimeout,
		subscriptions: make(map[string]Consumer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fatal error that made the connection unusable, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Start opens the transport and waits for the server's welcome. On failure
// the client is left in the failed state and releases the transport.
func (c *Client) Start(ctx context.Context) error {
	logger := util.GetLogger("cable", "Client::Start")
	c.mu.Lock()
	if c.state != StateUnstarted {
		state := c.state
		c.mu.Unlock()
		return precondition("start", state)
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, err := c.dialer.Dial(dialCtx, c.url, c.header)
	dialTimedOut := dialCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if err != nil {
		c.fail()
		if dialTimedOut {
			return &TimeoutError{Op: "opening websocket", After: c.timeout}
		}
		return errors.Annotate(err, "opening websocket")
	}

	waiter := make(chan inbound, 1)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = done
	c.waiter = waiter
	c.mu.Unlock()
	go c.readLoop(conn, done)

	err = c.await(ctx, "receiving welcome event", waiter, done, func(event *Event) error {
		if event.Type != EventWelcome {
			return &ProtocolError{Op: "receiving welcome event", Event: event}
		}
		return nil
	})
	if err != nil {
		logger.Error("Handshake failed", zap.String("host", c.url.Host), zap.Error(err))
		c.fail()
		return err
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	logger.Info("Connected", zap.String("host", c.url.Host))
	return nil
}

// Stop starts the closing handshake and waits for the server to acknowledge
// it, then releases the transport. If the acknowledgement does not arrive in
// time the client stays in the closing state and Close must be used.
func (c *Client) Stop(ctx context.Context) error {
	logger := util.GetLogger("cable", "Client::Stop")
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return precondition("stop", state)
	}
	c.state = StateClosing
	conn, done := c.conn, c.readDone
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.SendClose()
	c.writeMu.Unlock()
	if err != nil {
		logger.Warn("Unable to send close frame", zap.Error(err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return &TimeoutError{Op: "closing websocket", After: c.timeout}
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "closing websocket")
	}

	c.mu.Lock()
	c.state = StateClosed
	c.conn = nil
	c.mu.Unlock()
	logger.Info("Disconnected", zap.String("host", c.url.Host))
	return errors.Trace(conn.Close())
}

// Close releases the transport without a closing handshake. It is safe to
// call in any state and more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.waiter = nil
	if c.state != StateFailed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return errors.Trace(conn.Close())
}

// Subscribe asks the server for channel and waits for the confirmation.
// Only once the channel is confirmed is consumer registered for it and a
// Producer returned. Subscriptions on one client must be made one at a
// time; a Subscribe issued while another is in flight fails immediately.
func (c *Client) Subscribe(ctx context.Context, channel string, consumer Consumer) (Producer, error) {
	logger := util.GetLogger("cable", "Client::Subscribe")
	if !c.subscribing.TryLock() {
		return nil, errors.NotValidf("subscribe to %q while another subscribe is in flight", channel)
	}
	defer c.subscribing.Unlock()

	c.mu.Lock()
	if err := c.usableLocked("subscribe"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	waiter := make(chan inbound, 1)
	c.waiter = waiter
	done := c.readDone
	c.mu.Unlock()

	if err := c.send(ctx, subscribeCommand(channel)); err != nil {
		c.removeWaiter(waiter)
		return nil, errors.Annotatef(err, "subscribing to %q", channel)
	}

	op := "confirming subscription"
	err := c.await(ctx, op, waiter, done, func(event *Event) error {
		if event.Type == EventConfirmSubscription && event.Identifier == channel {
			return nil
		}
		return &ProtocolError{Op: op, Event: event}
	})
	if err != nil {
		logger.Error("Subscription failed", zap.String("channel", channel), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.subscriptions[channel] = consumer
	c.mu.Unlock()
	logger.Info("Subscribed", zap.String("channel", channel))

	producer := func(ctx context.Context, payload interface{}) error {
		command, err := messageCommand(channel, payload)
		if err != nil {
			return err
		}
		return c.send(ctx, command)
	}
	return producer, nil
}

func (c *Client) usableLocked(op string) error {
	if c.state != StateOpen {
		return precondition(op, c.state)
	}
	if c.fatal != nil {
		return errors.Annotatef(c.fatal, "%s", op)
	}
	return nil
}

func (c *Client) send(ctx context.Context, command Command) error {
	logger := util.GetLogger("cable", "Client::send")
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	data, err := command.encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.usableLocked(string(command.Command)); err != nil {
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return errors.Annotatef(err, "sending %s", command.Command)
	}
	logger.Debug("->", zap.ByteString("frame", data))
	return nil
}

// await waits for the next event handed to waiter, racing it against the
// transport ending, the step timeout and ctx. The waiter is always removed.
func (c *Client) await(ctx context.Context, op string, waiter chan inbound, done <-chan struct{}, accept func(*Event) error) error {
	defer c.removeWaiter(waiter)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var in inbound
	select {
	case in = <-waiter:
	case <-done:
		select {
		case in = <-waiter:
		default:
			return errors.Annotatef(c.transportError(), "%s: connection closed", op)
		}
	case <-timer.C:
		if !c.claimedByReader(waiter, &in) {
			return &TimeoutError{Op: op, After: c.timeout}
		}
	case <-ctx.Done():
		if !c.claimedByReader(waiter, &in) {
			return errors.Annotate(ctx.Err(), op)
		}
	}
	if in.err != nil {
		return errors.Annotate(in.err, op)
	}
	return accept(in.event)
}

func (c *Client) removeWaiter(waiter chan inbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == waiter {
		c.waiter = nil
		return true
	}
	return false
}

// claimedByReader withdraws waiter after a lost race. If the read loop
// handed it an event first, that event is stored in in and reported.
// deliver sends while holding c.mu, so a claimed event is already buffered.
func (c *Client) claimedByReader(waiter chan inbound, in *inbound) bool {
	if c.removeWaiter(waiter) {
		return false
	}
	select {
	case *in = <-waiter:
		return true
	default:
		return false
	}
}

func (c *Client) hasWaiter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter != nil
}

func (c *Client) transportError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return errors.New("transport closed")
	}
	return c.readErr
}

// deliver hands in to the pending one-shot waiter, if there is one.
// Heartbeats never satisfy a wait.
func (c *Client) deliver(in inbound) bool {
	if in.event != nil && in.event.Type == EventPing {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	waiter := c.waiter
	if waiter == nil {
		return false
	}
	c.waiter = nil
	// Buffered with room for one, so this never blocks.
	waiter <- in
	return true
}

func (c *Client) readLoop(conn Conn, done chan struct{}) {
	logger := util.GetLogger("cable", "Client::readLoop")
	defer close(done)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			state := c.state
			c.mu.Unlock()
			if state != StateClosing && state != StateClosed {
				logger.Warn("Connection ended", zap.Error(err))
			}
			c.deliver(inbound{err: err})
			return
		}
		logger.Debug("<-", zap.ByteString("frame", data))
		event, err := DecodeEvent(data)
		if err != nil {
			if !c.deliver(inbound{err: err}) {
				logger.Error("Malformed event", zap.Error(err))
				c.setFatal(err)
			}
			continue
		}
		if c.deliver(inbound{event: event}) {
			continue
		}
		c.handleEvent(event)
	}
}

// handleEvent is the standing handler for events that arrive outside a
// handshake wait.
func (c *Client) handleEvent(event *Event) {
	logger := util.GetLogger("cable", "Client::handleEvent")
	switch event.Type {
	case EventPing:
	case EventMessage:
		c.mu.Lock()
		consumer, ok := c.subscriptions[event.Identifier]
		c.mu.Unlock()
		if !ok {
			err := errors.NotFoundf("consumer for channel %q", event.Identifier)
			logger.Error("Dispatch failed", zap.String("channel", event.Identifier), zap.Error(err))
			c.setFatal(err)
			return
		}
		consumer(event.Message)
	case EventWelcome, EventConfirmSubscription, EventRejectSubscription:
		logger.Warn("Handshake event outside of a handshake", zap.String("type", string(event.Type)), zap.String("channel", event.Identifier))
	default:
		logger.Debug("Ignoring event", zap.String("type", string(event.Type)))
	}
}

func (c *Client) setFatal(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
}

func (c *Client) fail() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.waiter = nil
	c.state = StateFailed
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
