package cable

import (
	"context"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"net/http"
	"net/url"
	"os"
	"sync"
	"testing"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

var errPeerClosed = errors.New("peer closed")

// fakeConn is an in-memory transport. Frames pushed with push are read by
// the client; frames the client writes appear on written.
type fakeConn struct {
	inbound  chan []byte
	written  chan Command
	closed   chan struct{}
	acked    chan struct{}
	ackClose bool

	closeOnce sync.Once
	ackOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 64),
		written:  make(chan Command, 64),
		closed:   make(chan struct{}),
		acked:    make(chan struct{}),
		ackClose: true,
	}
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.acked:
		return nil, errPeerClosed
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	var command Command
	if err := json.Unmarshal(data, &command); err != nil {
		return err
	}
	c.written <- command
	return nil
}

func (c *fakeConn) SendClose() error {
	if c.ackClose {
		c.ackOnce.Do(func() { close(c.acked) })
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// serve answers every command the client writes with the frames returned by
// respond.
func (c *fakeConn) serve(respond func(Command) []string) {
	go func() {
		for {
			select {
			case command := <-c.written:
				for _, frame := range respond(command) {
					c.push(frame)
				}
			case <-c.closed:
				return
			}
		}
	}()
}

type fakeDialer struct {
	conn   *fakeConn
	err    error
	header http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, u *url.URL, header http.Header) (Conn, error) {
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}
