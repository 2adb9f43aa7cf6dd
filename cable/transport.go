package cable

import (
	"context"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"net/http"
	"net/url"
	"time"
)

// Subprotocols are offered on every connection, newest first.
var Subprotocols = []string{"actioncable-v1-json", "actioncable-unsupported"}

// Conn is a message framed, bidirectional connection.
//
// ReadMessage is only called from the client's read loop. WriteMessage and
// SendClose are serialized by the client. SendClose starts the closing
// handshake; the peer's acknowledgement ends ReadMessage with an error.
// Close releases the connection immediately.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SendClose() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, u *url.URL, header http.Header) (Conn, error)
}

// WebsocketDialer opens websocket connections.
type WebsocketDialer struct {
	WriteTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, u *url.URL, header http.Header) (Conn, error) {
	h := http.Header{}
	for key, values := range header {
		h[key] = append([]string(nil), values...)
	}
	h.Set("Origin", "https://"+u.Host)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     Subprotocols,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing %s (%s)", u.Host, resp.Status)
		}
		return nil, errors.Annotatef(err, "dialing %s", u.Host)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultTimeout
	}
	return &websocketConn{ws: ws, writeTimeout: writeTimeout}, nil
}

type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) SendClose() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.writeTimeout))
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}
