// Package cabletest provides a cable server for tests.
package cabletest

import (
	"fmt"
	"github.com/chrislloyd/buildkite-test-analytics/cable"
	"github.com/gorilla/websocket"
	"github.com/json-iterator/go"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is an http.Handler that speaks the server side of the cable
// protocol. By default it welcomes every connection and confirms every
// subscription. Configure it before serving the first request.
type Server struct {
	Welcome              bool
	ConfirmSubscriptions bool
	// Respond, when set, is called for every command and its frames are
	// written back to the client.
	Respond func(command cable.Command) []string

	upgrader websocket.Upgrader

	mu          sync.Mutex
	commands    []cable.Command
	header      http.Header
	subprotocol string
	closed      bool
}

func NewServer() *Server {
	return &Server{
		Welcome:              true,
		ConfirmSubscriptions: true,
		upgrader: websocket.Upgrader{
			Subprotocols: cable.Subprotocols,
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.header = r.Header.Clone()
	s.subprotocol = conn.Subprotocol()
	s.mu.Unlock()

	if s.Welcome {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome"}`)); err != nil {
			return
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
			}
			return
		}
		var command cable.Command
		if err := json.Unmarshal(data, &command); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, command)
		s.mu.Unlock()

		var frames []string
		if command.Command == cable.CommandSubscribe && s.ConfirmSubscriptions {
			frames = append(frames, fmt.Sprintf(`{"type":"confirm_subscription","identifier":%q}`, command.Identifier))
		}
		if s.Respond != nil {
			frames = append(frames, s.Respond(command)...)
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}
}

// Commands returns every command received so far, in order.
func (s *Server) Commands() []cable.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cable.Command(nil), s.commands...)
}

// Header is the request header of the most recent connection.
func (s *Server) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func (s *Server) Subprotocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subprotocol
}

// ClosedCleanly reports whether a client ended with a normal close frame.
func (s *Server) ClosedCleanly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WebsocketURL rewrites an http(s) test server URL to ws(s) and appends path.
func WebsocketURL(serverURL, path string) *url.URL {
	u, err := url.Parse(strings.Replace(serverURL, "http", "ws", 1) + path)
	if err != nil {
		panic(err)
	}
	return u
}
