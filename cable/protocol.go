package cable

import (
	"github.com/json-iterator/go"
	"github.com/juju/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type EventType string

const (
	EventWelcome             EventType = "welcome"
	EventPing                EventType = "ping"
	EventConfirmSubscription EventType = "confirm_subscription"
	EventRejectSubscription  EventType = "reject_subscription"
	EventMessage             EventType = "message"
	EventDisconnect          EventType = "disconnect"
)

// Event is a frame sent by the server, discriminated by Type.
type Event struct {
	Type       EventType           `json:"type"`
	Identifier string              `json:"identifier,omitempty"`
	Message    jsoniter.RawMessage `json:"message,omitempty"`
}

// DecodeEvent parses one inbound frame. Broadcasts carry no type on the wire
// and are reported as EventMessage.
func DecodeEvent(data []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, errors.Annotate(err, "decoding event")
	}
	if event.Type == "" && event.Identifier != "" && len(event.Message) > 0 {
		event.Type = EventMessage
	}
	if event.Type == "" {
		return nil, &ProtocolError{Op: "decoding event", Frame: string(data)}
	}
	return event, nil
}

type CommandType string

const (
	CommandSubscribe CommandType = "subscribe"
	CommandMessage   CommandType = "message"
)

// Command is a frame sent to the server. Data holds the already encoded
// application payload of a message command.
type Command struct {
	Command    CommandType `json:"command"`
	Identifier string      `json:"identifier"`
	Data       string      `json:"data,omitempty"`
}

func subscribeCommand(channel string) Command {
	return Command{Command: CommandSubscribe, Identifier: channel}
}

func messageCommand(channel string, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, errors.Annotate(err, "encoding message payload")
	}
	return Command{Command: CommandMessage, Identifier: channel, Data: string(data)}, nil
}

func (c Command) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	return data, errors.Trace(err)
}
