// Package consumer reads test events and dispatches them to an actor.
package consumer

import (
	"github.com/AsynkronIT/protoactor-go/actor"
	"time"
)

// Actions reported by go test -json.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionBench  = "bench"
	ActionOutput = "output"
)

type Consumer interface {
	// Subscribe starts dispatching events to pid. Every event is told in
	// stream order.
	Subscribe(pid *actor.PID) error
	GetControlPID() *actor.PID
	// Wait blocks until the stream is exhausted or the consumer is closed.
	Wait() error
	Close() error
}

// Event is one line of go test -json output.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// ElapsedDuration is Elapsed as a duration.
func (e *Event) ElapsedDuration() time.Duration {
	return time.Duration(e.Elapsed * float64(time.Second))
}
