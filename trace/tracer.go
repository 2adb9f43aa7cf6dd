package trace

import (
	"github.com/juju/errors"
	"time"
)

// Clock supplies the current time to a Tracer.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tracer records the span tree of a single test case. It keeps a stack of
// open spans whose bottom is always the root span, so instrumentation can
// call Enter and Leave from anywhere without passing span handles around.
//
// A Tracer is not safe for concurrent use; the test it belongs to owns it.
type Tracer struct {
	clock Clock
	top   *Span
	stack []*Span
	spent bool
}

// NewTracer opens the root span at the current time.
func NewTracer() *Tracer {
	return NewTracerWithClock(realClock{})
}

func NewTracerWithClock(clock Clock) *Tracer {
	top := newSpan(TopSection, clock.Now(), nil)
	return &Tracer{clock: clock, top: top, stack: []*Span{top}}
}

// Current is the innermost open span, or nil once the tracer is finalized.
func (t *Tracer) Current() *Span {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// Depth is the number of open spans, including the root.
func (t *Tracer) Depth() int {
	return len(t.stack)
}

// Enter opens a span as the last child of the current span and makes it
// current. It does nothing once the tracer has been finalized.
func (t *Tracer) Enter(section string, detail Detail) {
	if t.spent {
		return
	}
	span := newSpan(section, t.clock.Now(), detail)
	current := t.Current()
	current.Children = append(current.Children, span)
	t.stack = append(t.stack, span)
}

// Leave closes the current span and pops it.
func (t *Tracer) Leave() error {
	if t.spent {
		return errors.NotValidf("leave on finalized tracer")
	}
	if len(t.stack) == 1 {
		return errors.NotValidf("leave with no open span")
	}
	t.Current().closeAt(t.clock.Now())
	t.stack = t.stack[:len(t.stack)-1]
	return nil
}

// Backfill attaches an already finished span of length d to the current
// span. The span ends now and is never pushed.
func (t *Tracer) Backfill(section string, d time.Duration, detail Detail) {
	if t.spent {
		return
	}
	now := t.clock.Now()
	span := newSpan(section, now.Add(-d), detail)
	span.EndAt = now
	span.Duration = d
	current := t.Current()
	current.Children = append(current.Children, span)
}

// Finalize closes the root span using total, the duration measured by the
// test runner, and returns it. Every span opened with Enter must have been
// left. The tracer cannot be used afterwards.
func (t *Tracer) Finalize(total time.Duration) (*Span, error) {
	if t.spent {
		return nil, errors.NotValidf("finalize on finalized tracer")
	}
	if len(t.stack) != 1 {
		return nil, errors.NotValidf("finalize with %d open spans", len(t.stack)-1)
	}
	t.top.EndAt = t.top.StartAt.Add(total)
	t.top.Duration = total
	t.spent = true
	t.stack = nil
	return t.top, nil
}
