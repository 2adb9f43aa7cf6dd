package trace

import (
	"github.com/json-iterator/go"
	"time"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TopSection is the section name of the root span of every test case.
const TopSection = "top"

// Detail is arbitrary metadata attached to a span when it is created.
type Detail map[string]interface{}

// Span is one measured interval. EndAt is the zero time and Duration is
// zero until the span has been closed, which happens exactly once.
type Span struct {
	Section  string
	StartAt  time.Time
	EndAt    time.Time
	Duration time.Duration
	Detail   Detail
	Children []*Span
}

func newSpan(section string, start time.Time, detail Detail) *Span {
	if detail == nil {
		detail = Detail{}
	}
	return &Span{Section: section, StartAt: start, Detail: detail, Children: []*Span{}}
}

// Closed reports whether the span has an end.
func (s *Span) Closed() bool {
	return !s.EndAt.IsZero()
}

func (s *Span) closeAt(end time.Time) {
	s.EndAt = end
	s.Duration = end.Sub(s.StartAt)
}

type wireSpan struct {
	Section  string   `json:"section"`
	StartAt  float64  `json:"start_at"`
	EndAt    *float64 `json:"end_at,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Detail   Detail   `json:"detail"`
	Children []*Span  `json:"children"`
}

// MarshalJSON writes timestamps as Unix epoch milliseconds and the
// duration in seconds.
func (s *Span) MarshalJSON() ([]byte, error) {
	w := wireSpan{
		Section:  s.Section,
		StartAt:  epochMillis(s.StartAt),
		Detail:   s.Detail,
		Children: s.Children,
	}
	if w.Detail == nil {
		w.Detail = Detail{}
	}
	if w.Children == nil {
		w.Children = []*Span{}
	}
	if s.Closed() {
		end := epochMillis(s.EndAt)
		duration := s.Duration.Seconds()
		w.EndAt = &end
		w.Duration = &duration
	}
	return json.Marshal(w)
}

func (s *Span) UnmarshalJSON(data []byte) error {
	var w wireSpan
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Section = w.Section
	s.StartAt = fromEpochMillis(w.StartAt)
	s.EndAt = time.Time{}
	s.Duration = 0
	if w.EndAt != nil {
		s.EndAt = fromEpochMillis(*w.EndAt)
	}
	if w.Duration != nil {
		s.Duration = time.Duration(*w.Duration * float64(time.Second))
	}
	s.Detail = w.Detail
	s.Children = w.Children
	if s.Children == nil {
		s.Children = []*Span{}
	}
	return nil
}

func epochMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

func fromEpochMillis(ms float64) time.Time {
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}
