package trace

import (
	"github.com/google/uuid"
	"strings"
)

type ResultState string

const (
	Passed  ResultState = "passed"
	Failed  ResultState = "failed"
	Skipped ResultState = "skipped"
)

// UnknownFile is reported when the runner cannot name the test's file.
const UnknownFile = "Unknown"

// ResultFromStatus maps a runner status onto a result. Anything that is not
// an explicit pass or fail counts as skipped.
func ResultFromStatus(status string) ResultState {
	switch status {
	case "passed", "pass":
		return Passed
	case "failed", "fail":
		return Failed
	default:
		return Skipped
	}
}

// Identity describes the test a Trace belongs to.
type Identity struct {
	Scope      string
	Name       string
	Identifier string
	Location   string
	FileName   string
}

// Trace is the finished record of one test case.
type Trace struct {
	ID         uuid.UUID   `json:"id"`
	Scope      string      `json:"scope"`
	Name       string      `json:"name"`
	Identifier string      `json:"identifier"`
	Location   string      `json:"location"`
	FileName   string      `json:"file_name"`
	Result     ResultState `json:"result"`
	Failure    string      `json:"failure"`
	History    *Span       `json:"history"`
}

// NewTrace builds a Trace with a fresh random id. failures are joined with
// newlines.
func NewTrace(id Identity, result ResultState, failures []string, history *Span) *Trace {
	fileName := id.FileName
	if fileName == "" {
		fileName = UnknownFile
	}
	return &Trace{
		ID:         uuid.New(),
		Scope:      id.Scope,
		Name:       id.Name,
		Identifier: id.Identifier,
		Location:   id.Location,
		FileName:   fileName,
		Result:     result,
		Failure:    strings.Join(failures, "\n"),
		History:    history,
	}
}
