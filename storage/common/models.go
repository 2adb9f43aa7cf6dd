package common

// ExamplesCount summarises a finished run.
type ExamplesCount struct {
	Examples              int `json:"examples"`
	Failed                int `json:"failed"`
	Pending               int `json:"pending"`
	ErrorsOutsideExamples int `json:"errors_outside_examples"`
}
