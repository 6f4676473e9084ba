package report

import (
	"encoding/json"
	"time"

	"smda/internal/disasm"
)

// FailureMeta holds the diagnostic part of a Failure.
type FailureMeta struct {
	Traceback string `json:"traceback"`
}

// Failure is the outcome of an analysis that raised a fault. It never
// carries partial results.
type Failure struct {
	Status        string      `json:"status"`
	Meta          FailureMeta `json:"meta"`
	ExecutionTime float64     `json:"execution_time"`
}

// NewFailure builds a Failure for a fault observed elapsed after the start
// of the attempt.
func NewFailure(traceback string, elapsed time.Duration) *Failure {
	return &Failure{
		Status:        StatusError,
		Meta:          FailureMeta{Traceback: traceback},
		ExecutionTime: disasm.Seconds(elapsed),
	}
}

// Outcome is either a Report or a Failure. Exactly one of the two is set.
type Outcome struct {
	Report  *Report
	Failure *Failure
}

// Succeeded wraps a report.
func Succeeded(r Report) *Outcome {
	return &Outcome{Report: &r}
}

// Failed wraps a failure.
func Failed(f *Failure) *Outcome {
	return &Outcome{Failure: f}
}

// OK reports whether the analysis produced a report.
func (o *Outcome) OK() bool {
	return o.Failure == nil && o.Report != nil
}

// Status returns the report status or "error".
func (o *Outcome) Status() string {
	if o.Failure != nil {
		return o.Failure.Status
	}
	if o.Report != nil {
		return o.Report.Status
	}
	return ""
}

// ExecutionTime returns the analysis time in seconds of either variant.
func (o *Outcome) ExecutionTime() float64 {
	if o.Failure != nil {
		return o.Failure.ExecutionTime
	}
	if o.Report != nil {
		return o.Report.ExecutionTime
	}
	return 0
}

// MarshalJSON encodes the set variant.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Failure != nil {
		return json.Marshal(o.Failure)
	}
	if o.Report != nil {
		return json.Marshal(o.Report)
	}
	return []byte("{}"), nil
}
