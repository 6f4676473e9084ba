// Package report turns disassembly results into the flat report record and
// defines the success/failure outcome returned by an analysis session.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"smda/internal/disasm"
	"smda/internal/statistics"
)

// TimestampLayout is the layout of Report.Timestamp (UTC).
const TimestampLayout = "2006-01-02T15-04-05"

// StatusError is the status of a Failure.
const StatusError = "error"

var messages = map[string]string{
	disasm.OutcomeOK:           "Analysis finished regularly.",
	disasm.OutcomeTimeout:      "Analysis was stopped after exceeding the time budget, results are partial.",
	disasm.OutcomePartialError: "Analysis finished with recoverable errors.",
}

// Message returns the human-readable metadata message for a status.
func Message(status string) string {
	return messages[status]
}

// Metadata carries the human-readable part of a report.
type Metadata struct {
	Message string `json:"message"`
}

// Report is the record derived from one disassembly result.
type Report struct {
	Architecture      string                 `json:"architecture"`
	BaseAddr          uint64                 `json:"base_addr"`
	Bitness           int                    `json:"bitness"`
	BufferSize        int                    `json:"buffer_size"`
	DisassemblyErrors []disasm.AnalysisError `json:"disassembly_errors"`
	ExecutionTime     float64                `json:"execution_time"`
	Metadata          Metadata               `json:"metadata"`
	SHA256            string                 `json:"sha256"`
	SmdaVersion       string                 `json:"smda_version"`
	Status            string                 `json:"status"`
	Summary           statistics.Summary     `json:"summary"`
	Timestamp         string                 `json:"timestamp"`
	XCFG              disasm.CFG             `json:"xcfg"`
	Filename          string                 `json:"filename"`
}

// IsEmpty reports whether r was synthesised from no result at all.
func (r *Report) IsEmpty() bool {
	return r == nil || r.SHA256 == ""
}

// MarshalJSON encodes an empty report as {}.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.IsEmpty() {
		return []byte("{}"), nil
	}
	type plain Report
	return json.Marshal(plain(r))
}

// Synthesizer builds reports. The zero value is not usable; use
// NewSynthesizer.
type Synthesizer struct {
	Version string
	Stats   statistics.Calculator
	Now     func() time.Time
}

// NewSynthesizer returns a synthesizer stamping reports with version.
func NewSynthesizer(version string) *Synthesizer {
	return &Synthesizer{
		Version: version,
		Stats:   statistics.Default{},
		Now:     time.Now,
	}
}

// Synthesize derives a report from res. It does not modify res. Two calls
// on the same result differ at most in Timestamp.
func (s *Synthesizer) Synthesize(res *disasm.Result) Report {
	if res == nil {
		return Report{}
	}
	bin := res.Binary()
	sum := sha256.Sum256(bin)
	status := res.AnalysisOutcome()

	errs := make([]disasm.AnalysisError, len(res.Errors))
	copy(errs, res.Errors)

	return Report{
		Architecture:      res.Architecture,
		BaseAddr:          res.BaseAddr,
		Bitness:           res.Bitness,
		BufferSize:        len(bin),
		DisassemblyErrors: errs,
		ExecutionTime:     res.AnalysisDuration(),
		Metadata:          Metadata{Message: Message(status)},
		SHA256:            hex.EncodeToString(sum[:]),
		SmdaVersion:       s.Version,
		Status:            status,
		Summary:           s.Stats.Calculate(res),
		Timestamp:         s.Now().UTC().Format(TimestampLayout),
		XCFG:              res.CollectCFG(),
	}
}
