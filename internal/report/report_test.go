package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"smda/internal/disasm"
	"smda/internal/statistics"
)

type countingStats struct {
	calls int
}

func (c *countingStats) Calculate(res *disasm.Result) statistics.Summary {
	c.calls++
	return statistics.Summary{NumFunctions: len(res.Functions)}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func newResult(buf []byte, c disasm.Completion, errs int) *disasm.Result {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	res := disasm.NewResult(disasm.ArchIntel, buf, 0x400000, 32, start)
	for i := range errs {
		res.AddError(0x400000+uint64(i), "decode error %d", i)
	}
	res.Finish(start.Add(1250*time.Millisecond), c)
	return res
}

func TestSynthesizeZeroBuffer(t *testing.T) {
	s := NewSynthesizer("1.13.2")
	s.Now = fixedClock(time.Date(2024, 3, 1, 10, 0, 2, 0, time.FixedZone("CET", 3600)))

	r := s.Synthesize(newResult(make([]byte, 16), disasm.CompletionFinished, 0))

	if r.SHA256 != "374708fff7719dd5979ec875d56cd2286f6d3cf7ec317a3b25632aab28ec37bb" {
		t.Errorf("sha256 = %s", r.SHA256)
	}
	if r.BufferSize != 16 || r.BaseAddr != 0x400000 || r.Bitness != 32 {
		t.Errorf("buffer_size/base_addr/bitness = %d/%x/%d", r.BufferSize, r.BaseAddr, r.Bitness)
	}
	if r.Status != disasm.OutcomeOK || r.Metadata.Message != "Analysis finished regularly." {
		t.Errorf("status = %q, message = %q", r.Status, r.Metadata.Message)
	}
	if r.ExecutionTime != 1.25 {
		t.Errorf("execution_time = %v, want 1.25", r.ExecutionTime)
	}
	if r.Timestamp != "2024-03-01T09-00-02" {
		t.Errorf("timestamp = %q, want UTC 2024-03-01T09-00-02", r.Timestamp)
	}
	if r.SmdaVersion != "1.13.2" || r.Filename != "" {
		t.Errorf("version = %q, filename = %q", r.SmdaVersion, r.Filename)
	}
}

func TestReportKeys(t *testing.T) {
	r := NewSynthesizer("1.0").Synthesize(newResult([]byte("abc"), disasm.CompletionFinished, 0))
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	var keys []string
	for k := range got {
		keys = append(keys, k)
	}
	want := []string{
		"architecture", "base_addr", "bitness", "buffer_size", "disassembly_errors",
		"execution_time", "filename", "metadata", "sha256", "smda_version", "status",
		"summary", "timestamp", "xcfg",
	}
	if diff := cmp.Diff(want, keys, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if string(got["disassembly_errors"]) != "[]" || string(got["xcfg"]) != "{}" {
		t.Errorf("disassembly_errors = %s, xcfg = %s", got["disassembly_errors"], got["xcfg"])
	}
	if string(got["sha256"]) != `"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"` {
		t.Errorf("sha256 = %s", got["sha256"])
	}
}

func TestSynthesizeStatus(t *testing.T) {
	tests := []struct {
		name       string
		completion disasm.Completion
		errors     int
		want       string
	}{
		{"ok", disasm.CompletionFinished, 0, disasm.OutcomeOK},
		{"partial", disasm.CompletionFinished, 2, disasm.OutcomePartialError},
		{"timeout", disasm.CompletionTimeout, 0, disasm.OutcomeTimeout},
		{"timeout wins over errors", disasm.CompletionTimeout, 3, disasm.OutcomeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewSynthesizer("1.0").Synthesize(newResult([]byte{0xc3}, tt.completion, tt.errors))
			if r.Status != tt.want {
				t.Errorf("status = %q, want %q", r.Status, tt.want)
			}
			if r.Metadata.Message != Message(tt.want) || r.Metadata.Message == "" {
				t.Errorf("message = %q", r.Metadata.Message)
			}
			if len(r.DisassemblyErrors) != tt.errors {
				t.Errorf("disassembly_errors = %v", r.DisassemblyErrors)
			}
		})
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	res := newResult([]byte{0x55, 0x89, 0xe5, 0xc3}, disasm.CompletionFinished, 1)
	res.Functions[0x400000] = &disasm.Function{
		Addr: 0x400000,
		Blocks: []*disasm.Block{{Addr: 0x400000, Insts: disasm.Stream{
			{VA: 0x400000, Size: 1, Bytes: []byte{0x55}, Op: "push", Operands: "ebp"},
		}}},
	}
	stats := &countingStats{}
	s := &Synthesizer{Version: "1.0", Stats: stats, Now: time.Now}

	first := s.Synthesize(res)
	s.Now = fixedClock(time.Unix(0, 0))
	second := s.Synthesize(res)

	if stats.calls != 2 {
		t.Errorf("statistics calculated %d times over two reports, want 2", stats.calls)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(Report{}, "Timestamp")); diff != "" {
		t.Errorf("reports differ beyond timestamp (-first +second):\n%s", diff)
	}
	if len(res.Errors) != 1 || len(res.Binary()) != 4 {
		t.Errorf("Synthesize modified the result")
	}
}

func TestSynthesizeNil(t *testing.T) {
	r := NewSynthesizer("1.0").Synthesize(nil)
	if !r.IsEmpty() {
		t.Fatalf("Synthesize(nil) = %+v, want empty", r)
	}
	data, _ := json.Marshal(r)
	if string(data) != "{}" {
		t.Errorf("empty report encodes as %s", data)
	}
}

func TestSynthesizeExecutionTimeNonNegative(t *testing.T) {
	start := time.Unix(100, 0)
	res := disasm.NewResult(disasm.ArchIntel, []byte{0xc3}, 0, 32, start)
	res.Finish(start.Add(-time.Second), disasm.CompletionFinished)
	if got := NewSynthesizer("1.0").Synthesize(res).ExecutionTime; got != 0 {
		t.Errorf("execution_time = %v, want 0", got)
	}
}

func TestOutcomeJSON(t *testing.T) {
	f := Failed(NewFailure("boom\ngoroutine 1 [running]:", 2*time.Second+500*time.Millisecond))
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"status":"error","meta":{"traceback":"boom\ngoroutine 1 [running]:"},"execution_time":2.5}`
	if string(data) != want {
		t.Errorf("failure JSON = %s\nwant %s", data, want)
	}
	if f.OK() || f.Status() != StatusError {
		t.Errorf("OK() = %v, Status() = %q", f.OK(), f.Status())
	}

	ok := Succeeded(NewSynthesizer("1.0").Synthesize(newResult([]byte{0xc3}, disasm.CompletionFinished, 0)))
	data, err = json.Marshal(ok)
	if err != nil {
		t.Fatal(err)
	}
	if !ok.OK() || !strings.Contains(string(data), `"status":"ok"`) {
		t.Errorf("report outcome = %s", data)
	}
}
