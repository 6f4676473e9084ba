package disasm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// table is a fake instruction source keyed by address.
type table map[uint64]Inst

func (t table) fetch(va uint64) (Inst, error) {
	in, ok := t[va]
	if !ok {
		return Inst{}, errors.New("invalid instruction")
	}
	return in, nil
}

func inst(va uint64, op string, flow Flow, target uint64) Inst {
	return Inst{VA: va, Size: 1, Bytes: []byte{0x90}, Op: op, Flow: flow, Target: target, Direct: flow != FlowNone && flow != FlowReturn}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want float64
	}{
		{"zero", 0, 0},
		{"negative", -3 * time.Second, 0},
		{"whole", 2 * time.Second, 2},
		{"micro remainder", 1500*time.Millisecond + 250*time.Microsecond, 1.50025},
		{"nanos truncated", time.Second + 999*time.Nanosecond, 1},
		{"sub-second", 123456 * time.Microsecond, 0.123456},
		{"long run", 3*time.Minute + 7*time.Microsecond, 180.000007},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Seconds(tt.d); got != tt.want {
				t.Errorf("Seconds(%v) = %v, want %v", tt.d, got, tt.want)
			}
		})
	}
}

func TestResultOwnsBuffer(t *testing.T) {
	buf := []byte{1, 2, 3}
	res := NewResult(ArchIntel, buf, 0x1000, 32, time.Now())
	buf[0] = 0xff
	if res.Binary()[0] != 1 {
		t.Fatalf("result buffer changed with caller buffer: %x", res.Binary())
	}
	if !res.Contains(0x1002) || res.Contains(0x1003) || res.Contains(0xfff) {
		t.Errorf("Contains bounds wrong")
	}
}

func TestAnalysisOutcome(t *testing.T) {
	start := time.Unix(100, 0)
	tests := []struct {
		name       string
		completion Completion
		errs       int
		want       string
	}{
		{"clean", CompletionFinished, 0, OutcomeOK},
		{"errors", CompletionFinished, 2, OutcomePartialError},
		{"timeout without errors", CompletionTimeout, 0, OutcomeTimeout},
		{"timeout wins over errors", CompletionTimeout, 1, OutcomeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewResult(ArchIntel, nil, 0, 64, start)
			for i := 0; i < tt.errs; i++ {
				res.AddError(uint64(i), "bad %d", i)
			}
			res.Finish(start.Add(time.Second), tt.completion)
			if got := res.AnalysisOutcome(); got != tt.want {
				t.Errorf("AnalysisOutcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFinishClampsEnd(t *testing.T) {
	start := time.Unix(100, 0)
	res := NewResult(ArchIntel, nil, 0, 64, start)
	res.Finish(start.Add(-time.Minute), CompletionFinished)
	if !res.End.Equal(start) {
		t.Errorf("End = %v, want %v", res.End, start)
	}
	if d := res.AnalysisDuration(); d != 0 {
		t.Errorf("AnalysisDuration() = %v, want 0", d)
	}
}

func TestRecovererBlocks(t *testing.T) {
	// 0: cjump 3 -> blocks {0}, {1,2}, {3,4}
	// 2: jump 4 (into middle of the 3.. run, splitting it)
	// 4: call 6, 5: ret
	// 6: ret (callee)
	code := table{
		0: inst(0, "je", FlowCondJump, 3),
		1: inst(1, "nop", FlowNone, 0),
		2: inst(2, "jmp", FlowJump, 4),
		3: inst(3, "nop", FlowNone, 0),
		4: inst(4, "call", FlowCall, 6),
		5: inst(5, "ret", FlowReturn, 0),
		6: inst(6, "ret", FlowReturn, 0),
	}
	res := NewResult(ArchIntel, make([]byte, 7), 0, 32, time.Now())
	rc := &Recoverer{Fetch: code.fetch, Names: map[uint64]string{6: "callee"}}
	if !rc.Run(res, []uint64{0}) {
		t.Fatal("Run aborted")
	}
	if len(res.Functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(res.Functions))
	}

	got := map[uint64][]uint64{}
	sizes := map[uint64]int{}
	for _, b := range res.Functions[0].Blocks {
		got[b.Addr] = b.Successors
		sizes[b.Addr] = len(b.Insts)
	}
	wantSucc := map[uint64][]uint64{0: {3, 1}, 1: {4}, 3: {4}, 4: nil}
	if diff := cmp.Diff(wantSucc, got); diff != "" {
		t.Errorf("successors mismatch (-want +got):\n%s", diff)
	}
	wantSizes := map[uint64]int{0: 1, 1: 2, 3: 1, 4: 2}
	if diff := cmp.Diff(wantSizes, sizes); diff != "" {
		t.Errorf("block sizes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{6}, res.Functions[0].CallRefs); diff != "" {
		t.Errorf("call refs mismatch (-want +got):\n%s", diff)
	}
	if res.Functions[6].Name != "callee" {
		t.Errorf("callee name = %q", res.Functions[6].Name)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestRecovererRecordsDecodeErrors(t *testing.T) {
	code := table{
		0: inst(0, "nop", FlowNone, 0),
		// 1 is missing and fails to decode
	}
	res := NewResult(ArchIntel, make([]byte, 4), 0, 32, time.Now())
	rc := &Recoverer{Fetch: code.fetch}
	if !rc.Run(res, []uint64{0}) {
		t.Fatal("Run aborted")
	}
	if len(res.Errors) != 1 || res.Errors[0].Address != 1 {
		t.Fatalf("errors = %v, want one at 1", res.Errors)
	}
	if !res.Functions[0].Failed {
		t.Error("function not marked failed")
	}
}

func TestRecovererAbort(t *testing.T) {
	code := table{}
	for i := uint64(0); i < 16; i++ {
		code[i] = inst(i, "call", FlowCall, i+1)
	}
	code[15] = inst(15, "ret", FlowReturn, 0)
	res := NewResult(ArchIntel, make([]byte, 16), 0, 32, time.Now())

	polls := 0
	rc := &Recoverer{Fetch: code.fetch, Abort: func() bool {
		polls++
		return polls > 3
	}}
	if rc.Run(res, []uint64{0}) {
		t.Fatal("Run completed, want abort")
	}
	if len(res.Functions) == 0 {
		t.Error("partial progress lost")
	}
}

func TestRecovererFunctionLimit(t *testing.T) {
	code := table{
		0: inst(0, "call", FlowCall, 2),
		1: inst(1, "ret", FlowReturn, 0),
		2: inst(2, "call", FlowCall, 4),
		3: inst(3, "ret", FlowReturn, 0),
		4: inst(4, "ret", FlowReturn, 0),
	}
	res := NewResult(ArchIntel, make([]byte, 5), 0, 32, time.Now())
	rc := &Recoverer{Fetch: code.fetch, MaxFunctions: 2}
	if !rc.Run(res, []uint64{0}) {
		t.Fatal("Run aborted")
	}
	if len(res.Functions) != 2 {
		t.Errorf("got %d functions, want 2", len(res.Functions))
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want the limit notice", res.Errors)
	}
}

func TestCollectCFG(t *testing.T) {
	res := NewResult(ArchIntel, []byte{0x55, 0xc3}, 0x400000, 32, time.Now())
	if got := res.CollectCFG(); got == nil || len(got) != 0 {
		t.Fatalf("empty result CFG = %#v, want empty map", got)
	}

	res.Functions[0x400000] = &Function{
		Addr: 0x400000,
		Name: "main",
		Blocks: []*Block{{
			Addr: 0x400000,
			Insts: Stream{
				{VA: 0x400000, Size: 1, Bytes: []byte{0x55}, Op: "push", Operands: "ebp"},
				{VA: 0x400001, Size: 1, Bytes: []byte{0xc3}, Op: "ret", Flow: FlowReturn},
			},
		}},
	}
	data, err := json.Marshal(res.CollectCFG())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"4194304":{"offset":4194304,"name":"main","blocks":{"4194304":[[4194304,"55","push","ebp"],[4194305,"c3","ret",""]]},"block_refs":{},"call_refs":[]}}`
	if string(data) != want {
		t.Errorf("CFG JSON\n got: %s\nwant: %s", data, want)
	}

	var back CFG
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(res.CollectCFG(), back); diff != "" {
		t.Errorf("decoded CFG mismatch (-want +got):\n%s", diff)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		fn   Function
		want string
	}{
		{Function{Addr: 0x1234}, "sub_1234"},
		{Function{Addr: 1, Name: "main"}, "main"},
		{Function{Addr: 1, Name: "_ZN3foo3barEv"}, "foo::bar()"},
	}
	for _, tt := range tests {
		if got := tt.fn.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.fn.Name, got, tt.want)
		}
	}
}
