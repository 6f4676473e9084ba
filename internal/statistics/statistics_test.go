package statistics

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"smda/internal/disasm"
)

func TestCalculate(t *testing.T) {
	res := disasm.NewResult(disasm.ArchIntel, make([]byte, 32), 0x1000, 32, time.Unix(0, 0))
	call := func(va, target uint64) disasm.Inst {
		return disasm.Inst{VA: va, Size: 5, Op: "call", Flow: disasm.FlowCall, Target: target, Direct: true}
	}
	ret := func(va uint64) disasm.Inst {
		return disasm.Inst{VA: va, Size: 1, Op: "ret", Flow: disasm.FlowReturn}
	}

	// 0x1000 calls itself and 0x1010; 0x1010 is a leaf that failed half way.
	res.Functions[0x1000] = &disasm.Function{
		Addr: 0x1000,
		Blocks: []*disasm.Block{
			{Addr: 0x1000, Insts: disasm.Stream{call(0x1000, 0x1000), call(0x1005, 0x1010)}, Successors: []uint64{0x100a}},
			{Addr: 0x100a, Insts: disasm.Stream{ret(0x100a)}},
		},
		CallRefs: []uint64{0x1000, 0x1010},
	}
	res.Functions[0x1010] = &disasm.Function{
		Addr:   0x1010,
		Blocks: []*disasm.Block{{Addr: 0x1010, Insts: disasm.Stream{ret(0x1010)}}},
		Failed: true,
	}
	res.AddError(0x1011, "bad instruction")

	want := Summary{
		NumFunctions:          2,
		NumRecursiveFunctions: 1,
		NumLeafFunctions:      1,
		NumBasicBlocks:        3,
		NumInstructions:       4,
		NumFunctionCalls:      2,
		NumFailedFunctions:    1,
		NumErrors:             1,
	}
	if diff := cmp.Diff(want, Default{}.Calculate(res)); diff != "" {
		t.Errorf("Calculate() mismatch (-want +got):\n%s", diff)
	}
}

func TestCalculateNil(t *testing.T) {
	if got := (Default{}).Calculate(nil); got != (Summary{}) {
		t.Errorf("Calculate(nil) = %+v, want zero", got)
	}
}
