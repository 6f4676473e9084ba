// Package statistics summarises a disassembly result.
package statistics

import "smda/internal/disasm"

// Summary is the "summary" object of a report.
type Summary struct {
	NumFunctions          int `json:"num_functions"`
	NumRecursiveFunctions int `json:"num_recursive_functions"`
	NumLeafFunctions      int `json:"num_leaf_functions"`
	NumBasicBlocks        int `json:"num_basic_blocks"`
	NumInstructions       int `json:"num_instructions"`
	NumFunctionCalls      int `json:"num_function_calls"`
	NumFailedFunctions    int `json:"num_failed_functions"`
	NumErrors             int `json:"num_errors"`
}

// Calculator computes a Summary. It is an interface so reports can be
// synthesised with a different statistics provider.
type Calculator interface {
	Calculate(res *disasm.Result) Summary
}

// Default counts functions, blocks and instructions of a result.
type Default struct{}

// Calculate implements Calculator. A nil result yields a zero Summary.
func (Default) Calculate(res *disasm.Result) Summary {
	var s Summary
	if res == nil {
		return s
	}
	s.NumFunctions = len(res.Functions)
	s.NumErrors = len(res.Errors)
	for _, fn := range res.Functions {
		if fn.Failed {
			s.NumFailedFunctions++
		}
		calls := 0
		for _, b := range fn.Blocks {
			s.NumBasicBlocks++
			s.NumInstructions += len(b.Insts)
			for _, in := range b.Insts {
				if in.Flow == disasm.FlowCall {
					calls++
				}
			}
		}
		s.NumFunctionCalls += calls
		if calls == 0 {
			s.NumLeafFunctions++
		}
		for _, ref := range fn.CallRefs {
			if ref == fn.Addr {
				s.NumRecursiveFunctions++
				break
			}
		}
	}
	return s
}
