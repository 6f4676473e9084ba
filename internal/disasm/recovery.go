package disasm

import "slices"

// pollInterval bounds how many instructions are decoded between two calls
// of the abort predicate inside a single function.
const pollInterval = 64

// FetchFunc returns the instruction starting at va.
type FetchFunc func(va uint64) (Inst, error)

// Recoverer discovers functions and basic blocks by recursive descent from
// a set of seed addresses. Both backends share it; they only differ in how
// instructions are fetched.
type Recoverer struct {
	Fetch        FetchFunc
	Abort        AbortFunc
	Names        map[uint64]string
	MaxFunctions int // 0 means unlimited
}

// Run recovers functions into res starting from seeds. Direct call targets
// found along the way are queued as further function entries. It returns
// false when the abort predicate fired before the queue was drained.
func (rc *Recoverer) Run(res *Result, seeds []uint64) bool {
	abort := rc.Abort
	if abort == nil {
		abort = Never
	}

	queued := make(map[uint64]bool, len(seeds))
	var queue []uint64
	enqueue := func(va uint64) {
		if queued[va] || !res.Contains(va) {
			return
		}
		queued[va] = true
		queue = append(queue, va)
	}
	for _, s := range seeds {
		enqueue(s)
	}

	for len(queue) > 0 {
		if abort() {
			return false
		}
		if rc.MaxFunctions > 0 && len(res.Functions) >= rc.MaxFunctions {
			res.AddError(queue[0], "function limit of %d reached, %d candidates skipped", rc.MaxFunctions, len(queue))
			return true
		}
		entry := queue[0]
		queue = queue[1:]
		if _, done := res.Functions[entry]; done {
			continue
		}

		fn, ok := rc.function(res, entry, abort)
		if !ok {
			return false
		}
		res.Functions[entry] = fn
		for _, c := range fn.CallRefs {
			enqueue(c)
		}
	}
	return true
}

func (rc *Recoverer) function(res *Result, entry uint64, abort AbortFunc) (*Function, bool) {
	fn := &Function{Addr: entry, Name: rc.Names[entry]}
	insts := make(map[uint64]Inst)
	leaders := map[uint64]bool{entry: true}
	work := []uint64{entry}
	decoded := 0

	for len(work) > 0 {
		if abort() {
			return nil, false
		}
		va := work[len(work)-1]
		work = work[:len(work)-1]

	path:
		for {
			if _, seen := insts[va]; seen {
				break
			}
			if !res.Contains(va) {
				res.AddError(va, "instruction stream runs past the end of the buffer")
				fn.Failed = true
				break
			}
			decoded++
			if decoded%pollInterval == 0 && abort() {
				return nil, false
			}
			in, err := rc.Fetch(va)
			if err != nil {
				res.AddError(va, "%v", err)
				fn.Failed = true
				break
			}
			insts[va] = in

			switch in.Flow {
			case FlowCall:
				if in.Direct && res.Contains(in.Target) {
					fn.CallRefs = append(fn.CallRefs, in.Target)
				}
				va = in.Next()
			case FlowJump:
				if in.Direct && res.Contains(in.Target) {
					leaders[in.Target] = true
					work = append(work, in.Target)
				}
				break path
			case FlowCondJump:
				if in.Direct && res.Contains(in.Target) {
					leaders[in.Target] = true
					work = append(work, in.Target)
				}
				leaders[in.Next()] = true
				work = append(work, in.Next())
				break path
			case FlowReturn:
				break path
			default:
				va = in.Next()
			}
		}
	}

	starts := make([]uint64, 0, len(leaders))
	for va := range leaders {
		if _, ok := insts[va]; ok {
			starts = append(starts, va)
		}
	}
	slices.Sort(starts)

	for _, start := range starts {
		b := &Block{Addr: start}
		va := start
		for {
			in, ok := insts[va]
			if !ok {
				break
			}
			b.Insts = append(b.Insts, in)
			if in.EndsBlock() {
				if in.Flow != FlowReturn && in.Direct {
					if _, ok := insts[in.Target]; ok {
						b.Successors = append(b.Successors, in.Target)
					}
				}
				if in.Flow == FlowCondJump {
					if _, ok := insts[in.Next()]; ok {
						b.Successors = append(b.Successors, in.Next())
					}
				}
				break
			}
			if leaders[in.Next()] {
				if _, ok := insts[in.Next()]; ok {
					b.Successors = append(b.Successors, in.Next())
				}
				break
			}
			va = in.Next()
		}
		fn.Blocks = append(fn.Blocks, b)
	}
	return fn, true
}
