package disasm

import (
	"encoding/json"
	"strconv"
)

// CFG is the serialisable control-flow graph, keyed by the decimal function
// address. encoding/json sorts map keys, so the encoding is deterministic.
type CFG map[string]FunctionCFG

// FunctionCFG is one function of the serialised graph.
type FunctionCFG struct {
	Offset    uint64                  `json:"offset"`
	Name      string                  `json:"name,omitempty"`
	Blocks    map[string][]InstRecord `json:"blocks"`
	BlockRefs map[string][]uint64     `json:"block_refs"`
	CallRefs  []uint64                `json:"call_refs"`
	Failed    bool                    `json:"failed,omitempty"`
}

// InstRecord encodes as [offset, "bytes", "mnemonic", "operands"].
type InstRecord struct {
	Offset   uint64
	Bytes    string
	Mnemonic string
	Operands string
}

func (r InstRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Offset, r.Bytes, r.Mnemonic, r.Operands})
}

func (r *InstRecord) UnmarshalJSON(data []byte) error {
	var raw [4]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &r.Offset); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &r.Bytes); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &r.Mnemonic); err != nil {
		return err
	}
	return json.Unmarshal(raw[3], &r.Operands)
}

func addrKey(a uint64) string {
	return strconv.FormatUint(a, 10)
}

// CollectCFG serialises the recovered functions. An empty result yields an
// empty, non-nil graph.
func (r *Result) CollectCFG() CFG {
	out := make(CFG, len(r.Functions))
	for _, f := range r.Functions {
		fc := FunctionCFG{
			Offset:    f.Addr,
			Name:      f.Name,
			Blocks:    make(map[string][]InstRecord, len(f.Blocks)),
			BlockRefs: make(map[string][]uint64),
			CallRefs:  append([]uint64{}, f.CallRefs...),
			Failed:    f.Failed,
		}
		for _, b := range f.Blocks {
			recs := make([]InstRecord, 0, len(b.Insts))
			for _, in := range b.Insts {
				recs = append(recs, InstRecord{
					Offset:   in.VA,
					Bytes:    in.Hex(),
					Mnemonic: in.Op,
					Operands: in.Operands,
				})
			}
			fc.Blocks[addrKey(b.Addr)] = recs
			if len(b.Successors) > 0 {
				fc.BlockRefs[addrKey(b.Addr)] = append([]uint64{}, b.Successors...)
			}
		}
		out[addrKey(f.Addr)] = fc
	}
	return out
}
