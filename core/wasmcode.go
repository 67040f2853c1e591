package core

// WasmCode validates and instruments uploaded programs before they are ever
// executed. Validation enforces the shape ExecutionCore relies on (required
// and known exports, no start section, static memory within MaxWasmPages);
// it does not inspect the import section. Instrumentation
// rewrites every function body so gas accounting and stack-depth limiting
// are enforced by the WASM runtime itself: per-basic-block charges against
// an injected gas global, an out-of-gas trap, and a shadow call-stack
// counter, so a pure-compute loop is bounded exactly like one that calls
// host functions.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// requiredExports lists the entrypoints every program must export.
var requiredExports = []string{"init", "handle"}

// optionalExports lists entrypoints a program may additionally export.
var optionalExports = map[string]bool{
	"handle_reply": true,
	"handle_signal": true,
	"state":        true,
	"metahash":     true,
	"memory":       true, // every program exports its linear memory
}

// bannedExports may never appear, regardless of the above. GasGlobalExport
// is reserved: instrumentation injects it, so uploaded code may not claim it.
var bannedExports = map[string]bool{
	"__indirect_function_table": true,
	GasGlobalExport:             true,
}

// SectionSize pairs a WASM section name with its encoded byte length.
// CodeMetadata keeps these as a sorted slice rather than a map: the
// go-ethereum rlp codec every persisted structure goes through has no map
// encoder, and a slice sorted by Name also keeps the value itself
// order-independent.
type SectionSize struct {
	Name string
	Size uint32
}

// CodeMetadata is the content-addressed summary of a validated module; it
// is stored independently of the instrumented bytes so callers
// that only need shape information (e.g. the router's CodeValidated event
// payload) avoid fetching the whole module.
type CodeMetadata struct {
	OriginalLen         uint32
	Exports             []string
	StaticPages         uint32
	StackEnd            uint32
	SectionSizes        []SectionSize
	InstrWeightsVersion uint32
}

// HasExport reports whether m's module exports name.
func (m CodeMetadata) HasExport(name string) bool {
	for _, e := range m.Exports {
		if e == name {
			return true
		}
	}
	return false
}

// SectionSizeOf returns the byte length recorded for section name, or 0 if the
// module carried no such section.
func (m CodeMetadata) SectionSizeOf(name string) uint32 {
	for _, s := range m.SectionSizes {
		if s.Name == name {
			return s.Size
		}
	}
	return 0
}

// InstantiationCost sums weight.ModuleInstantiationPerByte-scaled
// per-section charges across every section this module carries.
func (m CodeMetadata) InstantiationCost(w GasWeights) uint64 {
	var total uint64
	for _, s := range m.SectionSizes {
		total += uint64(s.Size) * w.ModuleInstantiationPerByte
	}
	return total
}

// wasmModule is the minimal parse of a WASM binary's top-level sections
// ExecutionCore and validation need. It deliberately does not decode
// instruction bodies beyond what gas-metering instrumentation requires;
// wasmer-go performs full validation/compilation downstream.
type wasmModule struct {
	sections      map[byte][]byte
	exports       []string
	importedMemory bool
	importNames    []string
	staticPages    uint32
}

const (
	wasmSecType     = 1
	wasmSecImport   = 2
	wasmSecFunction = 3
	wasmSecMemory   = 5
	wasmSecGlobal   = 6
	wasmSecExport   = 7
	wasmSecStart    = 8
	wasmSecCode     = 10
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// parseWasmModule walks a WASM binary's section headers without fully
// decoding bodies; validation only needs section shapes.
func parseWasmModule(code []byte) (*wasmModule, error) {
	if len(code) < 8 || !bytes.Equal(code[:4], wasmMagic) {
		return nil, &CodeError{Reason: "not a WASM module"}
	}
	m := &wasmModule{sections: make(map[byte][]byte)}
	r := bytes.NewReader(code[8:])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, &CodeError{Reason: "truncated section header"}
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, &CodeError{Reason: "malformed section length"}
		}
		body := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, &CodeError{Reason: fmt.Sprintf("truncated section %d", id)}
			}
		}
		m.sections[id] = body
	}
	return m, nil
}

// ValidateCode enforces the structural constraints on a raw WASM module and
// returns the metadata a valid module produces.
func ValidateCode(code []byte, limits Limits, instrWeightsVersion uint32) (CodeMetadata, error) {
	if len(code) == 0 {
		return CodeMetadata{}, &CodeError{Reason: "empty module"}
	}
	mod, err := parseWasmModule(code)
	if err != nil {
		return CodeMetadata{}, err
	}

	exports := exportNames(mod)
	for _, req := range requiredExports {
		found := false
		for _, e := range exports {
			if e == req {
				found = true
				break
			}
		}
		if !found {
			return CodeMetadata{}, &CodeError{Reason: fmt.Sprintf("missing required export %q", req)}
		}
	}
	for _, e := range exports {
		if bannedExports[e] {
			return CodeMetadata{}, &CodeError{Reason: fmt.Sprintf("banned export %q", e)}
		}
		if !optionalExports[e] && e != "init" && e != "handle" {
			return CodeMetadata{}, &CodeError{Reason: fmt.Sprintf("unknown export %q", e)}
		}
	}
	if _, hasStart := mod.sections[wasmSecStart]; hasStart {
		return CodeMetadata{}, &CodeError{Reason: "start section is forbidden"}
	}

	staticPages := staticPageCount(mod)
	if staticPages > limits.MaxWasmPages {
		return CodeMetadata{}, &CodeError{Reason: fmt.Sprintf("static memory %d pages exceeds max %d", staticPages, limits.MaxWasmPages)}
	}

	ids := make([]byte, 0, len(mod.sections))
	for id := range mod.sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sizes := make([]SectionSize, 0, len(ids))
	for _, id := range ids {
		sizes = append(sizes, SectionSize{Name: sectionName(id), Size: uint32(len(mod.sections[id]))})
	}

	return CodeMetadata{
		OriginalLen:         uint32(len(code)),
		Exports:             exports,
		StaticPages:         staticPages,
		StackEnd:            0,
		SectionSizes:        sizes,
		InstrWeightsVersion: instrWeightsVersion,
	}, nil
}

func exportNames(m *wasmModule) []string {
	// The export section body is a vector of (name, kind, index) records;
	// only the name needs decoding here since kind/index are opaque to
	// shape validation.
	body := m.sections[wasmSecExport]
	var names []string
	r := bytes.NewReader(body)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil
	}
	for i := uint64(0); i < count; i++ {
		nlen, err := binary.ReadUvarint(r)
		if err != nil {
			break
		}
		nb := make([]byte, nlen)
		if _, err := r.Read(nb); err != nil {
			break
		}
		names = append(names, string(nb))
		// kind (1 byte) + index (varint); skip both.
		if _, err := r.ReadByte(); err != nil {
			break
		}
		if _, err := binary.ReadUvarint(r); err != nil {
			break
		}
	}
	return names
}

func staticPageCount(m *wasmModule) uint32 {
	body := m.sections[wasmSecMemory]
	r := bytes.NewReader(body)
	count, err := binary.ReadUvarint(r)
	if err != nil || count == 0 {
		return 0
	}
	flags, err := r.ReadByte()
	if err != nil {
		return 0
	}
	min, err := binary.ReadUvarint(r)
	if err != nil {
		return 0
	}
	_ = flags
	return uint32(min)
}

func sectionName(id byte) string {
	switch id {
	case wasmSecType:
		return "type"
	case wasmSecImport:
		return "import"
	case wasmSecFunction:
		return "function"
	case wasmSecMemory:
		return "memory"
	case wasmSecGlobal:
		return "global"
	case wasmSecExport:
		return "export"
	case wasmSecStart:
		return "start"
	case wasmSecCode:
		return "code"
	default:
		return fmt.Sprintf("section_%d", id)
	}
}

// InstrumentedCodeCache memoizes instrumentation output keyed by (code id,
// weights version), since re-instrumenting a popular program's code on
// every invocation would be wasted work. A weights bump changes the key, so
// stale instrumentation falls out of use lazily.
type InstrumentedCodeCache struct {
	db *StateDB
}

// NewInstrumentedCodeCache constructs a cache backed by db.
func NewInstrumentedCodeCache(db *StateDB) *InstrumentedCodeCache {
	return &InstrumentedCodeCache{db: db}
}

// instrumentedCacheKey derives the content hash instrumented code is stored
// and looked up under.
func instrumentedCacheKey(codeID Hash, weightsVersion uint32) Hash {
	var buf [36]byte
	copy(buf[:32], codeID[:])
	binary.BigEndian.PutUint32(buf[32:], weightsVersion)
	return HashBytes(buf[:])
}

// GetOrInstrument returns the instrumented module for codeID under the
// given weights table, instrumenting and caching it on first use.
func (c *InstrumentedCodeCache) GetOrInstrument(codeID Hash, weights GasWeights) ([]byte, error) {
	key := instrumentedCacheKey(codeID, weights.Version)
	if h, ok := c.db.GetInstrumentedIndex(key); ok {
		if data, ok := c.db.GetInstrumentedCode(h); ok {
			return data, nil
		}
	}
	original, ok := c.db.GetOriginalCode(codeID)
	if !ok {
		return nil, &CodeError{Reason: "original code not found"}
	}
	instrumented, err := instrument(original, weights)
	if err != nil {
		return nil, err
	}
	h := c.db.PutInstrumentedCode(instrumented)
	c.db.SetInstrumentedIndex(key, h)
	return instrumented, nil
}

// GasGlobalExport is the name under which instrumentation exports the
// injected gas-counter global. ExecutionCore seeds it with the dispatch's
// remaining gas before invoking the entrypoint and reads the residue back
// afterwards; the injected bytecode decrements it per basic block and traps
// when it would go negative.
const GasGlobalExport = "gear_gas"

// outOfGasSentinel is the value the injected trap sequence stores into the
// gas global just before executing `unreachable`, so the host can tell an
// out-of-gas trap apart from a userspace panic.
const outOfGasSentinel = int64(-1)

// stackHeightLimit bounds the injected shadow call-stack counter; a call
// chain deeper than this traps instead of exhausting the native stack.
const stackHeightLimit = 1024

// instrument rewrites every function body of the module so that compute is
// hard-bounded by gas: a mutable i64 gas global (exported as GasGlobalExport)
// is charged once per basic block with the accumulated instruction cost and
// traps on underflow, and a mutable i32 shadow stack-height global is
// incremented on function entry, checked against stackHeightLimit, and
// decremented on return. Instrumenting already-instrumented bytes is a
// no-op: the injected export marks the module as done.
func instrument(original []byte, weights GasWeights) ([]byte, error) {
	if len(original) == 0 {
		return nil, &CodeError{Reason: "empty module"}
	}
	mod, err := parseWasmModule(original)
	if err != nil {
		return nil, err
	}
	for _, name := range exportNames(mod) {
		if name == GasGlobalExport {
			out := make([]byte, len(original))
			copy(out, original)
			return out, nil
		}
	}
	codeBody, ok := mod.sections[wasmSecCode]
	if !ok {
		// No function bodies means nothing can loop; leave the module alone.
		out := make([]byte, len(original))
		copy(out, original)
		return out, nil
	}

	importedGlobals, err := countImportedGlobals(mod.sections[wasmSecImport])
	if err != nil {
		return nil, err
	}
	localGlobals, err := globalEntryCount(mod.sections[wasmSecGlobal])
	if err != nil {
		return nil, err
	}
	gasIdx := importedGlobals + localGlobals
	stackIdx := gasIdx + 1

	newCode, err := rewriteCodeSection(codeBody, weights, gasIdx, stackIdx)
	if err != nil {
		return nil, err
	}

	sections := make(map[byte][]byte, len(mod.sections)+2)
	for id, body := range mod.sections {
		sections[id] = body
	}
	sections[wasmSecCode] = newCode
	sections[wasmSecGlobal] = appendMeteringGlobals(mod.sections[wasmSecGlobal])
	sections[wasmSecExport], err = appendGlobalExport(mod.sections[wasmSecExport], GasGlobalExport, gasIdx)
	if err != nil {
		return nil, err
	}
	return rebuildModule(sections), nil
}

// wasmSectionOrder is the id order the binary format mandates for known
// sections. Custom sections carry no semantics and are dropped on rebuild.
var wasmSectionOrder = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 12, 10, 11}

func rebuildModule(sections map[byte][]byte) []byte {
	out := append([]byte(nil), wasmMagic...)
	out = append(out, 0x01, 0x00, 0x00, 0x00)
	for _, id := range wasmSectionOrder {
		body, ok := sections[id]
		if !ok {
			continue
		}
		out = append(out, id)
		out = append(out, uleb(uint64(len(body)))...)
		out = append(out, body...)
	}
	return out
}

// countImportedGlobals walks the import section; imported globals precede
// module-local ones in the global index space.
func countImportedGlobals(body []byte) (uint32, error) {
	if body == nil {
		return 0, nil
	}
	pos := 0
	count, n, err := readUleb(body)
	if err != nil {
		return 0, &CodeError{Reason: "malformed import section"}
	}
	pos += n
	var globals uint32
	skipName := func() error {
		l, n, err := readUleb(body[pos:])
		if err != nil {
			return err
		}
		pos += n + int(l)
		if pos > len(body) {
			return &CodeError{Reason: "truncated import name"}
		}
		return nil
	}
	skipLeb := func() error {
		_, n, err := readUleb(body[pos:])
		pos += n
		return err
	}
	skipLimits := func() error {
		if pos >= len(body) {
			return &CodeError{Reason: "truncated limits"}
		}
		flags := body[pos]
		pos++
		if err := skipLeb(); err != nil {
			return err
		}
		if flags&0x01 != 0 {
			return skipLeb()
		}
		return nil
	}
	for i := uint64(0); i < count; i++ {
		if err := skipName(); err != nil {
			return 0, &CodeError{Reason: "malformed import entry"}
		}
		if err := skipName(); err != nil {
			return 0, &CodeError{Reason: "malformed import entry"}
		}
		if pos >= len(body) {
			return 0, &CodeError{Reason: "truncated import entry"}
		}
		kind := body[pos]
		pos++
		switch kind {
		case 0x00: // function
			if err := skipLeb(); err != nil {
				return 0, err
			}
		case 0x01: // table
			pos++ // reftype
			if err := skipLimits(); err != nil {
				return 0, err
			}
		case 0x02: // memory
			if err := skipLimits(); err != nil {
				return 0, err
			}
		case 0x03: // global
			pos += 2 // valtype + mutability
			globals++
		default:
			return 0, &CodeError{Reason: fmt.Sprintf("unknown import kind %d", kind)}
		}
		if pos > len(body) {
			return 0, &CodeError{Reason: "truncated import section"}
		}
	}
	return globals, nil
}

func globalEntryCount(body []byte) (uint32, error) {
	if body == nil {
		return 0, nil
	}
	count, _, err := readUleb(body)
	if err != nil {
		return 0, &CodeError{Reason: "malformed global section"}
	}
	return uint32(count), nil
}

// appendMeteringGlobals adds the gas (i64, mutable, 0) and stack-height
// (i32, mutable, 0) globals to the end of the global section, creating the
// section when the module had none.
func appendMeteringGlobals(body []byte) []byte {
	gas := []byte{0x7E, 0x01, 0x42, 0x00, 0x0B}
	stack := []byte{0x7F, 0x01, 0x41, 0x00, 0x0B}
	if body == nil {
		out := uleb(2)
		out = append(out, gas...)
		return append(out, stack...)
	}
	count, n, _ := readUleb(body)
	out := uleb(count + 2)
	out = append(out, body[n:]...)
	out = append(out, gas...)
	return append(out, stack...)
}

func appendGlobalExport(body []byte, name string, globalIdx uint32) ([]byte, error) {
	entry := uleb(uint64(len(name)))
	entry = append(entry, name...)
	entry = append(entry, 0x03) // export kind: global
	entry = append(entry, uleb(uint64(globalIdx))...)
	if body == nil {
		return append(uleb(1), entry...), nil
	}
	count, n, err := readUleb(body)
	if err != nil {
		return nil, &CodeError{Reason: "malformed export section"}
	}
	out := uleb(count + 1)
	out = append(out, body[n:]...)
	return append(out, entry...), nil
}

func rewriteCodeSection(body []byte, weights GasWeights, gasIdx, stackIdx uint32) ([]byte, error) {
	count, n, err := readUleb(body)
	if err != nil {
		return nil, &CodeError{Reason: "malformed code section"}
	}
	pos := n
	out := uleb(count)
	for i := uint64(0); i < count; i++ {
		size, n, err := readUleb(body[pos:])
		if err != nil {
			return nil, &CodeError{Reason: "malformed function size"}
		}
		pos += n
		if pos+int(size) > len(body) {
			return nil, &CodeError{Reason: "truncated function body"}
		}
		fn := body[pos : pos+int(size)]
		pos += int(size)
		rewritten, err := rewriteFuncBody(fn, weights, gasIdx, stackIdx)
		if err != nil {
			return nil, err
		}
		out = append(out, uleb(uint64(len(rewritten)))...)
		out = append(out, rewritten...)
	}
	if pos != len(body) {
		return nil, &CodeError{Reason: "trailing bytes in code section"}
	}
	return out, nil
}

func rewriteFuncBody(fn []byte, weights GasWeights, gasIdx, stackIdx uint32) ([]byte, error) {
	pos := 0
	declCount, n, err := readUleb(fn)
	if err != nil {
		return nil, &CodeError{Reason: "malformed locals vector"}
	}
	pos += n
	for i := uint64(0); i < declCount; i++ {
		_, n, err := readUleb(fn[pos:])
		if err != nil {
			return nil, &CodeError{Reason: "malformed local declaration"}
		}
		pos += n + 1 // count + valtype
		if pos > len(fn) {
			return nil, &CodeError{Reason: "truncated locals vector"}
		}
	}
	rewritten, err := injectMetering(fn[pos:], weights, gasIdx, stackIdx)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), fn[:pos]...), rewritten...), nil
}

// chargeSequence emits: trap (storing the out-of-gas sentinel) when the gas
// global holds less than cost, otherwise subtract cost from it.
func chargeSequence(cost uint64, gasIdx uint32) []byte {
	var out []byte
	out = append(out, 0x23) // global.get gas
	out = append(out, uleb(uint64(gasIdx))...)
	out = append(out, 0x42) // i64.const cost
	out = append(out, sleb(int64(cost))...)
	out = append(out, 0x54)       // i64.lt_u
	out = append(out, 0x04, 0x40) // if (void)
	out = append(out, 0x42)       // i64.const sentinel
	out = append(out, sleb(outOfGasSentinel)...)
	out = append(out, 0x24) // global.set gas
	out = append(out, uleb(uint64(gasIdx))...)
	out = append(out, 0x00) // unreachable
	out = append(out, 0x0B) // end
	out = append(out, 0x23) // global.get gas
	out = append(out, uleb(uint64(gasIdx))...)
	out = append(out, 0x42) // i64.const cost
	out = append(out, sleb(int64(cost))...)
	out = append(out, 0x7D) // i64.sub
	out = append(out, 0x24) // global.set gas
	out = append(out, uleb(uint64(gasIdx))...)
	return out
}

// stackPrologue bumps the shadow stack-height global and traps past the
// limit; stackEpilogue undoes the bump on return paths.
func stackPrologue(stackIdx uint32) []byte {
	var out []byte
	out = append(out, 0x23) // global.get height
	out = append(out, uleb(uint64(stackIdx))...)
	out = append(out, 0x41) // i32.const 1
	out = append(out, sleb(1)...)
	out = append(out, 0x6A) // i32.add
	out = append(out, 0x24) // global.set height
	out = append(out, uleb(uint64(stackIdx))...)
	out = append(out, 0x23) // global.get height
	out = append(out, uleb(uint64(stackIdx))...)
	out = append(out, 0x41) // i32.const limit
	out = append(out, sleb(stackHeightLimit)...)
	out = append(out, 0x4B)       // i32.gt_u
	out = append(out, 0x04, 0x40) // if (void)
	out = append(out, 0x00)       // unreachable
	out = append(out, 0x0B)       // end
	return out
}

func stackEpilogue(stackIdx uint32) []byte {
	var out []byte
	out = append(out, 0x23) // global.get height
	out = append(out, uleb(uint64(stackIdx))...)
	out = append(out, 0x41) // i32.const 1
	out = append(out, sleb(1)...)
	out = append(out, 0x6B) // i32.sub
	out = append(out, 0x24) // global.set height
	out = append(out, uleb(uint64(stackIdx))...)
	return out
}

// injectMetering rewrites one function's instruction stream. A metering
// block runs from the previous control-flow boundary up to and including the
// next one (block/loop/if/else/end/br/br_if/br_table/return/call/
// call_indirect/unreachable); the accumulated cost of the whole block is
// charged before its first instruction executes. A `br` back to a `loop`
// label lands on the charge of the loop body's first block, so every
// iteration pays. The stack epilogue runs before each `return` and before
// the function's closing `end`; a branch that exits the function some other
// way leaves the counter elevated for the rest of the invocation, which can
// only over-count (each instantiation starts from a fresh global).
func injectMetering(ins []byte, weights GasWeights, gasIdx, stackIdx uint32) ([]byte, error) {
	out := stackPrologue(stackIdx)
	var pending []byte
	var cost uint64
	depth := 0

	flush := func(pre []byte, instr []byte) {
		if cost > 0 {
			out = append(out, chargeSequence(cost, gasIdx)...)
		}
		out = append(out, pending...)
		out = append(out, pre...)
		out = append(out, instr...)
		pending = pending[:0]
		cost = 0
	}

	i := 0
	for i < len(ins) {
		op := ins[i]
		ln, err := instrLen(ins[i:])
		if err != nil {
			return nil, err
		}
		cost += instrCost(op, weights)
		instr := ins[i : i+ln]
		switch op {
		case 0x02, 0x03, 0x04: // block, loop, if
			depth++
			flush(nil, instr)
		case 0x0B: // end
			if depth == 0 {
				flush(stackEpilogue(stackIdx), instr)
				if i+ln != len(ins) {
					return nil, &CodeError{Reason: "instructions after function end"}
				}
				return out, nil
			}
			depth--
			flush(nil, instr)
		case 0x0F: // return
			flush(stackEpilogue(stackIdx), instr)
		case 0x00, 0x05, 0x0C, 0x0D, 0x0E, 0x10, 0x11: // unreachable, else, br, br_if, br_table, call, call_indirect
			flush(nil, instr)
		default:
			pending = append(pending, instr...)
		}
		i += ln
	}
	return nil, &CodeError{Reason: "function body missing terminating end"}
}

func instrCost(op byte, w GasWeights) uint64 {
	switch {
	case op >= 0x28 && op <= 0x40: // loads, stores, memory.size/grow
		return w.InstructionMemory
	case op == 0x10 || op == 0x11: // call, call_indirect
		return w.InstructionCall
	default:
		return w.InstructionBase
	}
}

// instrLen returns the encoded length of the instruction at the start of b,
// including the opcode and its immediates.
func instrLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, &CodeError{Reason: "truncated instruction"}
	}
	op := b[0]
	n := 1
	leb := func() error {
		_, l, err := readUleb(b[n:])
		n += l
		return err
	}
	var err error
	switch {
	case op == 0x00 || op == 0x01 || op == 0x05 || op == 0x0B || op == 0x0F ||
		op == 0x1A || op == 0x1B || op == 0xD1:
		// no immediates
	case op >= 0x02 && op <= 0x04: // blocktype
		if n >= len(b) {
			return 0, &CodeError{Reason: "truncated blocktype"}
		}
		bt := b[n]
		if bt == 0x40 || (bt >= 0x6F && bt <= 0x7F) {
			n++
		} else {
			err = leb() // type index, signed LEB with the same length structure
		}
	case op == 0x0C || op == 0x0D || op == 0x10 || op == 0xD2: // br, br_if, call, ref.func
		err = leb()
	case op == 0x0E: // br_table
		var targets uint64
		var l int
		targets, l, err = readUleb(b[n:])
		n += l
		for j := uint64(0); err == nil && j <= targets; j++ {
			err = leb()
		}
	case op == 0x11: // call_indirect: type index + table index
		if err = leb(); err == nil {
			err = leb()
		}
	case op == 0x1C: // select with explicit value types
		var types uint64
		var l int
		types, l, err = readUleb(b[n:])
		n += l + int(types)
	case op >= 0x20 && op <= 0x26: // local/global/table access
		err = leb()
	case op >= 0x28 && op <= 0x3E: // loads/stores: align + offset
		if err = leb(); err == nil {
			err = leb()
		}
	case op == 0x3F || op == 0x40: // memory.size/grow: memory index byte
		n++
	case op == 0x41 || op == 0x42: // i32/i64.const, signed LEB
		err = leb()
	case op == 0x43:
		n += 4
	case op == 0x44:
		n += 8
	case op >= 0x45 && op <= 0xC4:
		// numeric ops, no immediates
	case op == 0xD0: // ref.null: heap type byte
		n++
	case op == 0xFC:
		var sub uint64
		var l int
		sub, l, err = readUleb(b[n:])
		n += l
		if err != nil {
			break
		}
		switch sub {
		case 0, 1, 2, 3, 4, 5, 6, 7: // saturating truncations
		case 8: // memory.init: data index + memory byte
			if err = leb(); err == nil {
				n++
			}
		case 9, 13, 15, 16, 17: // data.drop, elem.drop, table.grow/size/fill
			err = leb()
		case 10: // memory.copy: two memory bytes
			n += 2
		case 11: // memory.fill: memory byte
			n++
		case 12, 14: // table.init, table.copy
			if err = leb(); err == nil {
				err = leb()
			}
		default:
			return 0, &CodeError{Reason: fmt.Sprintf("unsupported 0xFC instruction %d", sub)}
		}
	default:
		return 0, &CodeError{Reason: fmt.Sprintf("unsupported instruction 0x%02X", op)}
	}
	if err != nil {
		return 0, &CodeError{Reason: "truncated instruction immediates"}
	}
	if n > len(b) {
		return 0, &CodeError{Reason: "truncated instruction"}
	}
	return n, nil
}

func readUleb(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(b) && i < 10; i++ {
		c := b[i]
		v |= uint64(c&0x7F) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, &CodeError{Reason: "malformed LEB128 value"}
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, c|0x80)
		} else {
			return append(out, c)
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}
