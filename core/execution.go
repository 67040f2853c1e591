package core

// ExecutionCore runs a single dispatch against a program's instrumented
// WASM module. It never touches ProgramState or StateDB directly -- every
// observable effect (page writes, outgoing sends, waits, reservations) is
// buffered into a Journal and handed back to the caller, which applies it
// through JournalHandler. Host calls are wired as a wasmer.Store per
// invocation, host functions registered under the "env" namespace, and a
// shared execCtx closure that accumulates gas use and journal notes as the
// module runs.

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// ExecutionCore owns the wasmer engine (expensive to construct, cheap to
// reuse across invocations) and the instrumented-code cache.
type ExecutionCore struct {
	engine  *wasmer.Engine
	cache   *InstrumentedCodeCache
	weights GasWeights
	limits  Limits
	log     *logrus.Logger
}

// NewExecutionCore constructs an ExecutionCore bound to db's instrumented
// code cache.
func NewExecutionCore(db *StateDB, weights GasWeights, limits Limits) *ExecutionCore {
	return &ExecutionCore{
		engine:  wasmer.NewEngine(),
		cache:   NewInstrumentedCodeCache(db),
		weights: weights,
		limits:  limits,
		log:     logrus.StandardLogger(),
	}
}

// execCtx is the mutable state a single invocation's host functions close
// over.
type execCtx struct {
	mem       *wasmer.Memory
	gasGlobal *wasmer.Global // injected metering counter, nil when the module carries no instrumentation
	db    *StateDB
	ps    ProgramState
	dispatch Dispatch
	weights  GasWeights
	height   uint32
	gasLeft  uint64
	gasSpent uint64
	nonce    uint64 // next outgoing-message nonce, seeded from ExecutionHistory
	resNonce uint64 // next reservation nonce, seeded from ExecutionHistory
	notes    []JournalNote
	pageUpdates      map[uint32][]byte
	pageSnapshot     map[uint32][]byte
	allocations      AllocationsTree
	allocationsDirty bool
	repliedExplicitly bool
	terminated  bool
	exitInheritor ActorId
	waitNote      *JournalNote
	trapErr       error
}

// materializePages copies every page StateDB already holds for this program
// into the instance's linear memory before the entrypoint runs, and remembers
// what it wrote so collectDirtyPages can tell real writes from untouched
// memory afterwards.
func (c *execCtx) materializePages(pages PagesMap) {
	if c.mem == nil {
		return
	}
	data := c.mem.Data()
	for _, e := range pages {
		content, ok := c.db.GetPageData(e.Data)
		if !ok {
			continue
		}
		off := int(e.Page) * GearPageSize
		if off+GearPageSize > len(data) {
			continue
		}
		copy(data[off:off+GearPageSize], content)
		c.pageSnapshot[e.Page] = append([]byte(nil), content...)
	}
}

// trackedPages is the set of gear pages this invocation could plausibly have
// touched: pages already materialized plus every page within a live
// allocation, so collectDirtyPages never has to scan the whole address space.
func (c *execCtx) trackedPages() map[uint32]bool {
	tracked := make(map[uint32]bool, len(c.pageSnapshot))
	for p := range c.pageSnapshot {
		tracked[p] = true
	}
	for _, iv := range c.allocations {
		for wp := iv.Start; wp < iv.End; wp++ {
			base := wp * GearPagesPerWasmPage
			for g := uint32(0); g < GearPagesPerWasmPage; g++ {
				tracked[base+g] = true
			}
		}
	}
	return tracked
}

// collectDirtyPages diffs tracked pages against the snapshot taken at entry
// and records the ones that changed, since gr_alloc/gr_free and every plain
// memory write the module performs all land in the same linear memory
// without their own host-call hook.
func (c *execCtx) collectDirtyPages() {
	if c.mem == nil {
		return
	}
	data := c.mem.Data()
	for page := range c.trackedPages() {
		if _, alreadyNoted := c.pageUpdates[page]; alreadyNoted {
			continue
		}
		off := int(page) * GearPageSize
		if off+GearPageSize > len(data) {
			continue
		}
		current := data[off : off+GearPageSize]
		if prev, ok := c.pageSnapshot[page]; ok && bytes.Equal(prev, current) {
			continue
		}
		c.pageUpdates[page] = append([]byte(nil), current...)
	}
}

// nextWasmPageStart returns the first wasm page index not covered by any
// interval in a, the bump-allocator policy gr_alloc follows.
func nextWasmPageStart(a AllocationsTree) uint32 {
	var max uint32
	for _, iv := range a {
		if iv.End > max {
			max = iv.End
		}
	}
	return max
}

// freeWasmPageInterval removes wasm page index page from a, splitting or
// shrinking the interval that contains it.
func freeWasmPageInterval(a AllocationsTree, page uint32) AllocationsTree {
	out := make(AllocationsTree, 0, len(a)+1)
	for _, iv := range a {
		switch {
		case page < iv.Start || page >= iv.End:
			out = append(out, iv)
		case iv.Start == page && iv.End == page+1:
			// interval fully consumed by this free, drop it
		case iv.Start == page:
			out = append(out, PageInterval{Start: page + 1, End: iv.End})
		case iv.End == page+1:
			out = append(out, PageInterval{Start: iv.Start, End: page})
		default:
			out = append(out, PageInterval{Start: iv.Start, End: page}, PageInterval{Start: page + 1, End: iv.End})
		}
	}
	return out
}

func (c *execCtx) read(ptr, ln int32) []byte {
	data := c.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		c.trapErr = &MemoryError{Reason: "out-of-bounds read"}
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (c *execCtx) write(ptr int32, payload []byte) bool {
	data := c.mem.Data()
	if ptr < 0 || int(ptr)+len(payload) > len(data) {
		c.trapErr = &MemoryError{Reason: "out-of-bounds write"}
		return false
	}
	copy(data[ptr:], payload)
	return true
}

// chargeGas deducts amount from the invocation's remaining budget, trapping
// the call with a GasError when it would go negative. Host-side charges and
// the instrumented bytecode's per-block charges share one pool: the budget
// lives in the module's injected gas global while the entrypoint runs, so
// chargeGas pulls whatever compute burned since the last host call before
// deducting, and pushes the result back.
func (c *execCtx) chargeGas(amount uint64) bool {
	c.pullGas()
	if amount > c.gasLeft {
		c.trapErr = &GasError{Needed: amount, Available: c.gasLeft}
		return false
	}
	c.gasLeft -= amount
	c.gasSpent += amount
	c.pushGas()
	return true
}

// pullGas folds the instrumented module's gas-global decrements since the
// last synchronization into gasLeft/gasSpent.
func (c *execCtx) pullGas() {
	if c.gasGlobal == nil {
		return
	}
	v, err := c.gasGlobal.Get()
	if err != nil {
		return
	}
	rem, ok := v.(int64)
	if !ok || rem < 0 || uint64(rem) > c.gasLeft {
		return
	}
	c.gasSpent += c.gasLeft - uint64(rem)
	c.gasLeft = uint64(rem)
}

func (c *execCtx) pushGas() {
	if c.gasGlobal != nil {
		_ = c.gasGlobal.Set(int64(c.gasLeft), wasmer.I64)
	}
}

// settleGas reconciles the gas global after the entrypoint has returned or
// trapped. The instrumented trap path stores a negative sentinel before
// executing unreachable, which is how an out-of-gas trap is told apart from
// a userspace panic.
func (c *execCtx) settleGas() {
	if c.gasGlobal == nil {
		return
	}
	v, err := c.gasGlobal.Get()
	if err != nil {
		return
	}
	rem, ok := v.(int64)
	if !ok {
		return
	}
	if rem < 0 {
		c.gasSpent += c.gasLeft
		c.gasLeft = 0
		if c.trapErr == nil {
			c.trapErr = &GasError{Needed: 1, Available: 0}
		}
		return
	}
	if uint64(rem) <= c.gasLeft {
		c.gasSpent += c.gasLeft - uint64(rem)
		c.gasLeft = uint64(rem)
	}
}

func (c *execCtx) nextMessageID() MessageId {
	id := OutgoingMessageId(c.dispatch.Message.Destination, c.nonce)
	c.nonce++
	return id
}

func (c *execCtx) nextReservationID() ReservationId {
	id := ReservationMessageId(c.dispatch.Message.Destination, c.resNonce)
	c.resNonce++
	return id
}

// Execute runs dispatch's entrypoint against the program identified by ps,
// returning the Journal produced. Execute itself never returns a WASM trap as
// a Go error for ordinary program failures (out-of-gas, panic, unreachable):
// those become an automatic error reply (a SendDispatch note) in the Journal instead, so the
// block keeps processing. It returns a non-nil error only for
// ProcessorError/StateDBError-class faults that must abort the block.
func (c *ExecutionCore) Execute(db *StateDB, ps ProgramState, dispatch Dispatch, height uint32) ([]JournalNote, error) {
	entrypoint := entrypointFor(dispatch.Message.Kind)

	if ps.Status.IsTerminal() {
		return autoRejectNotes(dispatch, ps.Status), nil
	}
	if entrypoint == "init" && ps.Status.Init == InitStatusInit {
		return nil, &ProcessorError{Reason: "init dispatch against already-initialized program"}
	}

	code, err := c.cache.GetOrInstrument(ps.CodeId, c.weights)
	if err != nil {
		return autoRejectNotes(dispatch, Terminated(dispatch.Message.ID)), nil
	}

	meta, err := db.GetCodeMetadata(ps.CodeId)
	if err != nil {
		return nil, &ProcessorError{Reason: "code metadata missing for validated program"}
	}
	if !meta.HasExport(entrypoint) {
		// Missing optional entrypoints (handle_reply/handle_signal/state)
		// are a silent no-op, not an error.
		if entrypoint != "init" && entrypoint != "handle" {
			return []JournalNote{{Kind: NoteMessageConsumed, Program: dispatch.Message.Destination, Message: dispatch.Message.ID}}, nil
		}
		return nil, &ProcessorError{Reason: fmt.Sprintf("required export %q missing after validation", entrypoint)}
	}

	gasLimit := dispatch.Message.GasLimit
	instantiationCost := meta.InstantiationCost(c.weights)
	if instantiationCost > gasLimit {
		return []JournalNote{
			{Kind: NoteGasBurned, Message: dispatch.Message.ID, GasAmount: gasLimit},
			exitNote(dispatch, ReplyCodeExecutionRanOutOfGas),
			dispatchedNote(dispatch, ReplyCodeExecutionRanOutOfGas),
		}, nil
	}

	store := wasmer.NewStore(c.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return []JournalNote{
			{Kind: NoteGasBurned, Message: dispatch.Message.ID, GasAmount: instantiationCost},
			exitNote(dispatch, ReplyCodeExecutionUnreachable),
			dispatchedNote(dispatch, ReplyCodeExecutionUnreachable),
		}, nil
	}

	pages, err := db.GetPages(ps.Pages)
	if err != nil {
		return nil, &ProcessorError{Reason: "load pages: " + err.Error()}
	}
	allocations, err := db.GetAllocations(ps.Allocations)
	if err != nil {
		return nil, &ProcessorError{Reason: "load allocations: " + err.Error()}
	}

	ectx := &execCtx{
		db: db, ps: ps, dispatch: dispatch, weights: c.weights, height: height,
		gasLeft: gasLimit - instantiationCost, gasSpent: instantiationCost,
		nonce:        ps.History.MessagingNonce,
		resNonce:     ps.History.ReservationNonce,
		pageUpdates:  make(map[uint32][]byte),
		pageSnapshot: make(map[uint32][]byte),
		allocations:  append(AllocationsTree(nil), allocations...),
	}
	imports := registerHostImports(store, ectx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return finalizeTrap(ectx, ReplyCodeExecutionUnreachable), nil
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, &ProcessorError{Reason: "wasm memory export missing after validation"}
	}
	ectx.mem = mem
	ectx.materializePages(pages)

	// Seed the instrumented gas global with the remaining budget so the
	// injected per-block charges and the host-call charges draw from the
	// same pool.
	if g, gerr := instance.Exports.GetGlobal(GasGlobalExport); gerr == nil && g != nil {
		if err := g.Set(int64(ectx.gasLeft), wasmer.I64); err != nil {
			return nil, &ProcessorError{Reason: "seed gas global: " + err.Error()}
		}
		ectx.gasGlobal = g
	}

	fn, err := instance.Exports.GetFunction(entrypoint)
	if err != nil {
		return nil, &ProcessorError{Reason: fmt.Sprintf("entrypoint %q missing after validation", entrypoint)}
	}

	_, runErr := fn()
	ectx.settleGas()
	ectx.collectDirtyPages()

	if ectx.waitNote != nil {
		// The dispatch is suspended, not completed: no MessageDispatched note
		// is produced, and it will re-run (with waits incremented) on wake.
		return append(drainCommonNotes(ectx), *ectx.waitNote), nil
	}
	if ectx.terminated {
		notes := drainCommonNotes(ectx)
		notes = append(notes, JournalNote{
			Kind: NoteExitDispatch, Program: dispatch.Message.Destination, Message: dispatch.Message.ID,
			MsgKind: dispatch.Message.Kind, Inheritor: ectx.exitInheritor,
		})
		notes = append(notes, exitNote(dispatch, ReplyCodeSuccess))
		return append(notes, dispatchedNote(dispatch, ReplyCodeSuccess)), nil
	}
	if ectx.trapErr != nil || runErr != nil {
		code := ReplyCodeExecutionUserspacePanic
		var gasErr *GasError
		if errors.As(ectx.trapErr, &gasErr) {
			code = ReplyCodeExecutionRanOutOfGas
		}
		c.log.WithFields(logrus.Fields{
			"program": dispatch.Message.Destination.Hex(),
			"message": dispatch.Message.ID.Hex(),
			"code":    code,
		}).Warn("dispatch trapped")
		return finalizeTrap(ectx, code), nil
	}

	notes := drainCommonNotes(ectx)
	if !ectx.repliedExplicitly {
		notes = append(notes, exitNote(dispatch, ReplyCodeSuccess))
	} else {
		notes = append(notes, JournalNote{Kind: NoteMessageConsumed, Program: dispatch.Message.Destination, Message: dispatch.Message.ID})
	}
	return append(notes, dispatchedNote(dispatch, ReplyCodeSuccess)), nil
}

func finalizeTrap(c *execCtx, code ReplyCode) []JournalNote {
	notes := drainCommonNotes(c)
	if c.ps.SystemReservation > 0 {
		// The program pre-committed gas for exactly this case: the failure
		// is delivered to its own handle_signal under the system
		// reservation.
		program := c.dispatch.Message.Destination
		notes = append(notes,
			JournalNote{Kind: NoteSystemUnreserveGas, Program: program, Message: c.dispatch.Message.ID},
			JournalNote{
				Kind: NoteSendSignal, Program: program, Message: c.dispatch.Message.ID,
				Dispatch: AutoSignalReply(c.dispatch, program, code), ReplyCode: code,
			})
	}
	notes = append(notes, exitNote(c.dispatch, code))
	return append(notes, dispatchedNote(c.dispatch, code))
}

// dispatchedNote is the final bookkeeping record of a completed (not
// suspended) dispatch: which message ran, as what kind, with what outcome.
// JournalHandler folds Init outcomes into the program lifecycle.
func dispatchedNote(d Dispatch, code ReplyCode) JournalNote {
	return JournalNote{
		Kind: NoteMessageDispatched, Program: d.Message.Destination,
		Message: d.Message.ID, MsgKind: d.Message.Kind, ReplyCode: code,
	}
}

func drainCommonNotes(c *execCtx) []JournalNote {
	var notes []JournalNote
	notes = append(notes, JournalNote{Kind: NoteGasBurned, Message: c.dispatch.Message.ID, GasAmount: c.gasSpent})
	if len(c.pageUpdates) > 0 {
		notes = append(notes, JournalNote{Kind: NoteUpdatePages, Program: c.dispatch.Message.Destination, PageUpdates: c.pageUpdates})
	}
	if c.allocationsDirty {
		notes = append(notes, JournalNote{Kind: NoteUpdateAllocations, Program: c.dispatch.Message.Destination, NewAllocations: c.allocations})
	}
	notes = append(notes, c.notes...)
	return notes
}

func exitNote(d Dispatch, code ReplyCode) JournalNote {
	note := JournalNote{Kind: NoteMessageConsumed, Program: d.Message.Destination, Message: d.Message.ID}
	if !d.Message.Repliable() {
		return note
	}
	return JournalNote{
		Kind: NoteSendDispatch, Program: d.Message.Destination, Message: d.Message.ID,
		Dispatch: AutoErrorReplyIfNeeded(d, code),
	}
}

// AutoErrorReplyIfNeeded builds the automatic reply a message's completion
// produces: a real success carries no payload reply unless the program
// called gr_reply itself (tracked via c.notes), so this only covers the
// error path plus the Consumed bookkeeping success path relies on.
func AutoErrorReplyIfNeeded(d Dispatch, code ReplyCode) Dispatch {
	if code == ReplyCodeSuccess {
		return AutoErrorReply(d, code, 0)
	}
	return AutoErrorReply(d, code, d.Message.Value)
}

func entrypointFor(kind MessageKind) string {
	switch kind {
	case KindInit:
		return "init"
	case KindReply:
		return "handle_reply"
	case KindSignal:
		return "handle_signal"
	default:
		return "handle"
	}
}

func autoRejectNotes(d Dispatch, status ProgramStatus) []JournalNote {
	code := ReplyCodeUnavailableActorTerminated
	if status.Kind == ProgramExited {
		code = ReplyCodeUnavailableActorProgramExited
	}
	note := JournalNote{Kind: NoteMessageConsumed, Program: d.Message.Destination, Message: d.Message.ID}
	if !d.Message.Repliable() {
		return []JournalNote{note}
	}
	return []JournalNote{note, {
		Kind: NoteSendDispatch, Program: d.Message.Destination, Message: d.Message.ID,
		Dispatch: AutoErrorReply(d, code, d.Message.Value),
	}}
}

// registerHostImports wires the gr_* host call surface under the "env"
// namespace.
func registerHostImports(store *wasmer.Store, h *execCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.ValueKind(wasmer.I32)

	grSize := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostSize)) {
				return nil, h.trapErr
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(h.dispatch.Message.Payload)))}, nil
		})

	grRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			at, ln, dst := args[0].I32(), args[1].I32(), args[2].I32()
			if !h.chargeGas(h.weights.HostCallCost(HostRead) + uint64(ln)*h.weights.BytePayload) {
				return nil, h.trapErr
			}
			payload := h.dispatch.Message.Payload
			if int(at)+int(ln) > len(payload) {
				h.trapErr = &MemoryError{Reason: "gr_read out of range"}
				return nil, h.trapErr
			}
			if !h.write(dst, payload[at:at+ln]) {
				return nil, h.trapErr
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grSend := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			destPtr, payloadPtr, payloadLen, value := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			cost := h.weights.HostCallCost(HostSend) + uint64(payloadLen)*h.weights.BytePayload
			if !h.chargeGas(cost) {
				return nil, h.trapErr
			}
			destBytes := h.read(destPtr, 32)
			payload := h.read(payloadPtr, payloadLen)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			dest := BytesToHash(destBytes)
			id := h.nextMessageID()
			msg := NewHandleDispatch(id, h.dispatch.Message.Destination, dest, payload, uint64(value), 0)
			h.notes = append(h.notes, JournalNote{Kind: NoteSendDispatch, Program: h.dispatch.Message.Destination, Message: id, Dispatch: msg})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grReply := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			payloadPtr, payloadLen, value := args[0].I32(), args[1].I32(), args[2].I32()
			cost := h.weights.HostCallCost(HostReply) + uint64(payloadLen)*h.weights.BytePayload
			if !h.chargeGas(cost) {
				return nil, h.trapErr
			}
			payload := h.read(payloadPtr, payloadLen)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			reply := AutoErrorReply(h.dispatch, ReplyCodeSuccess, uint64(value))
			reply.Message.Payload = payload
			h.notes = append(h.notes, JournalNote{Kind: NoteSendDispatch, Program: h.dispatch.Message.Destination, Message: reply.Message.ID, Dispatch: reply})
			h.repliedExplicitly = true
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grExit := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostExit)) {
				return nil, h.trapErr
			}
			inheritorBytes := h.read(args[0].I32(), 32)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			h.terminated = true
			h.exitInheritor = BytesToHash(inheritorBytes)
			return nil, nil
		})

	grWaitFor := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostWaitFor)) {
				return nil, h.trapErr
			}
			blocks := uint32(args[0].I32())
			note := JournalNote{
				Kind: NoteWaitDispatch, Program: h.dispatch.Message.Destination, Message: h.dispatch.Message.ID,
				Dispatch: h.dispatch, WaitKind: WaitKindWaitFor, WaitFor: blocks,
			}
			h.waitNote = &note
			return nil, nil
		})

	grWake := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostWake)) {
				return nil, h.trapErr
			}
			target := BytesToHash(h.read(args[0].I32(), 32))
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			h.notes = append(h.notes, JournalNote{Kind: NoteWakeMessage, Program: h.dispatch.Message.Destination, WakeTarget: target})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grSource := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostSourceCall)) {
				return nil, h.trapErr
			}
			h.write(args[0].I32(), h.dispatch.Message.Source[:])
			return nil, nil
		})

	grValue := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostValueCall)) {
				return nil, h.trapErr
			}
			var buf [8]byte
			v := h.dispatch.Message.Value
			for i := 0; i < 8; i++ {
				buf[i] = byte(v >> (8 * i))
			}
			h.write(args[0].I32(), buf[:])
			return nil, nil
		})

	i64 := wasmer.ValueKind(wasmer.I64)

	grReserveGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i64, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			amount, duration, outPtr := uint64(args[0].I64()), uint32(args[1].I32()), args[2].I32()
			if !h.chargeGas(h.weights.HostCallCost(HostGasReserve) + amount) {
				return nil, h.trapErr
			}
			id := h.nextReservationID()
			h.notes = append(h.notes, JournalNote{
				Kind: NoteReserveGas, Program: h.dispatch.Message.Destination, Message: h.dispatch.Message.ID,
				GasAmount: amount, ReservationId: id, ExpiresAt: h.height + duration,
			})
			if !h.write(outPtr, id[:]) {
				return nil, h.trapErr
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grUnreserveGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostGasUnreserve)) {
				return nil, h.trapErr
			}
			ridBytes := h.read(args[0].I32(), 32)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			h.notes = append(h.notes, JournalNote{
				Kind: NoteUnreserveGas, Program: h.dispatch.Message.Destination,
				ReservationId: BytesToHash(ridBytes),
			})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grSystemReserveGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i64), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			amount := uint64(args[0].I64())
			if !h.chargeGas(h.weights.HostCallCost(HostSystemReserveGas) + amount) {
				return nil, h.trapErr
			}
			h.notes = append(h.notes, JournalNote{
				Kind: NoteSystemReserveGas, Program: h.dispatch.Message.Destination,
				Message: h.dispatch.Message.ID, GasAmount: amount,
			})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grCreateProgram := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32, i32, i64, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			codeIDPtr, saltPtr, saltLen := args[0].I32(), args[1].I32(), args[2].I32()
			payloadPtr, payloadLen, value, outPtr := args[3].I32(), args[4].I32(), args[5].I64(), args[6].I32()
			cost := h.weights.HostCallCost(HostCreateProgram) + uint64(payloadLen)*h.weights.BytePayload
			if !h.chargeGas(cost) {
				return nil, h.trapErr
			}
			codeIDBytes := h.read(codeIDPtr, 32)
			salt := h.read(saltPtr, saltLen)
			payload := h.read(payloadPtr, payloadLen)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			codeID := BytesToHash(codeIDBytes)
			actor := ProgramActorId(h.dispatch.Message.Destination, codeID, salt)
			init := NewInitDispatch(h.nextMessageID(), h.dispatch.Message.Destination, actor, payload, uint64(value), 0)
			h.notes = append(h.notes, JournalNote{
				Kind: NoteStoreNewPrograms, Program: h.dispatch.Message.Destination,
				NewPrograms: []NewProgramRecord{{Actor: actor, CodeId: codeID, Init: init}},
			})
			if !h.write(outPtr, actor[:]) {
				return nil, h.trapErr
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grWait := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostWait)) {
				return nil, h.trapErr
			}
			note := JournalNote{
				Kind: NoteWaitDispatch, Program: h.dispatch.Message.Destination, Message: h.dispatch.Message.ID,
				Dispatch: h.dispatch, WaitKind: WaitKindWait,
			}
			h.waitNote = &note
			return nil, nil
		})

	grWaitUpTo := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostWaitUpTo)) {
				return nil, h.trapErr
			}
			blocks := uint32(args[0].I32())
			note := JournalNote{
				Kind: NoteWaitDispatch, Program: h.dispatch.Message.Destination, Message: h.dispatch.Message.ID,
				Dispatch: h.dispatch, WaitKind: WaitKindWaitUpTo, WaitFor: blocks,
			}
			h.waitNote = &note
			return nil, nil
		})

	grSendInput := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			destPtr, at, ln, value := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			cost := h.weights.HostCallCost(HostSendInput) + uint64(ln)*h.weights.BytePayload
			if !h.chargeGas(cost) {
				return nil, h.trapErr
			}
			destBytes := h.read(destPtr, 32)
			if h.trapErr != nil {
				return nil, h.trapErr
			}
			payload := h.dispatch.Message.Payload
			if int(at) < 0 || int(at)+int(ln) > len(payload) {
				h.trapErr = &MemoryError{Reason: "gr_send_input out of range"}
				return nil, h.trapErr
			}
			dest := BytesToHash(destBytes)
			id := h.nextMessageID()
			msg := NewHandleDispatch(id, h.dispatch.Message.Destination, dest, payload[at:at+ln], uint64(value), 0)
			h.notes = append(h.notes, JournalNote{Kind: NoteSendDispatch, Program: h.dispatch.Message.Destination, Message: id, Dispatch: msg})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grReplyInput := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			at, ln, value := args[0].I32(), args[1].I32(), args[2].I32()
			cost := h.weights.HostCallCost(HostReplyInput) + uint64(ln)*h.weights.BytePayload
			if !h.chargeGas(cost) {
				return nil, h.trapErr
			}
			payload := h.dispatch.Message.Payload
			if int(at) < 0 || int(at)+int(ln) > len(payload) {
				h.trapErr = &MemoryError{Reason: "gr_reply_input out of range"}
				return nil, h.trapErr
			}
			reply := AutoErrorReply(h.dispatch, ReplyCodeSuccess, uint64(value))
			reply.Message.Payload = payload[at : at+ln]
			h.notes = append(h.notes, JournalNote{Kind: NoteSendDispatch, Program: h.dispatch.Message.Destination, Message: reply.Message.ID, Dispatch: reply})
			h.repliedExplicitly = true
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	grLeave := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.HostCallCost(HostLeaveCall)) {
				return nil, h.trapErr
			}
			h.repliedExplicitly = true
			return nil, nil
		})

	grAlloc := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			pages := uint32(args[0].I32())
			if !h.chargeGas(h.weights.GrowPage * uint64(pages)) {
				return nil, h.trapErr
			}
			start := nextWasmPageStart(h.allocations)
			h.allocations = append(h.allocations, PageInterval{Start: start, End: start + pages})
			h.allocationsDirty = true
			return []wasmer.Value{wasmer.NewI32(int32(start))}, nil
		})

	grFree := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.chargeGas(h.weights.InstructionBase) {
				return nil, h.trapErr
			}
			h.allocations = freeWasmPageInterval(h.allocations, uint32(args[0].I32()))
			h.allocationsDirty = true
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"gr_size":               grSize,
		"gr_read":               grRead,
		"gr_send":               grSend,
		"gr_send_input":         grSendInput,
		"gr_reply":              grReply,
		"gr_reply_input":        grReplyInput,
		"gr_exit":               grExit,
		"gr_wait":               grWait,
		"gr_wait_for":           grWaitFor,
		"gr_wait_up_to":         grWaitUpTo,
		"gr_wake":               grWake,
		"gr_source":             grSource,
		"gr_value":              grValue,
		"gr_reserve_gas":        grReserveGas,
		"gr_unreserve_gas":      grUnreserveGas,
		"gr_system_reserve_gas": grSystemReserveGas,
		"gr_create_program":     grCreateProgram,
		"gr_leave":              grLeave,
		"gr_alloc":              grAlloc,
		"gr_free":               grFree,
	})

	return imports
}
