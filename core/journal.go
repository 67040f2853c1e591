package core

// Journal is the ordered list of side-effect notes ExecutionCore produces
// for a single message's execution. Nothing in
// ExecutionCore mutates ProgramState or StateDB directly: every observable
// effect is recorded as a JournalNote and applied afterwards by
// JournalHandler, so that the same execution trace can be replayed,
// diffed, or discarded (OverlayExecutor discards it) without re-running
// WASM.

// JournalNoteKind tags the effect-record variants a journal may carry.
type JournalNoteKind uint8

const (
	NoteMessageDispatched JournalNoteKind = iota
	NoteGasBurned
	NoteExitDispatch
	NoteMessageConsumed
	NoteSendDispatch
	NoteWaitDispatch
	NoteWakeMessage
	NoteUpdatePages
	NoteUpdateAllocations
	NoteSendValue
	NoteStoreNewPrograms
	NoteReserveGas
	NoteUnreserveGas
	NoteSystemReserveGas
	NoteSystemUnreserveGas
	NoteSendSignal
	NoteReplyDeposit
	NoteStopProcessing
)

// WaitKind distinguishes which wait host call suspended the dispatch.
type WaitKind uint8

const (
	WaitKindWaitFor WaitKind = iota
	WaitKindWaitUpTo
	WaitKindWait
)

// JournalNote is a single recorded effect. Exactly the fields relevant to
// Kind are populated; this mirrors the tagged-union discipline used
// throughout core.
type JournalNote struct {
	Kind JournalNoteKind

	Program ActorId   // target program for program-scoped notes
	Message MessageId // message this note is scoped to

	// NoteMessageDispatched / NoteExitDispatch: the kind of the dispatch that
	// ran. Init completions drive the Uninit -> Init / Terminated lifecycle
	// transitions, and exit during init terminates instead of exiting.
	MsgKind MessageKind

	// NoteGasBurned / NoteReserveGas / NoteUnreserveGas / NoteSystemReserveGas / NoteSystemUnreserveGas
	GasAmount uint64

	// NoteExitDispatch
	Inheritor ActorId

	// NoteMessageConsumed: nothing further

	// NoteSendDispatch / NoteSendSignal
	Dispatch  Dispatch
	Delay     uint32 // blocks until the dispatch should graduate from Stash, 0 = immediate
	ReplyCode ReplyCode

	// NoteWaitDispatch
	WaitKind    WaitKind
	WaitContext Context
	WaitFor     uint32 // blocks, meaningful for WaitKindWaitFor/WaitKindWaitUpTo

	// NoteWakeMessage
	WakeTarget MessageId

	// NoteUpdatePages
	PageUpdates map[uint32][]byte // page number -> new 16 KiB content, nil content = deallocate

	// NoteUpdateAllocations
	NewAllocations AllocationsTree

	// NoteSendValue
	To    ActorId
	Value uint64

	// NoteStoreNewPrograms
	NewPrograms []NewProgramRecord

	// NoteReserveGas
	ReservationId ReservationId
	ExpiresAt     uint32

	// NoteReplyDeposit
	DepositTo MessageId

	// NoteStopProcessing: gas allowance exhausted mid-block;
	// the remaining queue is requeued unprocessed.
	GasAllowanceLeft uint64
}

// NewProgramRecord pairs a freshly created actor id with its code id and
// init dispatch, as produced by a `create_program` host call.
type NewProgramRecord struct {
	Actor ActorId
	CodeId Hash
	Init  Dispatch
}

// JournalHandler applies the notes ExecutionCore produced for one message
// to StateDB and the GasTree, strictly in note order. Applying notes out of
// order could make an intermediate state observable that never exists in the
// reference processing order.
type JournalHandler struct {
	db       *StateDB
	gas      *GasTree
	limits   Limits
	sched    *Scheduler
	currentH uint32
}

// NewJournalHandler constructs a handler bound to db/gas/scheduler at the
// block height currently being processed.
func NewJournalHandler(db *StateDB, gas *GasTree, sched *Scheduler, limits Limits, height uint32) *JournalHandler {
	return &JournalHandler{db: db, gas: gas, limits: limits, sched: sched, currentH: height}
}

// Apply folds notes into ps, consulting and updating the gas tree and
// scheduler as a side effect, and returns the resulting ProgramState plus
// any outgoing dispatches/signals that must be delivered to other programs'
// queues or to the mailbox/StateRoot machinery.
func (h *JournalHandler) Apply(ps ProgramState, notes []JournalNote) (ProgramState, Outcome, error) {
	var out Outcome
	for _, n := range notes {
		var err error
		switch n.Kind {
		case NoteGasBurned:
			err = h.gas.Spend(n.Message, n.GasAmount)

		case NoteMessageDispatched:
			// Init completions advance the program lifecycle: the first
			// successful Init activates, a failed Init terminates. A program already out of Active{Uninit} (e.g.
			// because an ExitDispatch ran earlier in this journal) keeps its
			// status.
			if n.MsgKind == KindInit && ps.Status.Kind == ProgramActive && ps.Status.Init == InitStatusUninit {
				if IsErrorReplyCode(n.ReplyCode) {
					ps.Status = Terminated(n.Message)
				} else {
					ps.Status = ActiveInit()
				}
			}

		case NoteExitDispatch:
			if ps.Balance > 0 {
				remaining := ps.Balance
				ps, err = h.db.UpdateBalance(ps, -int64(remaining))
				if err == nil {
					out.ValueClaims = append(out.ValueClaims, ValueClaim{To: n.Inheritor, Value: remaining})
					out.BalanceDelta -= int64(remaining)
				}
			}
			if err == nil {
				if n.MsgKind == KindInit {
					// exit from within init terminates rather than exits
					ps.Status = Terminated(n.Message)
				} else {
					ps.Status = Exited(n.Inheritor)
				}
			}

		case NoteMessageConsumed:
			// The dispatch was already popped from the queue before execution
			// began; what remains is collapsing its gas node so unspent gas
			// flows back to the parent. Queries and synthetic dispatches have
			// no node.
			if _, known := h.gas.BalanceOf(n.Message); known {
				_, _ = h.gas.Consume(n.Message)
			}

		case NoteUpdatePages:
			ps, err = h.db.WithPages(ps, func(pages PagesMap) (PagesMap, error) {
				for page, content := range n.PageUpdates {
					if content == nil {
						pages = pages.Remove(page)
						continue
					}
					pages = pages.Set(page, h.db.PutPageData(content))
				}
				return pages, nil
			})

		case NoteUpdateAllocations:
			ps, err = h.db.WithAllocations(ps, func(AllocationsTree) (AllocationsTree, error) {
				return n.NewAllocations, nil
			})

		case NoteSendValue:
			ps, err = h.db.UpdateBalance(ps, -int64(n.Value))
			if err == nil {
				out.ValueClaims = append(out.ValueClaims, ValueClaim{To: n.To, Value: n.Value})
				out.BalanceDelta -= int64(n.Value)
			}

		case NoteSendDispatch:
			if n.Dispatch.Message.Kind == KindInit || n.Dispatch.Message.Kind == KindHandle {
				// Nonce-consuming sends; replies and signals derive their ids
				// from the origin message instead.
				ps.History.MessagingNonce++
			}
			if n.Delay > 0 {
				graduateAt := h.currentH + n.Delay
				ps, err = h.db.WithStash(ps, func(s Stash) (Stash, error) {
					return s.Insert(StashEntry{StashId: n.Dispatch.Message.ID, Dispatch: n.Dispatch, Height: graduateAt}), nil
				})
				if err == nil {
					h.sched.Schedule(graduateAt, Task{
						Kind:     TaskSendDispatch,
						Program:  n.Dispatch.Message.Destination,
						Owner:    n.Program,
						Dispatch: n.Dispatch,
					})
				}
			} else {
				out.Outgoing = append(out.Outgoing, n.Dispatch)
			}

		case NoteSendSignal:
			out.Outgoing = append(out.Outgoing, n.Dispatch)

		case NoteWaitDispatch:
			ps.History.Waits++
			var height uint32
			switch n.WaitKind {
			case WaitKindWaitFor, WaitKindWaitUpTo:
				height = h.currentH + n.WaitFor
			default:
				height = WaitForever
			}
			d := n.Dispatch
			d.Context = n.WaitContext
			ps, err = h.db.WithWaitlist(ps, func(w Waitlist) (Waitlist, error) {
				return w.Insert(height, d), nil
			})
			if err == nil && height != WaitForever {
				h.sched.Schedule(height, Task{Kind: TaskRemoveFromWaitlist, Program: n.Program, Message: d.Message.ID})
			}

		case NoteWakeMessage:
			var woken Dispatch
			var wokenHeight uint32
			var found bool
			ps, err = h.db.WithWaitlist(ps, func(w Waitlist) (Waitlist, error) {
				next, d, height, ok := w.Take(n.WakeTarget)
				woken, wokenHeight, found = d, height, ok
				return next, nil
			})
			if err == nil && found {
				if wokenHeight != WaitForever {
					h.sched.Cancel(wokenHeight, TaskRemoveFromWaitlist, n.Program, n.WakeTarget)
				}
				ps, err = h.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) {
					return q.PushBack(woken), nil
				})
			}

		case NoteStoreNewPrograms:
			for _, np := range n.NewPrograms {
				h.db.SetProgramCode(np.Actor, np.CodeId)
				out.NewPrograms = append(out.NewPrograms, np)
				// Each child program's Init id consumed one outgoing nonce.
				ps.History.MessagingNonce++
			}

		case NoteReserveGas:
			ps.History.ReservationNonce++
			err = h.gas.Reserve(n.Message, n.ReservationId, n.GasAmount)
			if err == nil {
				ps, err = h.db.WithGasReservations(ps, func(g GasReservationMap) (GasReservationMap, error) {
					return append(g, GasReservationEntry{ReservationId: n.ReservationId, Amount: n.GasAmount, ExpiresAt: n.ExpiresAt}), nil
				})
			}

		case NoteUnreserveGas:
			_, err = h.gas.Consume(n.ReservationId)
			if err == nil {
				ps, err = h.db.WithGasReservations(ps, func(g GasReservationMap) (GasReservationMap, error) {
					return removeReservation(g, n.ReservationId), nil
				})
			}

		case NoteSystemReserveGas:
			err = h.gas.Lock(n.Message, n.GasAmount)
			if err == nil {
				ps.SystemReservation += n.GasAmount
			}

		case NoteSystemUnreserveGas:
			var released uint64
			released, err = h.gas.UnlockAll(n.Message)
			if ps.SystemReservation >= released {
				ps.SystemReservation -= released
			} else {
				ps.SystemReservation = 0
			}

		case NoteReplyDeposit:
			err = h.gas.Reserve(n.Message, n.DepositTo, n.GasAmount)

		case NoteStopProcessing:
			out.StoppedEarly = true
		}
		if err != nil {
			return ps, out, err
		}
	}
	return ps, out, nil
}

func removeReservation(g GasReservationMap, id ReservationId) GasReservationMap {
	out := make(GasReservationMap, 0, len(g))
	for _, e := range g {
		if e.ReservationId != id {
			out = append(out, e)
		}
	}
	return out
}

// Outcome collects the cross-program effects a single message's journal
// produced, for the BlockProcessor to route to other programs' queues, the
// mailbox, and the state-transition record.
type Outcome struct {
	Outgoing     []Dispatch
	ValueClaims  []ValueClaim
	NewPrograms  []NewProgramRecord
	StoppedEarly bool

	// BalanceDelta sums every balance adjustment this message's journal
	// applied (NoteSendValue, NoteExitDispatch), for BlockProcessor to fold
	// into the actor's final StateTransition.
	BalanceDelta int64
}
