package core

// BlockProcessor orchestrates a single block's worth of message processing:
// ingest router events, drain scheduler tasks due at this height, run the
// canonical queues of every program with pending work in
// deterministically-ordered parallel chunks, fold each chunk's journal back
// in single-threaded dispatch order, iterate until no program has further
// canonical work, then drain the injected queues the same way and finalize a
// StateRoot. Chunk execution fans out through golang.org/x/sync/errgroup, but
// journals are only ever applied on the dispatching goroutine, so parallelism
// is a speedup, never a reordering.

import (
	"encoding/binary"
	"sort"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BlockProcessor ties together the pieces every block needs.
type BlockProcessor struct {
	db      *StateDB
	gas     *GasTree
	sched   *Scheduler
	exec    *ExecutionCore
	decoder *EventDecoder
	cfg     EngineConfig
	log     *logrus.Logger
}

// NewBlockProcessor constructs a processor over the given components.
func NewBlockProcessor(db *StateDB, gas *GasTree, sched *Scheduler, exec *ExecutionCore, decoder *EventDecoder, cfg EngineConfig) *BlockProcessor {
	return &BlockProcessor{db: db, gas: gas, sched: sched, exec: exec, decoder: decoder, cfg: cfg, log: logrus.StandardLogger()}
}

// BlockResult is what ProcessBlock hands back: the finalized transitions and
// their commitment.
type BlockResult struct {
	Height      uint32
	Transitions []StateTransition
	Commitment  Commitment
}

// blockEnv is the mutable working set of one ProcessBlock call: the in-block
// program states, the actor list (extended by ProgramCreated events and
// create_program journal notes), the per-actor accumulators that feed the
// final StateTransition records, and the block's remaining gas allowance.
type blockEnv struct {
	height    uint32
	current   map[ActorId]ProgramState
	actors    []ActorId
	tracked   map[ActorId]bool
	deltas    map[ActorId]int64
	claims    map[ActorId][]ValueClaim
	outgoing  map[ActorId][]Message
	allowance uint64
	stopped   bool
}

func (e *blockEnv) track(a ActorId, ps ProgramState) {
	if !e.tracked[a] {
		e.tracked[a] = true
		e.actors = append(e.actors, a)
	}
	e.current[a] = ps
}

// DecodeLogs decodes raw router contract logs into the events ProcessBlock
// ingests, skipping logs the router ABI doesn't describe.
func (bp *BlockProcessor) DecodeLogs(logs []ethtypes.Log) []RouterEvent {
	var events []RouterEvent
	for _, l := range logs {
		ev, ok, err := bp.decoder.Decode(l)
		if err != nil {
			bp.log.WithError(err).Warn("skipping undecodable router log")
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

// ProcessBlock runs the full per-block pipeline: events are
// ingested in order, due scheduler tasks fire, canonical queues drain to
// empty across iterated parallel chunks, injected queues drain the same way,
// and the surviving per-actor effects are folded into a commitment. The
// result is a pure function of (prior state, events, weights); cfg.ChunkSize
// only affects how much parallel work is in flight at once, never which
// journals apply or in what order.
func (bp *BlockProcessor) ProcessBlock(height uint32, prevCommit Hash, events []RouterEvent, actors []ActorId, states map[ActorId]Hash) (BlockResult, error) {
	env := &blockEnv{
		height:   height,
		current:  make(map[ActorId]ProgramState, len(actors)),
		tracked:  make(map[ActorId]bool, len(actors)),
		deltas:   make(map[ActorId]int64),
		claims:   make(map[ActorId][]ValueClaim),
		outgoing: make(map[ActorId][]Message),
	}
	for _, a := range actors {
		h, ok := states[a]
		if !ok {
			continue
		}
		ps, err := bp.db.GetProgramState(h)
		if err != nil {
			return BlockResult{}, &ProcessorError{Reason: "load program state: " + err.Error()}
		}
		env.track(a, ps)
	}

	if err := bp.ingestEvents(env, events); err != nil {
		return BlockResult{}, err
	}
	env.allowance = bp.cfg.GasAllowancePerBlock

	drained, err := bp.applyScheduledTasks(env)
	if err != nil {
		return BlockResult{}, err
	}

	if err := bp.drainQueues(env, false); err != nil {
		return BlockResult{}, err
	}
	if err := bp.drainQueues(env, true); err != nil {
		return BlockResult{}, err
	}

	if env.stopped {
		bp.log.WithField("height", height).Warn("block gas allowance exhausted; remaining dispatches stay queued for next block")
	}

	var transitions []StateTransition
	for _, a := range env.actors {
		ps, ok := env.current[a]
		if !ok {
			continue
		}
		h := bp.db.PutProgramState(ps)
		transitions = append(transitions, StateTransition{
			ActorId:          a,
			NewStateHash:     h,
			BalanceDelta:     env.deltas[a],
			ValueClaims:      env.claims[a],
			OutgoingMessages: env.outgoing[a],
		})
	}

	root := StateRoot(transitions)
	scheduleHash := ScheduleHash(height, drained)
	commitment := Commitment{StateRoot: root, ScheduleHash: scheduleHash, PrevCommit: prevCommit, Transitions: transitions}

	bp.log.WithFields(logrus.Fields{
		"height":      height,
		"transitions": len(transitions),
		"commitment":  commitment.Hash().Hex(),
	}).Info("block applied")

	return BlockResult{Height: height, Transitions: transitions, Commitment: commitment}, nil
}

// routerMessageId derives the id of a message injected by a router event:
// a pure function of the block height and the event's position in it.
func routerMessageId(height uint32, index int) MessageId {
	var buf [18]byte
	copy(buf[:6], "router")
	binary.BigEndian.PutUint32(buf[6:10], height)
	binary.BigEndian.PutUint64(buf[10:], uint64(index))
	return HashBytes(buf[:])
}

// ingestEvents applies the block's router events in order
// before any queue processing begins.
func (bp *BlockProcessor) ingestEvents(env *blockEnv, events []RouterEvent) error {
	for i, ev := range events {
		switch ev.Kind {
		case EventCodeUploaded:
			// The blob itself arrives through the (out of scope) Ethereum
			// client, which stores the raw bytes under the code id before the
			// block is processed; validation happens here.
			code, ok := bp.db.GetOriginalCode(ev.CodeId)
			if !ok {
				bp.log.WithField("code", ev.CodeId.Hex()).Warn("code upload observed before its blob; skipping validation")
				continue
			}
			meta, err := ValidateCode(code, bp.cfg.Limits, bp.cfg.InstrWeightsVersion)
			if err != nil {
				bp.db.MarkCodeValid(ev.CodeId, false)
				continue
			}
			bp.db.PutCodeMetadata(ev.CodeId, meta)
			bp.db.MarkCodeValid(ev.CodeId, true)

		case EventCodeValidated:
			bp.db.MarkCodeValid(ev.CodeId, ev.Valid)

		case EventProgramCreated:
			if valid, known := bp.db.IsCodeValid(ev.CodeId); known && !valid {
				bp.log.WithField("code", ev.CodeId.Hex()).Warn("program created against invalid code; ignoring")
				continue
			}
			if err := ValidateSalt(ev.Salt, bp.cfg.MaxSalt); err != nil {
				bp.log.WithError(err).Warn("program created with oversized salt; ignoring")
				continue
			}
			ps := NewProgramState(ev.CodeId)
			ps.Balance = ev.Value
			init := Dispatch{Message: Message{
				ID: routerMessageId(env.height, i), Source: ev.Initializer, Destination: ev.ActorId,
				Value: ev.Value, Kind: KindInit,
			}}
			ps, err := bp.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(init), nil })
			if err != nil {
				return &ProcessorError{Reason: "queue init dispatch: " + err.Error()}
			}
			bp.db.SetProgramCode(ev.ActorId, ev.CodeId)
			env.track(ev.ActorId, ps)

		case EventSendMessage:
			if err := ValidatePayload(ev.Payload, bp.cfg.MaxPayload); err != nil {
				bp.log.WithError(err).Warn("rejecting oversized router message")
				continue
			}
			if ev.GasLimit < bp.cfg.MailboxThresholdGas {
				bp.log.WithField("gas", ev.GasLimit).Warn("rejecting router message below mailbox threshold")
				continue
			}
			ps, ok := env.current[ev.Destination]
			if !ok {
				bp.log.WithField("destination", ev.Destination.Hex()).Warn("router message to unknown program; dropping")
				continue
			}
			id := routerMessageId(env.height, i)
			dispatch := NewHandleDispatch(id, ZeroHash, ev.Destination, ev.Payload, ev.Value, ev.GasLimit)
			ps, err := bp.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(dispatch), nil })
			if err != nil {
				return &ProcessorError{Reason: "queue router message: " + err.Error()}
			}
			_ = bp.gas.Create(id, ev.GasLimit)
			env.current[ev.Destination] = ps

		case EventValueTransfer:
			if ps, ok := env.current[ev.To]; ok {
				ps, err := bp.db.UpdateBalance(ps, int64(ev.Value))
				if err != nil {
					return err
				}
				env.current[ev.To] = ps
				env.deltas[ev.To] += int64(ev.Value)
			}

		case EventValidatorSetUpdate:
			// Signing-side concern: rotation is opaque to the engine.
			bp.log.WithFields(logrus.Fields{"epoch": ev.Epoch, "validators": len(ev.Validators)}).Info("validator set update observed")

		case EventComputeSettingsUpdate:
			if ev.ChunkSize > 0 {
				bp.cfg.ChunkSize = int(ev.ChunkSize)
			}
			if ev.GasAllowancePerBlock > 0 {
				bp.cfg.GasAllowancePerBlock = ev.GasAllowancePerBlock
			}
		}
	}
	return nil
}

// drainQueues runs the iterated chunked execution loop over either the
// canonical (injected=false) or injected (injected=true) queues, until no
// tracked program has pending work or the block's gas allowance runs out.
func (bp *BlockProcessor) drainQueues(env *blockEnv, injected bool) error {
	for !env.stopped {
		plan := bp.executionPlan(env, injected)
		if len(plan) == 0 {
			return nil
		}
		progressed, err := bp.runRound(env, plan, injected)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// execResult is one program's speculative execution output for a round: the
// state with the head dispatch popped, the dispatch itself, and the journal
// it produced. Nothing here has been applied yet.
type execResult struct {
	actor      ActorId
	state      ProgramState
	dispatch   Dispatch
	notes      []JournalNote
	progressed bool
}

// runRound executes one dispatch per planned program. Chunks run their
// members concurrently and join before the next chunk starts; every journal
// is then applied on this goroutine, in plan order. Once the allowance is exhausted, later results in the plan are
// discarded unapplied -- their programs' queues still hold the dispatch, so
// the next block picks them up. The discard point depends
// only on plan order, keeping the outcome chunk-size-independent.
func (bp *BlockProcessor) runRound(env *blockEnv, plan []ActorId, injected bool) (bool, error) {
	anyProgress := false
	for _, ch := range chunk(plan, bp.cfg.ChunkSize) {
		if env.stopped {
			break
		}
		results := make([]execResult, len(ch))
		var g errgroup.Group
		g.SetLimit(bp.cfg.ChunkProcessingThreads)
		for i, actor := range ch {
			i, actor := i, actor
			g.Go(func() error {
				r, err := bp.runOne(actor, env.current[actor], injected, env.height)
				if err != nil {
					return err
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}

		// Phase one: fold every surviving journal into its own program's
		// state. Phase two routes cross-program effects afterwards, so a
		// route into a chunk-mate's queue can never be clobbered by that
		// chunk-mate's own pending apply.
		type appliedResult struct {
			actor    ActorId
			dispatch Dispatch
			outcome  Outcome
		}
		var applied []appliedResult
		for _, r := range results {
			if !r.progressed || env.stopped {
				continue
			}
			if _, known := bp.gas.BalanceOf(r.dispatch.Message.ID); !known {
				_ = bp.gas.Create(r.dispatch.Message.ID, r.dispatch.Message.GasLimit)
			}
			handler := NewJournalHandler(bp.db, bp.gas, bp.sched, bp.cfg.Limits, env.height)
			newPS, outcome, err := handler.Apply(r.state, r.notes)
			if err != nil {
				return false, err
			}
			env.current[r.actor] = newPS
			env.deltas[r.actor] += outcome.BalanceDelta
			env.claims[r.actor] = append(env.claims[r.actor], outcome.ValueClaims...)
			anyProgress = true

			spent := gasSpentFromNotes(r.notes)
			if spent >= env.allowance || outcome.StoppedEarly {
				env.allowance = 0
				env.stopped = true
			} else {
				env.allowance -= spent
			}
			applied = append(applied, appliedResult{actor: r.actor, dispatch: r.dispatch, outcome: outcome})
		}
		for _, ar := range applied {
			bp.routeOutcome(env, ar.actor, ar.dispatch, ar.outcome)
		}
		for _, ar := range applied {
			if env.current[ar.actor].Status.IsTerminal() {
				bp.flushTerminalQueues(env, ar.actor)
			}
		}
	}
	return anyProgress, nil
}

// flushTerminalQueues empties a freshly exited/terminated program's queues,
// answering every pending repliable dispatch with an automatic error reply.
func (bp *BlockProcessor) flushTerminalQueues(env *blockEnv, actor ActorId) {
	ps := env.current[actor]
	code := ReplyCodeUnavailableActorTerminated
	if ps.Status.Kind == ProgramExited {
		code = ReplyCodeUnavailableActorProgramExited
	}
	var pending []Dispatch
	for _, mh := range []MaybeHash{ps.CanonicalQueue, ps.InjectedQueue} {
		q, err := bp.db.GetQueue(mh)
		if err != nil {
			continue
		}
		pending = append(pending, q...)
	}
	ps, err := bp.db.WithCanonicalQueue(ps, func(Queue) (Queue, error) { return nil, nil })
	if err != nil {
		return
	}
	ps, err = bp.db.WithInjectedQueue(ps, func(Queue) (Queue, error) { return nil, nil })
	if err != nil {
		return
	}
	env.current[actor] = ps
	for _, d := range pending {
		if !d.Message.Repliable() {
			continue
		}
		bp.routeDispatch(env, actor, d.Message.ID, AutoErrorReply(d, code, d.Message.Value))
	}
}

// runOne pops the head dispatch of actor's selected queue and executes it
// against a copy of its state, producing a journal. It never touches the gas
// tree, scheduler, or any other program's state: those belong to the serial
// apply phase.
func (bp *BlockProcessor) runOne(actor ActorId, ps ProgramState, injected bool, height uint32) (execResult, error) {
	mh := ps.CanonicalQueue
	if injected {
		mh = ps.InjectedQueue
	}
	queue, err := bp.db.GetQueue(mh)
	if err != nil {
		return execResult{}, &ProcessorError{Reason: "load queue: " + err.Error()}
	}
	dispatch, rest, ok := queue.PopFront()
	if !ok {
		return execResult{actor: actor, state: ps}, nil
	}

	with := bp.db.WithCanonicalQueue
	if injected {
		with = bp.db.WithInjectedQueue
	}
	ps, err = with(ps, func(Queue) (Queue, error) { return rest, nil })
	if err != nil {
		return execResult{}, err
	}

	if !dispatch.Message.HasGasLimit {
		// Unspecified gas: the dispatch runs under an engine-assigned budget
		// rather than a sender-purchased one. Fixed (not remaining-allowance
		// derived) so the outcome never depends on chunk placement.
		dispatch.Message.GasLimit = bp.cfg.GasAllowancePerBlock
		dispatch.Message.HasGasLimit = true
	}

	notes, err := bp.exec.Execute(bp.db, ps, dispatch, height)
	if err != nil {
		return execResult{}, err
	}
	return execResult{actor: actor, state: ps, dispatch: dispatch, notes: notes, progressed: true}, nil
}

func gasSpentFromNotes(notes []JournalNote) uint64 {
	var total uint64
	for _, n := range notes {
		if n.Kind == NoteGasBurned {
			total += n.GasAmount
		}
	}
	return total
}

// routeOutcome delivers a finished message's cross-program effects: ordinary
// sends to an active program land on its canonical queue and are drained by a
// later iteration of the same block; replies and signals are
// system-originated and land on the injected queue, processed after canonical
// work completes; a send to a terminal program short-circuits into an
// automatic error reply;
// a destination that isn't a tracked program is a plain user, handled by
// deliverToUser. Freshly created programs enter the actor set here too.
func (bp *BlockProcessor) routeOutcome(env *blockEnv, from ActorId, origin Dispatch, outcome Outcome) {
	for _, np := range outcome.NewPrograms {
		if _, exists := env.current[np.Actor]; exists {
			continue
		}
		ps := NewProgramState(np.CodeId)
		ps, err := bp.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(np.Init), nil })
		if err != nil {
			continue
		}
		env.track(np.Actor, ps)
	}

	for _, d := range outcome.Outgoing {
		bp.routeDispatch(env, from, origin.Message.ID, d)
	}
}

func (bp *BlockProcessor) routeDispatch(env *blockEnv, from ActorId, parent MessageId, d Dispatch) {
	dest := d.Message.Destination
	ps, tracked := env.current[dest]
	if !tracked {
		bp.deliverToUser(env, from, parent, d)
		return
	}

	if ps.Status.IsTerminal() {
		if d.Message.IsReply() || d.Message.IsSignal() {
			// Nothing left to handle a reply; it is consumed silently.
			return
		}
		// Terminal programs never see the message; the sender gets an
		// automatic error reply carrying the unspent value.
		if !d.Message.Repliable() {
			return
		}
		code := ReplyCodeUnavailableActorTerminated
		if ps.Status.Kind == ProgramExited {
			code = ReplyCodeUnavailableActorProgramExited
		}
		bp.routeDispatch(env, dest, d.Message.ID, AutoErrorReply(d, code, d.Message.Value))
		return
	}

	if d.Message.IsReply() && d.Message.Details.HasReply {
		ps = bp.claimMailboxHold(dest, ps, d.Message.Details.Reply)
	}

	with := bp.db.WithCanonicalQueue
	if d.Message.IsReply() || d.Message.IsSignal() {
		with = bp.db.WithInjectedQueue
	}
	ps, err := with(ps, func(q Queue) (Queue, error) { return q.PushBack(d), nil })
	if err != nil {
		return
	}
	env.current[dest] = ps
}

// claimMailboxHold releases the mailbox hold a reply answers, if the
// receiving program has one for the replied-to message. A success reply is a
// claim: the hold is simply released. An error reply to the program's own
// outgoing mailbox entry follows cfg.AutoReplyToOwnMailboxPolicy: the held
// value burns by default, or returns to the program when configured.
func (bp *BlockProcessor) claimMailboxHold(actor ActorId, ps ProgramState, reply ReplyDetails) ProgramState {
	var removed MailboxEntry
	var found bool
	next, err := bp.db.WithMailbox(ps, func(m Mailbox) (Mailbox, error) {
		nm, _, entry, ok := m.RemoveById(reply.To)
		removed, found = entry, ok
		return nm, nil
	})
	if err != nil || !found {
		return ps
	}
	ps = next
	bp.sched.Cancel(removed.Expiration, TaskRemoveFromMailbox, actor, reply.To)
	if _, known := bp.gas.BalanceOf(reply.To); known {
		_, _ = bp.gas.Consume(reply.To)
	}
	if IsErrorReplyCode(reply.Code) && bp.cfg.AutoReplyToOwnMailboxPolicy == AutoReplyMailboxReturnToSource {
		if updated, err := bp.db.UpdateBalance(ps, int64(removed.Value)); err == nil {
			ps = updated
		}
	}
	return ps
}

// deliverToUser handles a dispatch addressed to a plain user rather than a
// tracked program. A dispatch carrying
// enough gas to cover the mailbox threshold is held in the sender's own
// mailbox as a Cut gas node, pending claim or reply, and a RemoveFromMailbox
// task is scheduled for its expiry; one with insufficient gas is recorded
// directly as an outgoing message on the sender's transition instead.
func (bp *BlockProcessor) deliverToUser(env *blockEnv, from ActorId, parent MessageId, d Dispatch) {
	ps, ok := env.current[from]
	if !ok {
		return
	}
	if d.Message.GasLimit < bp.cfg.MailboxThresholdGas {
		env.outgoing[from] = append(env.outgoing[from], d.Message)
		return
	}
	user := BytesToAddress(d.Message.Destination[:])
	expiresAt := env.height + bp.cfg.CanonicalQuarantine
	ps, err := bp.db.WithMailbox(ps, func(m Mailbox) (Mailbox, error) {
		return m.Insert(user, MailboxEntry{MessageId: d.Message.ID, Value: d.Message.Value, Expiration: expiresAt}), nil
	})
	if err != nil {
		return
	}
	env.current[from] = ps
	_ = bp.gas.Split(parent, d.Message.ID, GasNodeCut, bp.cfg.MailboxThresholdGas)
	bp.sched.Schedule(expiresAt, Task{Kind: TaskRemoveFromMailbox, Program: from, Message: d.Message.ID, User: user})
}

// applyScheduledTasks drains and applies every scheduler task due at or
// before the block height, before any queue processing begins,
// and returns the drained tasks so ProcessBlock can commit to them in
// ScheduleHash.
func (bp *BlockProcessor) applyScheduledTasks(env *blockEnv) ([]Task, error) {
	tasks := bp.sched.Drain(env.height)
	for _, t := range tasks {
		var err error
		switch t.Kind {
		case TaskRemoveFromWaitlist:
			ps, ok := env.current[t.Program]
			if !ok {
				continue
			}
			var expired Dispatch
			var found bool
			ps, err = bp.db.WithWaitlist(ps, func(w Waitlist) (Waitlist, error) {
				next, d, _, ok := w.Take(t.Message)
				expired, found = d, ok
				return next, nil
			})
			if err == nil && found {
				reply := AutoErrorReply(expired, ReplyCodeExecutionUnreachable, expired.Message.Value)
				env.current[t.Program] = ps
				bp.routeDispatch(env, t.Program, expired.Message.ID, reply)
				ps = env.current[t.Program]
			}
			env.current[t.Program] = ps

		case TaskRemoveFromMailbox:
			ps, ok := env.current[t.Program]
			if !ok {
				continue
			}
			var removed MailboxEntry
			var found bool
			ps, err = bp.db.WithMailbox(ps, func(m Mailbox) (Mailbox, error) {
				next, entry, ok := m.Remove(t.User, t.Message)
				removed, found = entry, ok
				return next, nil
			})
			if err == nil && found {
				// Unclaimed entry: value returns to the program, the mailbox
				// Cut node collapses back into its parent.
				ps, err = bp.db.UpdateBalance(ps, int64(removed.Value))
				if _, known := bp.gas.BalanceOf(t.Message); known {
					_, _ = bp.gas.Consume(t.Message)
				}
			}
			env.current[t.Program] = ps

		case TaskWakeMessage:
			ps, ok := env.current[t.Program]
			if !ok {
				continue
			}
			var woken Dispatch
			var found bool
			ps, err = bp.db.WithWaitlist(ps, func(w Waitlist) (Waitlist, error) {
				next, d, _, ok := w.Take(t.Message)
				woken, found = d, ok
				return next, nil
			})
			if err == nil && found {
				ps, err = bp.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(woken), nil })
			}
			env.current[t.Program] = ps

		case TaskSendDispatch:
			// The delayed dispatch graduates from the sender's stash to the
			// destination's canonical queue.
			if owner, ok := env.current[t.Owner]; ok {
				owner, err = bp.db.WithStash(owner, func(s Stash) (Stash, error) {
					next, _, _ := s.Take(t.Dispatch.Message.ID)
					return next, nil
				})
				if err != nil {
					break
				}
				env.current[t.Owner] = owner
			}
			if ps, ok := env.current[t.Program]; ok {
				ps, err = bp.db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(t.Dispatch), nil })
				if err == nil {
					env.current[t.Program] = ps
				}
			} else {
				bp.deliverToUser(env, t.Owner, t.Dispatch.Message.ID, t.Dispatch)
			}

		case TaskReapProgram:
			if ps, ok := env.current[t.Program]; ok {
				ps.Status = Terminated(ZeroHash)
				env.current[t.Program] = ps
			}
		}
		if err != nil {
			return nil, &ProcessorError{Reason: "apply scheduled task: " + err.Error()}
		}
	}
	return tasks, nil
}

// executionPlan enumerates the tracked programs with pending work on the
// selected queue, heaviest (longest) queue first so the widest chunks start
// on the slowest programs, tie-broken by actor id.
func (bp *BlockProcessor) executionPlan(env *blockEnv, injected bool) []ActorId {
	type planned struct {
		actor ActorId
		depth int
	}
	var plan []planned
	for _, a := range env.actors {
		ps, ok := env.current[a]
		if !ok || ps.Status.IsTerminal() {
			continue
		}
		mh := ps.CanonicalQueue
		if injected {
			mh = ps.InjectedQueue
		}
		if mh.Empty {
			continue
		}
		q, err := bp.db.GetQueue(mh)
		if err != nil || len(q) == 0 {
			continue
		}
		plan = append(plan, planned{actor: a, depth: len(q)})
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].depth != plan[j].depth {
			return plan[i].depth > plan[j].depth
		}
		return bytesCompare(plan[i].actor[:], plan[j].actor[:]) < 0
	})
	out := make([]ActorId, len(plan))
	for i, p := range plan {
		out[i] = p.actor
	}
	return out
}

// chunk splits actors into ceil(len/size) deterministically-ordered groups
// of at most size actors each.
func chunk(actors []ActorId, size int) [][]ActorId {
	if size <= 0 {
		size = len(actors)
		if size == 0 {
			return nil
		}
	}
	var out [][]ActorId
	for i := 0; i < len(actors); i += size {
		end := i + size
		if end > len(actors) {
			end = len(actors)
		}
		out = append(out, actors[i:end])
	}
	return out
}
