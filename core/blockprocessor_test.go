package core

import (
	"bytes"
	"testing"
)

func setupBlockProcessor(t *testing.T, watName string) (*BlockProcessor, *StateDB, ActorId, Hash) {
	t.Helper()
	exec, db, ps := setupProgram(t, watName)
	actor := HashBytes([]byte("actor-" + watName))
	ps.Status = ActiveInit()
	stateHash := db.PutProgramState(ps)

	gas := NewGasTree()
	sched := NewScheduler()
	decoder, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	bp := NewBlockProcessor(db, gas, sched, exec, decoder, DefaultEngineConfig())
	return bp, db, actor, stateHash
}

// registerCode validates and stores an additional program's code into an
// existing StateDB, for tests that need several programs sharing one world.
func registerCode(t *testing.T, db *StateDB, watName string) Hash {
	t.Helper()
	wasm := compileWAT(t, watName)
	meta, err := ValidateCode(wasm, DefaultLimits(), 1)
	if err != nil {
		t.Fatalf("validate %s: %v", watName, err)
	}
	codeID := db.PutOriginalCode(wasm)
	db.PutCodeMetadata(codeID, meta)
	return codeID
}

func newBlockEnv(height uint32) *blockEnv {
	return &blockEnv{
		height:   height,
		current:  make(map[ActorId]ProgramState),
		tracked:  make(map[ActorId]bool),
		deltas:   make(map[ActorId]int64),
		claims:   make(map[ActorId][]ValueClaim),
		outgoing: make(map[ActorId][]Message),
	}
}

func TestProcessBlockRunsCanonicalQueueToCompletion(t *testing.T) {
	bp, db, actor, stateHash := setupBlockProcessor(t, "echo.wat")

	ps, err := db.GetProgramState(stateHash)
	if err != nil {
		t.Fatalf("get program state: %v", err)
	}
	dispatch := NewHandleDispatch(HashBytes([]byte("m1")), ZeroHash, actor, []byte("ping"), 0, 1_000_000)
	ps, err = db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(dispatch), nil })
	if err != nil {
		t.Fatalf("seed canonical queue: %v", err)
	}
	stateHash = db.PutProgramState(ps)

	result, err := bp.ProcessBlock(1, ZeroHash, nil, []ActorId{actor}, map[ActorId]Hash{actor: stateHash})
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	if len(result.Transitions) != 1 {
		t.Fatalf("expected exactly one state transition, got %d", len(result.Transitions))
	}

	final, err := db.GetProgramState(result.Transitions[0].NewStateHash)
	if err != nil {
		t.Fatalf("load final state: %v", err)
	}
	queue, err := db.GetQueue(final.CanonicalQueue)
	if err != nil {
		t.Fatalf("get final queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected canonical queue drained, got %d remaining", len(queue))
	}
	// The echo reply targets the untracked zero source: it must surface as a
	// direct outgoing message on the transition record.
	if len(result.Transitions[0].OutgoingMessages) != 1 {
		t.Fatalf("expected one outgoing reply message, got %+v", result.Transitions[0].OutgoingMessages)
	}
	if string(result.Transitions[0].OutgoingMessages[0].Payload) != "ping" {
		t.Fatalf("expected echoed payload in the outgoing reply, got %q", result.Transitions[0].OutgoingMessages[0].Payload)
	}
}

func TestProcessBlockCommitmentDeterministicAcrossChunkSize(t *testing.T) {
	bp1, db1, actor1, stateHash1 := setupBlockProcessor(t, "noop.wat")
	bp2, db2, actor2, stateHash2 := setupBlockProcessor(t, "noop.wat")

	seed := func(db *StateDB, actor ActorId, h Hash) Hash {
		ps, _ := db.GetProgramState(h)
		dispatch := NewInitDispatch(HashBytes([]byte("init1")), ZeroHash, actor, nil, 0, 1_000_000)
		ps, _ = db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(dispatch), nil })
		ps.Status = ActiveUninit()
		return db.PutProgramState(ps)
	}
	stateHash1 = seed(db1, actor1, stateHash1)
	stateHash2 = seed(db2, actor2, stateHash2)

	bp1.cfg.ChunkSize = 1
	bp2.cfg.ChunkSize = 64

	r1, err := bp1.ProcessBlock(1, ZeroHash, nil, []ActorId{actor1}, map[ActorId]Hash{actor1: stateHash1})
	if err != nil {
		t.Fatalf("process block 1: %v", err)
	}
	r2, err := bp2.ProcessBlock(1, ZeroHash, nil, []ActorId{actor2}, map[ActorId]Hash{actor2: stateHash2})
	if err != nil {
		t.Fatalf("process block 2: %v", err)
	}

	if len(r1.Transitions) != 1 || len(r2.Transitions) != 1 {
		t.Fatalf("expected one transition per run, got %d and %d", len(r1.Transitions), len(r2.Transitions))
	}
	if r1.Transitions[0].NewStateHash != r2.Transitions[0].NewStateHash {
		t.Fatalf("chunk_size must not affect the resulting state hash: %s vs %s",
			r1.Transitions[0].NewStateHash, r2.Transitions[0].NewStateHash)
	}
}

func TestProcessBlockInitActivatesProgram(t *testing.T) {
	bp, db, actor, stateHash := setupBlockProcessor(t, "noop.wat")

	ps, _ := db.GetProgramState(stateHash)
	ps.Status = ActiveUninit()
	init := NewInitDispatch(HashBytes([]byte("init")), ZeroHash, actor, nil, 0, 1_000_000)
	ps, _ = db.WithCanonicalQueue(ps, func(q Queue) (Queue, error) { return q.PushBack(init), nil })
	stateHash = db.PutProgramState(ps)

	result, err := bp.ProcessBlock(1, ZeroHash, nil, []ActorId{actor}, map[ActorId]Hash{actor: stateHash})
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	final, err := db.GetProgramState(result.Transitions[0].NewStateHash)
	if err != nil {
		t.Fatalf("load final state: %v", err)
	}
	if final.Status.Kind != ProgramActive || final.Status.Init != InitStatusInit {
		t.Fatalf("expected Active{Init} after a successful init, got %+v", final.Status)
	}
}

func TestProcessBlockForwardsBetweenProgramsSameBlock(t *testing.T) {
	bp, db, fwdActor, fwdHash := setupBlockProcessor(t, "forward.wat")

	echoCode := registerCode(t, db, "echo.wat")
	echoActor := HashBytes([]byte("actor-echo"))
	echoPS := NewProgramState(echoCode)
	echoPS.Status = ActiveInit()
	echoHash := db.PutProgramState(echoPS)

	fwdPS, _ := db.GetProgramState(fwdHash)
	payload := append(append([]byte(nil), echoActor[:]...), []byte("ping")...)
	dispatch := NewHandleDispatch(HashBytes([]byte("from-user")), ZeroHash, fwdActor, payload, 0, 10_000_000)
	fwdPS, _ = db.WithCanonicalQueue(fwdPS, func(q Queue) (Queue, error) { return q.PushBack(dispatch), nil })
	fwdHash = db.PutProgramState(fwdPS)

	actors := []ActorId{fwdActor, echoActor}
	states := map[ActorId]Hash{fwdActor: fwdHash, echoActor: echoHash}
	result, err := bp.ProcessBlock(1, ZeroHash, nil, actors, states)
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	if len(result.Transitions) != 2 {
		t.Fatalf("expected two transitions, got %d", len(result.Transitions))
	}

	for _, tr := range result.Transitions {
		ps, err := db.GetProgramState(tr.NewStateHash)
		if err != nil {
			t.Fatalf("load final state: %v", err)
		}
		canonical, _ := db.GetQueue(ps.CanonicalQueue)
		injected, _ := db.GetQueue(ps.InjectedQueue)
		if len(canonical) != 0 || len(injected) != 0 {
			t.Fatalf("expected all queues drained after one block, actor %s has %d/%d",
				tr.ActorId, len(canonical), len(injected))
		}
		if tr.ActorId == fwdActor && ps.History.MessagingNonce != 1 {
			t.Fatalf("forwarder sent exactly one message, nonce=%d", ps.History.MessagingNonce)
		}
		if tr.ActorId == echoActor && ps.History.MessagingNonce != 0 {
			t.Fatalf("echo only replied, which must not consume a nonce, nonce=%d", ps.History.MessagingNonce)
		}
	}
}

func TestProcessBlockIngestsSendMessageEvent(t *testing.T) {
	bp, db, actor, stateHash := setupBlockProcessor(t, "echo.wat")

	events := []RouterEvent{{
		Kind: EventSendMessage, Destination: actor, Payload: []byte("ping"), GasLimit: 50_000_000,
	}}
	result, err := bp.ProcessBlock(3, ZeroHash, events, []ActorId{actor}, map[ActorId]Hash{actor: stateHash})
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	if len(result.Transitions) != 1 {
		t.Fatalf("expected one transition, got %d", len(result.Transitions))
	}
	out := result.Transitions[0].OutgoingMessages
	if len(out) != 1 || !bytes.Equal(out[0].Payload, []byte("ping")) {
		t.Fatalf("expected the echo reply recorded as an outgoing message, got %+v", out)
	}
}

func TestProcessBlockRejectsUnderfundedRouterMessage(t *testing.T) {
	bp, db, actor, stateHash := setupBlockProcessor(t, "echo.wat")

	events := []RouterEvent{{
		Kind: EventSendMessage, Destination: actor, Payload: []byte("ping"),
		GasLimit: DefaultLimits().MailboxThresholdGas - 1,
	}}
	result, err := bp.ProcessBlock(3, ZeroHash, events, []ActorId{actor}, map[ActorId]Hash{actor: stateHash})
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	final, _ := db.GetProgramState(result.Transitions[0].NewStateHash)
	queue, _ := db.GetQueue(final.CanonicalQueue)
	if len(queue) != 0 || len(result.Transitions[0].OutgoingMessages) != 0 {
		t.Fatalf("a message below the mailbox threshold must be rejected at ingress")
	}
}

func TestRouteDispatchToExitedProgramProducesErrorReply(t *testing.T) {
	bp, db, _, _ := setupBlockProcessor(t, "noop.wat")

	exited := HashBytes([]byte("exited-program"))
	inheritor := HashBytes([]byte("inheritor"))
	env := newBlockEnv(1)
	ps := NewProgramState(ZeroHash)
	ps.Status = Exited(inheritor)
	env.track(exited, ps)

	user := HashBytes([]byte("a-user"))
	d := NewHandleDispatch(HashBytes([]byte("m1")), user, exited, []byte("hi"), 9, 0)
	bp.routeDispatch(env, user, ZeroHash, d)

	replies := env.outgoing[exited]
	if len(replies) != 1 {
		t.Fatalf("expected one auto error reply recorded, got %+v", replies)
	}
	r := replies[0]
	if r.Details.Reply.Code != ReplyCodeUnavailableActorProgramExited {
		t.Fatalf("expected UnavailableActor::ProgramExited, got %v", r.Details.Reply.Code)
	}
	if r.Destination != user || r.Value != 9 {
		t.Fatalf("the reply must return the unspent value to the source, got %+v", r)
	}
	// The inheritor never receives the message itself.
	if q, _ := db.GetQueue(env.current[exited].CanonicalQueue); len(q) != 0 {
		t.Fatalf("a terminal program's queue must stay empty, got %d entries", len(q))
	}
}

func TestDeliverToUserMailboxHoldAndExpiry(t *testing.T) {
	bp, db, _, _ := setupBlockProcessor(t, "noop.wat")

	program := HashBytes([]byte("mailer"))
	env := newBlockEnv(10)
	env.track(program, NewProgramState(ZeroHash))

	userActor := HashBytes([]byte("claimant"))
	d := NewHandleDispatch(HashBytes([]byte("held")), program, userActor, []byte("for-you"), 5, DefaultLimits().MailboxThresholdGas)
	bp.deliverToUser(env, program, ZeroHash, d)

	mailbox, err := db.GetMailbox(env.current[program].Mailbox)
	if err != nil || len(mailbox) != 1 {
		t.Fatalf("expected one mailbox user entry, got %+v err=%v", mailbox, err)
	}
	expiry := uint32(10) + DefaultLimits().CanonicalQuarantine
	if !bp.sched.Pending(expiry) {
		t.Fatalf("expected a RemoveFromMailbox task scheduled at height %d", expiry)
	}

	// Advance to the expiry height: the entry is evicted and its value
	// returns to the program's balance.
	env.height = expiry
	if _, err := bp.applyScheduledTasks(env); err != nil {
		t.Fatalf("apply scheduled tasks: %v", err)
	}
	mailbox, _ = db.GetMailbox(env.current[program].Mailbox)
	if len(mailbox) != 0 {
		t.Fatalf("expected mailbox entry evicted at expiry, got %+v", mailbox)
	}
	if env.current[program].Balance != 5 {
		t.Fatalf("expected held value returned to the program balance, got %d", env.current[program].Balance)
	}
}

func TestClaimMailboxHoldHonorsAutoReplyPolicy(t *testing.T) {
	bp, db, _, _ := setupBlockProcessor(t, "noop.wat")
	program := HashBytes([]byte("mailer"))
	heldID := HashBytes([]byte("held"))
	user := BytesToAddress(HashBytes([]byte("claimant"))[:])

	seed := func() ProgramState {
		ps := NewProgramState(ZeroHash)
		ps, err := db.WithMailbox(ps, func(m Mailbox) (Mailbox, error) {
			return m.Insert(user, MailboxEntry{MessageId: heldID, Value: 7, Expiration: 99}), nil
		})
		if err != nil {
			t.Fatalf("seed mailbox: %v", err)
		}
		return ps
	}

	ps := bp.claimMailboxHold(program, seed(), ReplyDetails{To: heldID, Code: ReplyCodeExecutionRanOutOfGas})
	if mb, _ := db.GetMailbox(ps.Mailbox); len(mb) != 0 {
		t.Fatalf("expected the hold released on claim, got %+v", mb)
	}
	if ps.Balance != 0 {
		t.Fatalf("default policy burns the held value, balance=%d", ps.Balance)
	}

	bp.cfg.AutoReplyToOwnMailboxPolicy = AutoReplyMailboxReturnToSource
	ps = bp.claimMailboxHold(program, seed(), ReplyDetails{To: heldID, Code: ReplyCodeExecutionRanOutOfGas})
	if ps.Balance != 7 {
		t.Fatalf("return-to-source policy must credit the held value back, balance=%d", ps.Balance)
	}

	// A success reply is an ordinary claim regardless of policy.
	ps = bp.claimMailboxHold(program, seed(), ReplyDetails{To: heldID, Code: ReplyCodeSuccess})
	if ps.Balance != 0 {
		t.Fatalf("a successful claim must not refund the program, balance=%d", ps.Balance)
	}
}

func TestDelayedSendGraduatesExactlyOnce(t *testing.T) {
	bp, db, _, _ := setupBlockProcessor(t, "noop.wat")

	sender := HashBytes([]byte("sender"))
	dest := HashBytes([]byte("dest"))
	delayed := NewHandleDispatch(HashBytes([]byte("later")), sender, dest, []byte("eventually"), 0, 2000)

	handler := NewJournalHandler(bp.db, bp.gas, bp.sched, bp.cfg.Limits, 10)
	senderPS, _, err := handler.Apply(NewProgramState(ZeroHash), []JournalNote{
		{Kind: NoteSendDispatch, Program: sender, Dispatch: delayed, Delay: 3},
	})
	if err != nil {
		t.Fatalf("apply delayed send: %v", err)
	}
	stash, err := db.GetStash(senderPS.Stash)
	if err != nil || len(stash) != 1 {
		t.Fatalf("expected the delayed dispatch stashed, got %+v err=%v", stash, err)
	}

	env := newBlockEnv(12)
	env.track(sender, senderPS)
	env.track(dest, NewProgramState(ZeroHash))
	if _, err := bp.applyScheduledTasks(env); err != nil {
		t.Fatalf("drain before due height: %v", err)
	}
	if q, _ := db.GetQueue(env.current[dest].CanonicalQueue); len(q) != 0 {
		t.Fatalf("dispatch graduated before its due height")
	}

	env.height = 13
	if _, err := bp.applyScheduledTasks(env); err != nil {
		t.Fatalf("drain at due height: %v", err)
	}
	q, _ := db.GetQueue(env.current[dest].CanonicalQueue)
	if len(q) != 1 || q[0].Message.ID != delayed.Message.ID {
		t.Fatalf("expected exactly the delayed dispatch on the destination queue, got %+v", q)
	}
	stash, _ = db.GetStash(env.current[sender].Stash)
	if len(stash) != 0 {
		t.Fatalf("expected the stash entry removed on graduation, got %+v", stash)
	}

	env.height = 20
	if _, err := bp.applyScheduledTasks(env); err != nil {
		t.Fatalf("drain after graduation: %v", err)
	}
	q, _ = db.GetQueue(env.current[dest].CanonicalQueue)
	if len(q) != 1 {
		t.Fatalf("the delayed dispatch must graduate exactly once, got %d queued", len(q))
	}
}

func TestProcessBlockHonorsScheduledWaitlistExpiry(t *testing.T) {
	bp, db, actor, stateHash := setupBlockProcessor(t, "noop.wat")

	waiting := NewHandleDispatch(HashBytes([]byte("waiting")), ZeroHash, actor, nil, 0, 1000)
	ps, err := db.GetProgramState(stateHash)
	if err != nil {
		t.Fatalf("get program state: %v", err)
	}
	ps, err = db.WithWaitlist(ps, func(w Waitlist) (Waitlist, error) { return w.Insert(5, waiting), nil })
	if err != nil {
		t.Fatalf("seed waitlist: %v", err)
	}
	stateHash = db.PutProgramState(ps)
	bp.sched.Schedule(5, Task{Kind: TaskRemoveFromWaitlist, Program: actor, Message: waiting.Message.ID})

	result, err := bp.ProcessBlock(5, ZeroHash, nil, []ActorId{actor}, map[ActorId]Hash{actor: stateHash})
	if err != nil {
		t.Fatalf("process block: %v", err)
	}
	final, err := db.GetProgramState(result.Transitions[0].NewStateHash)
	if err != nil {
		t.Fatalf("load final state: %v", err)
	}
	waitlist, err := db.GetWaitlist(final.Waitlist)
	if err != nil {
		t.Fatalf("get waitlist: %v", err)
	}
	if len(waitlist) != 0 {
		t.Fatalf("expected the expired waitlist entry to be evicted, got %+v", waitlist)
	}
}
