package core

// OverlayExecutor serves `execute_for_reply`-style RPC queries: it
// snapshots StateDB into an overlay, injects a single synthetic Handle
// dispatch with message_id = zero, follows it and the sends flowing from it
// through an in-overlay worklist of ExecutionCore runs and JournalHandler
// applies (nullifying each touched program's queues on first touch), extracts
// the reply addressed to the zero message id, and unconditionally discards
// the overlay -- nothing a query does is ever committed. The HTTP surface is a
// small chi router; golang.org/x/time/rate throttles the query rate.

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// OverlayExecutor runs read-only `execute_for_reply` queries against a
// committed StateRoot without mutating persistent state.
type OverlayExecutor struct {
	base    *StateDB
	exec    *ExecutionCore
	cfg     EngineConfig
	limiter *rate.Limiter
	log     *logrus.Logger
}

// NewOverlayExecutor constructs an executor bound to the engine's live
// StateDB. Each query runs against its own Overlay() snapshot.
func NewOverlayExecutor(base *StateDB, exec *ExecutionCore, cfg EngineConfig) *OverlayExecutor {
	return &OverlayExecutor{
		base: base, exec: exec, cfg: cfg,
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		log:     logrus.StandardLogger(),
	}
}

// maxQueryHops bounds how far a query may propagate through downstream
// programs before the executor gives up waiting for a reply.
const maxQueryHops = 32

// ExecuteForReply runs payload against target's current state and returns
// the reply the program would have produced, discarding every side effect.
// ZeroHash is used as the synthetic message id so the query
// dispatch can never collide with (and therefore never interferes with) a
// real on-chain message. Downstream sends are followed through a restricted
// in-overlay worklist: each receiving program's prior queue backlog is
// nullified on first touch so it cannot perturb the reply, and only
// dispatches flowing from the query are executed.
func (o *OverlayExecutor) ExecuteForReply(ctx context.Context, target ActorId, payload []byte, gasLimit uint64) (Message, error) {
	session := uuid.New()
	o.log.WithFields(logrus.Fields{"session": session, "target": target.Hex()}).Info("execute_for_reply query started")

	if err := o.limiter.Wait(ctx); err != nil {
		return Message{}, err
	}

	overlay := o.base.Overlay()

	if _, ok := overlay.GetProgramCode(target); !ok {
		return Message{}, &MailboxError{Reason: "unknown program"}
	}
	if _, ok := overlay.latestProgramState(target); !ok {
		return Message{}, &MailboxError{Reason: "no committed state for program"}
	}

	// The query world gets its own throwaway gas tree and scheduler: journal
	// application must not leak reservations or timers into the live ones.
	gas := NewGasTree()
	sched := NewScheduler()
	handler := NewJournalHandler(overlay, gas, sched, o.cfg.Limits, 0)
	states := make(map[ActorId]ProgramState)

	load := func(actor ActorId) (ProgramState, bool, error) {
		if ps, ok := states[actor]; ok {
			return ps, true, nil
		}
		stateHash, ok := overlay.latestProgramState(actor)
		if !ok {
			return ProgramState{}, false, nil
		}
		ps, err := overlay.GetProgramState(stateHash)
		if err != nil {
			return ProgramState{}, false, err
		}
		ps, err = overlay.WithCanonicalQueue(ps, func(Queue) (Queue, error) { return nil, nil })
		if err != nil {
			return ProgramState{}, false, err
		}
		ps, err = overlay.WithInjectedQueue(ps, func(Queue) (Queue, error) { return nil, nil })
		if err != nil {
			return ProgramState{}, false, err
		}
		states[actor] = ps
		return ps, true, nil
	}

	worklist := []Dispatch{{Message: Message{
		ID: ZeroHash, Source: ZeroHash, Destination: target,
		Payload: payload, GasLimit: gasLimit, HasGasLimit: true, Kind: KindHandle,
	}}}

	for hop := 0; len(worklist) > 0 && hop < maxQueryHops; hop++ {
		d := worklist[0]
		worklist = worklist[1:]

		ps, ok, err := load(d.Message.Destination)
		if err != nil {
			return Message{}, err
		}
		if !ok {
			continue
		}
		if !d.Message.HasGasLimit {
			d.Message.GasLimit = gasLimit
			d.Message.HasGasLimit = true
		}
		if _, known := gas.BalanceOf(d.Message.ID); !known {
			_ = gas.Create(d.Message.ID, d.Message.GasLimit)
		}

		notes, err := o.exec.Execute(overlay, ps, d, 0)
		if err != nil {
			return Message{}, err
		}
		ps, out, err := handler.Apply(ps, notes)
		if err != nil {
			return Message{}, err
		}
		states[d.Message.Destination] = ps

		for _, next := range out.Outgoing {
			if next.Message.Kind == KindReply && next.Message.Details.Reply.To == ZeroHash {
				return next.Message, nil
			}
			worklist = append(worklist, next)
		}
	}
	return Message{}, &MailboxError{Reason: "query produced no reply"}
}

// latestProgramState resolves target's committed state hash through the
// latest computed announce: GetLatestData names the announce, and its
// program-states index maps the actor to the hash. Callers that already
// know the hash should call GetProgramState directly.
func (db *StateDB) latestProgramState(target ActorId) (Hash, bool) {
	latest := db.GetLatestData()
	states, ok := db.GetAnnounceProgramStates(latest.ComputedAnnounce)
	if !ok {
		return Hash{}, false
	}
	h, ok := states[target]
	return h, ok
}

// queryRequest is the JSON body ExecuteForReply's HTTP handler accepts.
type queryRequest struct {
	Target   string `json:"target"`
	Payload  []byte `json:"payload"`
	GasLimit uint64 `json:"gas_limit"`
}

// queryResponse is the JSON body returned for a successful query.
type queryResponse struct {
	Payload   []byte    `json:"payload"`
	ReplyCode ReplyCode `json:"reply_code"`
}

// Router builds the chi HTTP router exposing ExecuteForReply at
// POST /v1/query.
func (o *OverlayExecutor) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/query", o.handleQuery)
	return r
}

func (o *OverlayExecutor) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	target := BytesToHash([]byte(req.Target))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	reply, err := o.ExecuteForReply(ctx, target, req.Payload, req.GasLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	resp := queryResponse{Payload: reply.Payload}
	if reply.Details.HasReply {
		resp.ReplyCode = reply.Details.Reply.Code
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
