package core

// StateDB layers typed, content-addressed encoders over a BlobStore. Every
// structured value is RLP-encoded (deterministic by construction), hashed,
// and written; container fields hold the child hash via MaybeHash. StateDB
// also keeps secondary lookup indices, which are not part of the state root
// and are therefore plain (non content-addressed) maps.

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// StateTransition is the per-program-per-block output record folded into
// the commitment.
type StateTransition struct {
	ActorId         ActorId
	NewStateHash    Hash
	BalanceDelta    int64
	ValueClaims     []ValueClaim
	OutgoingMessages []Message
}

// ValueClaim records value a program sends out to an actor: a NoteSendValue
// transfer, or the remaining balance handed to the inheritor on exit.
type ValueClaim struct {
	To    ActorId
	Value uint64
}

// LatestData is the `latest_data` secondary index: the chain positions the
// node has observed, prepared and computed so far.
type LatestData struct {
	Genesis          Hash
	StartAnnounce     Hash
	ComputedAnnounce  Hash
	StartBlock        Hash
	PreparedBlock     Hash
}

// StateDB is the typed content-addressed store the engine reads and writes
// program state through.
type StateDB struct {
	blobs BlobStore

	mu               sync.RWMutex
	programCode      map[ActorId]Hash
	validCodes       map[Hash]bool
	announceStates   map[Hash]map[ActorId]Hash
	announceOutcome  map[Hash][]StateTransition
	announceSchedule map[Hash]Hash
	instrumentedIdx  map[Hash]Hash
	codeMetaIdx      map[Hash]Hash
	latest           LatestData
}

// NewStateDB constructs a StateDB over the given BlobStore.
func NewStateDB(blobs BlobStore) *StateDB {
	return &StateDB{
		blobs:            blobs,
		programCode:      make(map[ActorId]Hash),
		validCodes:       make(map[Hash]bool),
		announceStates:   make(map[Hash]map[ActorId]Hash),
		announceOutcome:  make(map[Hash][]StateTransition),
		announceSchedule: make(map[Hash]Hash),
		instrumentedIdx:  make(map[Hash]Hash),
		codeMetaIdx:      make(map[Hash]Hash),
	}
}

// Overlay returns a StateDB whose BlobStore writes and secondary-index
// writes are held in an in-memory layer shadowing the receiver; dropping it
// discards everything written through it.
func (db *StateDB) Overlay() *StateDB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	o := &StateDB{
		blobs:            db.blobs.Overlay(),
		programCode:      cloneMap(db.programCode),
		validCodes:       cloneMap(db.validCodes),
		announceStates:   cloneAnnounceStates(db.announceStates),
		announceOutcome:  cloneAnnounceOutcome(db.announceOutcome),
		announceSchedule: cloneMap(db.announceSchedule),
		instrumentedIdx:  cloneMap(db.instrumentedIdx),
		codeMetaIdx:      cloneMap(db.codeMetaIdx),
		latest:           db.latest,
	}
	return o
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnnounceStates(m map[Hash]map[ActorId]Hash) map[Hash]map[ActorId]Hash {
	out := make(map[Hash]map[ActorId]Hash, len(m))
	for k, v := range m {
		out[k] = cloneMap(v)
	}
	return out
}

func cloneAnnounceOutcome(m map[Hash][]StateTransition) map[Hash][]StateTransition {
	out := make(map[Hash][]StateTransition, len(m))
	for k, v := range m {
		out[k] = append([]StateTransition(nil), v...)
	}
	return out
}

// --- generic content-addressed encode/decode -------------------------------

func putRLP[T any](db *StateDB, v T) Hash {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		// Every persisted type here is RLP-safe by construction (plain
		// structs/slices/fixed arrays); a failure here is a programming
		// error, not a runtime condition callers can recover from.
		panic(fmt.Sprintf("statedb: encode %T: %v", v, err))
	}
	return db.blobs.Put(data)
}

func getRLP[T any](db *StateDB, h Hash) (T, error) {
	var v T
	data, ok := db.blobs.Get(h)
	if !ok {
		return v, &StateDBError{Reason: fmt.Sprintf("blob %s not found", h.Hex())}
	}
	if err := rlp.DecodeBytes(data, &v); err != nil {
		return v, &StateDBError{Reason: fmt.Sprintf("decode %T", v), Cause: err}
	}
	return v, nil
}

func putMaybe[T any](db *StateDB, v T, isEmpty bool) MaybeHash {
	if isEmpty {
		return EmptyMaybeHash
	}
	return MaybeHash{Hash: putRLP(db, v)}
}

func getMaybe[T any](db *StateDB, mh MaybeHash) (T, error) {
	var zero T
	if mh.Empty {
		return zero, nil
	}
	return getRLP[T](db, mh.Hash)
}

// --- ProgramState ------------------------------------------------------------

// PutProgramState stores ps and returns its content hash.
func (db *StateDB) PutProgramState(ps ProgramState) Hash { return putRLP(db, ps) }

// GetProgramState loads the ProgramState stored at h.
func (db *StateDB) GetProgramState(h Hash) (ProgramState, error) { return getRLP[ProgramState](db, h) }

// --- Allocations -------------------------------------------------------------

func (db *StateDB) PutAllocations(a AllocationsTree) MaybeHash {
	return putMaybe(db, a, len(a) == 0)
}

func (db *StateDB) GetAllocations(mh MaybeHash) (AllocationsTree, error) {
	return getMaybe[AllocationsTree](db, mh)
}

// WithAllocations applies f to ps's allocations tree and rehashes only that
// sub-structure.
func (db *StateDB) WithAllocations(ps ProgramState, f func(AllocationsTree) (AllocationsTree, error)) (ProgramState, error) {
	cur, err := db.GetAllocations(ps.Allocations)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.Allocations = db.PutAllocations(next)
	return ps, nil
}

// --- Pages --------------------------------------------------------------------

func (db *StateDB) PutPages(p PagesMap) MaybeHash { return putMaybe(db, p, len(p) == 0) }

func (db *StateDB) GetPages(mh MaybeHash) (PagesMap, error) { return getMaybe[PagesMap](db, mh) }

// WithPages applies f to ps's pages map and rehashes only that sub-structure.
func (db *StateDB) WithPages(ps ProgramState, f func(PagesMap) (PagesMap, error)) (ProgramState, error) {
	cur, err := db.GetPages(ps.Pages)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.Pages = db.PutPages(next)
	return ps, nil
}

// PutPageData stores the raw 16 KiB content of a single gear page.
func (db *StateDB) PutPageData(data []byte) Hash { return db.blobs.Put(data) }

// GetPageData retrieves the raw content of a gear page.
func (db *StateDB) GetPageData(h Hash) ([]byte, bool) { return db.blobs.Get(h) }

// --- Queues ---------------------------------------------------------------------

func (db *StateDB) PutQueue(q Queue) MaybeHash { return putMaybe(db, q, len(q) == 0) }

func (db *StateDB) GetQueue(mh MaybeHash) (Queue, error) { return getMaybe[Queue](db, mh) }

// WithCanonicalQueue applies f to ps's canonical queue.
func (db *StateDB) WithCanonicalQueue(ps ProgramState, f func(Queue) (Queue, error)) (ProgramState, error) {
	cur, err := db.GetQueue(ps.CanonicalQueue)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.CanonicalQueue = db.PutQueue(next)
	return ps, nil
}

// WithInjectedQueue applies f to ps's injected queue.
func (db *StateDB) WithInjectedQueue(ps ProgramState, f func(Queue) (Queue, error)) (ProgramState, error) {
	cur, err := db.GetQueue(ps.InjectedQueue)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.InjectedQueue = db.PutQueue(next)
	return ps, nil
}

// --- Mailbox ----------------------------------------------------------------------

func (db *StateDB) PutMailbox(m Mailbox) MaybeHash { return putMaybe(db, m, len(m) == 0) }

func (db *StateDB) GetMailbox(mh MaybeHash) (Mailbox, error) { return getMaybe[Mailbox](db, mh) }

func (db *StateDB) WithMailbox(ps ProgramState, f func(Mailbox) (Mailbox, error)) (ProgramState, error) {
	cur, err := db.GetMailbox(ps.Mailbox)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.Mailbox = db.PutMailbox(next)
	return ps, nil
}

// --- Waitlist -------------------------------------------------------------------

func (db *StateDB) PutWaitlist(w Waitlist) MaybeHash { return putMaybe(db, w, len(w) == 0) }

func (db *StateDB) GetWaitlist(mh MaybeHash) (Waitlist, error) { return getMaybe[Waitlist](db, mh) }

func (db *StateDB) WithWaitlist(ps ProgramState, f func(Waitlist) (Waitlist, error)) (ProgramState, error) {
	cur, err := db.GetWaitlist(ps.Waitlist)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.Waitlist = db.PutWaitlist(next)
	return ps, nil
}

// --- Stash --------------------------------------------------------------------

func (db *StateDB) PutStash(s Stash) MaybeHash { return putMaybe(db, s, len(s) == 0) }

func (db *StateDB) GetStash(mh MaybeHash) (Stash, error) { return getMaybe[Stash](db, mh) }

func (db *StateDB) WithStash(ps ProgramState, f func(Stash) (Stash, error)) (ProgramState, error) {
	cur, err := db.GetStash(ps.Stash)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.Stash = db.PutStash(next)
	return ps, nil
}

// --- Gas reservations ----------------------------------------------------------

func (db *StateDB) PutGasReservations(g GasReservationMap) MaybeHash {
	return putMaybe(db, g, len(g) == 0)
}

func (db *StateDB) GetGasReservations(mh MaybeHash) (GasReservationMap, error) {
	return getMaybe[GasReservationMap](db, mh)
}

func (db *StateDB) WithGasReservations(ps ProgramState, f func(GasReservationMap) (GasReservationMap, error)) (ProgramState, error) {
	cur, err := db.GetGasReservations(ps.GasReservationMap)
	if err != nil {
		return ps, err
	}
	next, err := f(cur)
	if err != nil {
		return ps, err
	}
	ps.GasReservationMap = db.PutGasReservations(next)
	return ps, nil
}

// UpdateBalance adjusts ps.Balance by delta.
func (db *StateDB) UpdateBalance(ps ProgramState, delta int64) (ProgramState, error) {
	if delta < 0 && uint64(-delta) > ps.Balance {
		return ps, &GasTreeError{Reason: "balance underflow"}
	}
	if delta < 0 {
		ps.Balance -= uint64(-delta)
	} else {
		ps.Balance += uint64(delta)
	}
	return ps, nil
}

// --- Code metadata / instrumented code -----------------------------------------

// PutCodeMetadata stores code metadata for codeID, indexing it for lookup by
// codeID even though the underlying blob is content-addressed on the
// metadata itself: ExecutionCore fetches metadata by the program's code_id,
// not by a hash it would have to already know.
func (db *StateDB) PutCodeMetadata(codeID Hash, m CodeMetadata) Hash {
	h := putRLP(db, m)
	db.mu.Lock()
	db.codeMetaIdx[codeID] = h
	db.mu.Unlock()
	return h
}

// GetCodeMetadata loads the code metadata recorded for codeID.
func (db *StateDB) GetCodeMetadata(codeID Hash) (CodeMetadata, error) {
	db.mu.RLock()
	h, ok := db.codeMetaIdx[codeID]
	db.mu.RUnlock()
	if !ok {
		return CodeMetadata{}, &StateDBError{Reason: "no metadata indexed for code id " + codeID.Hex()}
	}
	return getRLP[CodeMetadata](db, h)
}

// PutInstrumentedCode stores instrumented WASM bytes, content-addressed.
func (db *StateDB) PutInstrumentedCode(code []byte) Hash { return db.blobs.Put(code) }

// GetInstrumentedCode retrieves instrumented WASM bytes.
func (db *StateDB) GetInstrumentedCode(h Hash) ([]byte, bool) { return db.blobs.Get(h) }

// PutOriginalCode stores the original, unvalidated WASM bytes.
func (db *StateDB) PutOriginalCode(code []byte) Hash { return db.blobs.Put(code) }

// GetOriginalCode retrieves original WASM bytes.
func (db *StateDB) GetOriginalCode(h Hash) ([]byte, bool) { return db.blobs.Get(h) }

// SetInstrumentedIndex records the instrumented-code hash produced for a
// given (code id, weights version) cache key.
func (db *StateDB) SetInstrumentedIndex(key, codeHash Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.instrumentedIdx[key] = codeHash
}

// GetInstrumentedIndex looks up the instrumented-code hash for key.
func (db *StateDB) GetInstrumentedIndex(key Hash) (Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	h, ok := db.instrumentedIdx[key]
	return h, ok
}

// --- Secondary indices -------------------

// SetProgramCode records the code_id a program was created with.
func (db *StateDB) SetProgramCode(actor ActorId, codeID Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.programCode[actor] = codeID
}

// GetProgramCode returns the code_id a program was created with.
func (db *StateDB) GetProgramCode(actor ActorId) (Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	h, ok := db.programCode[actor]
	return h, ok
}

// MarkCodeValid records a code upload's validation outcome.
func (db *StateDB) MarkCodeValid(codeID Hash, valid bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.validCodes[codeID] = valid
}

// IsCodeValid reports whether codeID has been validated, and if so, whether
// it passed.
func (db *StateDB) IsCodeValid(codeID Hash) (valid, known bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.validCodes[codeID]
	return v, ok
}

// SetAnnounceProgramStates records the per-program state hashes claimed by
// an announce.
func (db *StateDB) SetAnnounceProgramStates(announce Hash, states map[ActorId]Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.announceStates[announce] = cloneMap(states)
}

// GetAnnounceProgramStates returns the program states recorded for announce.
func (db *StateDB) GetAnnounceProgramStates(announce Hash) (map[ActorId]Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.announceStates[announce]
	return cloneMap(m), ok
}

// SetAnnounceOutcome records the StateTransition list produced for announce.
func (db *StateDB) SetAnnounceOutcome(announce Hash, out []StateTransition) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.announceOutcome[announce] = append([]StateTransition(nil), out...)
}

// GetAnnounceOutcome returns the StateTransition list recorded for announce.
func (db *StateDB) GetAnnounceOutcome(announce Hash) ([]StateTransition, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out, ok := db.announceOutcome[announce]
	return append([]StateTransition(nil), out...), ok
}

// SetAnnounceSchedule records the schedule hash produced for announce.
func (db *StateDB) SetAnnounceSchedule(announce Hash, schedule Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.announceSchedule[announce] = schedule
}

// GetAnnounceSchedule returns the schedule hash recorded for announce.
func (db *StateDB) GetAnnounceSchedule(announce Hash) (Hash, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	h, ok := db.announceSchedule[announce]
	return h, ok
}

// SetLatestData updates the `latest_data` secondary index.
func (db *StateDB) SetLatestData(d LatestData) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.latest = d
}

// GetLatestData returns the `latest_data` secondary index.
func (db *StateDB) GetLatestData() LatestData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.latest
}
