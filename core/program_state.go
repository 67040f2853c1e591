package core

import "sort"

// MaybeHash is an `Empty | Hash` sum type: a container field either points
// at stored content or is explicitly empty. Two states with only empty
// containers must hash identically, which is why Empty carries no payload at
// all rather than hashing an empty blob.
type MaybeHash struct {
	Empty bool
	Hash  Hash
}

// EmptyMaybeHash marks a container with no content stored.
var EmptyMaybeHash = MaybeHash{Empty: true}

// InitStatus distinguishes a program that has not yet completed its Init
// message from one that has.
type InitStatus uint8

const (
	InitStatusUninit InitStatus = iota
	InitStatusInit
)

// ProgramStatusKind tags the three lifecycle states of a program.
type ProgramStatusKind uint8

const (
	ProgramActive ProgramStatusKind = iota
	ProgramExited
	ProgramTerminated
)

// ProgramStatus is a tagged union: Kind selects which of the remaining
// fields is meaningful.
type ProgramStatus struct {
	Kind       ProgramStatusKind
	Init       InitStatus // meaningful when Kind == ProgramActive
	Inheritor  ActorId    // meaningful when Kind == ProgramExited
	FailedInit MessageId  // meaningful when Kind == ProgramTerminated: the Init message whose failure terminated the program
}

func ActiveUninit() ProgramStatus    { return ProgramStatus{Kind: ProgramActive, Init: InitStatusUninit} }
func ActiveInit() ProgramStatus      { return ProgramStatus{Kind: ProgramActive, Init: InitStatusInit} }
func Exited(to ActorId) ProgramStatus { return ProgramStatus{Kind: ProgramExited, Inheritor: to} }
func Terminated(origin MessageId) ProgramStatus {
	return ProgramStatus{Kind: ProgramTerminated, FailedInit: origin}
}

// IsTerminal reports whether the status rejects any incoming message with an
// automatic error reply.
func (s ProgramStatus) IsTerminal() bool {
	return s.Kind == ProgramExited || s.Kind == ProgramTerminated
}

// PageInterval is an inclusive-exclusive range of 64 KiB WASM pages
// ([Start, End)) in a program's allocations tree.
type PageInterval struct {
	Start, End uint32
}

// AllocationsTree is the sorted, non-overlapping set of allocated WASM page
// intervals.
type AllocationsTree []PageInterval

// Contains reports whether page p is within an allocated interval.
func (a AllocationsTree) Contains(p uint32) bool {
	for _, iv := range a {
		if p >= iv.Start && p < iv.End {
			return true
		}
	}
	return false
}

// Count returns the total number of allocated pages.
func (a AllocationsTree) Count() uint32 {
	var n uint32
	for _, iv := range a {
		n += iv.End - iv.Start
	}
	return n
}

// Sorted returns a with its intervals sorted by Start; it does not merge
// adjacent intervals (callers that build new trees are responsible for that).
func (a AllocationsTree) Sorted() AllocationsTree {
	out := append(AllocationsTree(nil), a...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// GearPageSize is the size of a 16 KiB storage page, the sub-unit of a
// 64 KiB WASM page.
const GearPageSize = 16 * 1024

// WasmPageSize is the 64 KiB allocation granularity WASM modules request
// memory in.
const WasmPageSize = 64 * 1024

// GearPagesPerWasmPage is the fixed ratio between the two page units.
const GearPagesPerWasmPage = WasmPageSize / GearPageSize

// PageEntry maps a single GearPage number to the content hash of its 16 KiB
// of data in BlobStore.
type PageEntry struct {
	Page uint32
	Data Hash
}

// PagesMap is the sorted set of stored gear pages for a program. ExecutionCore
// copies every listed page into linear memory before the entrypoint runs;
// pages are not loaded on first access.
type PagesMap []PageEntry

func (p PagesMap) find(page uint32) int {
	return sort.Search(len(p), func(i int) bool { return p[i].Page >= page })
}

// Get returns the data hash for page, if present.
func (p PagesMap) Get(page uint32) (Hash, bool) {
	i := p.find(page)
	if i < len(p) && p[i].Page == page {
		return p[i].Data, true
	}
	return Hash{}, false
}

// Set returns a copy of p with page mapped to data (insert-or-update),
// preserving sort order. The source p is not mutated.
func (p PagesMap) Set(page uint32, data Hash) PagesMap {
	i := p.find(page)
	out := make(PagesMap, len(p), len(p)+1)
	copy(out, p)
	if i < len(out) && out[i].Page == page {
		out[i].Data = data
		return out
	}
	out = append(out, PageEntry{})
	copy(out[i+1:], out[i:len(out)-1])
	out[i] = PageEntry{Page: page, Data: data}
	return out
}

// Remove returns a copy of p with page removed, if present.
func (p PagesMap) Remove(page uint32) PagesMap {
	i := p.find(page)
	if i >= len(p) || p[i].Page != page {
		return p
	}
	out := make(PagesMap, 0, len(p)-1)
	out = append(out, p[:i]...)
	out = append(out, p[i+1:]...)
	return out
}

// Queue is a per-program FIFO of dispatches (canonical or injected).
// Index 0 is the head.
type Queue []Dispatch

// PopFront returns the head dispatch and the remaining queue.
func (q Queue) PopFront() (Dispatch, Queue, bool) {
	if len(q) == 0 {
		return Dispatch{}, q, false
	}
	return q[0], q[1:], true
}

// PushBack appends d to the tail of q.
func (q Queue) PushBack(d Dispatch) Queue {
	out := make(Queue, len(q), len(q)+1)
	copy(out, q)
	return append(out, d)
}

// MailboxEntry is a single message held for a user pending claim, reply or
// expiry.
type MailboxEntry struct {
	MessageId  MessageId
	Value      uint64
	Expiration uint32
}

// MailboxUser groups a user's held mailbox entries.
type MailboxUser struct {
	User    Address
	Entries []MailboxEntry
}

// Mailbox is the sorted-by-user table of held messages for a program.
type Mailbox []MailboxUser

func (m Mailbox) findUser(u Address) int {
	return sort.Search(len(m), func(i int) bool {
		return bytesCompare(m[i].User[:], u[:]) >= 0
	})
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Insert returns a copy of m with entry added for user u.
func (m Mailbox) Insert(u Address, entry MailboxEntry) Mailbox {
	i := m.findUser(u)
	out := append(Mailbox(nil), m...)
	if i < len(out) && out[i].User == u {
		entries := append(append([]MailboxEntry(nil), out[i].Entries...), entry)
		out[i] = MailboxUser{User: u, Entries: entries}
		return out
	}
	nu := MailboxUser{User: u, Entries: []MailboxEntry{entry}}
	out2 := make(Mailbox, 0, len(out)+1)
	out2 = append(out2, out[:i]...)
	out2 = append(out2, nu)
	out2 = append(out2, out[i:]...)
	return out2
}

// Remove returns a copy of m with the entry for (u, id) removed, and the
// removed entry plus whether it was found.
func (m Mailbox) Remove(u Address, id MessageId) (Mailbox, MailboxEntry, bool) {
	i := m.findUser(u)
	if i >= len(m) || m[i].User != u {
		return m, MailboxEntry{}, false
	}
	entries := m[i].Entries
	for j, e := range entries {
		if e.MessageId == id {
			removed := e
			rest := append(append([]MailboxEntry(nil), entries[:j]...), entries[j+1:]...)
			out := append(Mailbox(nil), m...)
			if len(rest) == 0 {
				out = append(out[:i], out[i+1:]...)
			} else {
				out[i] = MailboxUser{User: u, Entries: rest}
			}
			return out, removed, true
		}
	}
	return m, MailboxEntry{}, false
}

// RemoveById searches every user's held entries for the given message id and
// removes it (used when a reply claims a hold: the replier knows the message
// id but not which user bucket it sits in).
func (m Mailbox) RemoveById(id MessageId) (Mailbox, Address, MailboxEntry, bool) {
	for _, mu := range m {
		for _, e := range mu.Entries {
			if e.MessageId == id {
				next, removed, ok := m.Remove(mu.User, id)
				return next, mu.User, removed, ok
			}
		}
	}
	return m, Address{}, MailboxEntry{}, false
}

// WaitForever is the sentinel waitlist height meaning "no timeout": only an
// explicit WakeMessage can resume the dispatch.
const WaitForever uint32 = ^uint32(0)

// WaitlistHeight groups dispatches suspended to resume/expire at Height.
type WaitlistHeight struct {
	Height  uint32
	Entries []Dispatch
}

// Waitlist is the sorted-by-height table of suspended dispatches for a
// program.
type Waitlist []WaitlistHeight

func (w Waitlist) findHeight(h uint32) int {
	return sort.Search(len(w), func(i int) bool { return w[i].Height >= h })
}

// Insert returns a copy of w with d appended at height h.
func (w Waitlist) Insert(h uint32, d Dispatch) Waitlist {
	i := w.findHeight(h)
	out := append(Waitlist(nil), w...)
	if i < len(out) && out[i].Height == h {
		out[i] = WaitlistHeight{Height: h, Entries: append(append([]Dispatch(nil), out[i].Entries...), d)}
		return out
	}
	nw := WaitlistHeight{Height: h, Entries: []Dispatch{d}}
	out2 := make(Waitlist, 0, len(out)+1)
	out2 = append(out2, out[:i]...)
	out2 = append(out2, nw)
	out2 = append(out2, out[i:]...)
	return out2
}

// Take removes and returns the dispatch with the given id, searching all
// heights (used by WakeMessage, which does not know the height a priori).
// The bucket height comes back too, so the caller can cancel the eviction
// task scheduled for it.
func (w Waitlist) Take(id MessageId) (Waitlist, Dispatch, uint32, bool) {
	for i, bucket := range w.heights() {
		for j, d := range bucket.Entries {
			if d.Message.ID == id {
				rest := append(append([]Dispatch(nil), bucket.Entries[:j]...), bucket.Entries[j+1:]...)
				out := append(Waitlist(nil), w...)
				if len(rest) == 0 {
					out = append(out[:i], out[i+1:]...)
				} else {
					out[i] = WaitlistHeight{Height: bucket.Height, Entries: rest}
				}
				return out, d, bucket.Height, true
			}
		}
	}
	return w, Dispatch{}, 0, false
}

func (w Waitlist) heights() Waitlist { return w }

// Drain removes and returns every bucket whose Height <= h, in ascending
// height order.
func (w Waitlist) Drain(h uint32) (Waitlist, []Dispatch) {
	var drained []Dispatch
	var rest Waitlist
	for _, bucket := range w {
		if bucket.Height <= h {
			drained = append(drained, bucket.Entries...)
		} else {
			rest = append(rest, bucket)
		}
	}
	return rest, drained
}

// StashEntry is a delayed dispatch pending a future block height.
type StashEntry struct {
	StashId  Hash
	Dispatch Dispatch
	Height   uint32 // block height the dispatch graduates to the destination queue
}

// Stash is the sorted-by-id table of delayed sends for a program.
type Stash []StashEntry

func (s Stash) findID(id Hash) int {
	return sort.Search(len(s), func(i int) bool { return bytesCompare(s[i].StashId[:], id[:]) >= 0 })
}

// Insert returns a copy of s with entry added.
func (s Stash) Insert(entry StashEntry) Stash {
	i := s.findID(entry.StashId)
	out := make(Stash, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, entry)
	out = append(out, s[i:]...)
	return out
}

// Take removes and returns the entry for id.
func (s Stash) Take(id Hash) (Stash, StashEntry, bool) {
	i := s.findID(id)
	if i >= len(s) || s[i].StashId != id {
		return s, StashEntry{}, false
	}
	out := append(append(Stash(nil), s[:i]...), s[i+1:]...)
	return out, s[i], true
}

// GasReservationEntry records gas pre-committed to a future reply/signal
// handler.
type GasReservationEntry struct {
	ReservationId ReservationId
	Amount        uint64
	ExpiresAt     uint32
}

// GasReservationMap is the table of a program's active reservations, in the
// order they were made.
type GasReservationMap []GasReservationEntry

// ExecutionHistory tracks per-program monotonic counters.
type ExecutionHistory struct {
	MessagingNonce   uint64 // strictly increasing per outgoing send
	ReservationNonce uint64
	Waits            uint32 // number of times a dispatch of this program has been put on the waitlist
}

// ProgramState is the in-memory representation of an actor. Every
// MaybeHash field is a pointer into StateDB; ProgramState itself is
// immutable value data, mutated only through the COW helpers in statedb.go.
type ProgramState struct {
	Status             ProgramStatus
	Balance            uint64
	Allocations        MaybeHash
	Pages              MaybeHash
	CanonicalQueue     MaybeHash
	InjectedQueue      MaybeHash
	Mailbox            MaybeHash
	Waitlist           MaybeHash
	Stash              MaybeHash
	GasReservationMap  MaybeHash
	SystemReservation  uint64
	History            ExecutionHistory
	CodeId             Hash
	MemoryInfix        uint32
}

// NewProgramState constructs the initial state of a freshly created program:
// Active{Uninit}, zero balance, empty containers, memory infix 0.
func NewProgramState(codeID Hash) ProgramState {
	return ProgramState{
		Status:            ActiveUninit(),
		Allocations:       EmptyMaybeHash,
		Pages:             EmptyMaybeHash,
		CanonicalQueue:    EmptyMaybeHash,
		InjectedQueue:     EmptyMaybeHash,
		Mailbox:           EmptyMaybeHash,
		Waitlist:          EmptyMaybeHash,
		Stash:             EmptyMaybeHash,
		GasReservationMap: EmptyMaybeHash,
		CodeId:            codeID,
	}
}
