package core

// StateRoot computes the single digest committed on-chain that attests to
// every program's post-block state. Unlike StateDB's internal
// blake2b256 content hashes, the root uses Keccak-256 because it is
// published to and verified by the Ethereum-settlement router contract,
// which only has a Keccak-256 precompile.

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
)

// StateRoot hashes the sorted list of per-actor state transitions produced
// by a block: sorted by ActorId so the root is independent of the order
// BlockProcessor happened to finalize programs in. Every field the router
// consumes is bound: state hash, balance delta, each value claim, and each
// outgoing message including its reply details. Variable-length fields are
// length-prefixed so no two distinct transition lists share an encoding.
func StateRoot(transitions []StateTransition) Digest {
	sorted := append([]StateTransition(nil), transitions...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytesCompare(sorted[i].ActorId[:], sorted[j].ActorId[:]) < 0
	})

	var buf []byte
	u32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	u64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	for _, t := range sorted {
		buf = append(buf, t.ActorId[:]...)
		buf = append(buf, t.NewStateHash[:]...)
		u64(uint64(t.BalanceDelta))

		u32(uint32(len(t.ValueClaims)))
		for _, c := range t.ValueClaims {
			buf = append(buf, c.To[:]...)
			u64(c.Value)
		}

		u32(uint32(len(t.OutgoingMessages)))
		for _, m := range t.OutgoingMessages {
			buf = append(buf, m.ID[:]...)
			buf = append(buf, m.Destination[:]...)
			u32(uint32(len(m.Payload)))
			buf = append(buf, m.Payload...)
			u64(m.Value)
			if m.Details.HasReply {
				buf = append(buf, 1)
				buf = append(buf, m.Details.Reply.To[:]...)
				u32(uint32(m.Details.Reply.Code))
			} else {
				buf = append(buf, 0)
			}
		}
	}
	return Digest(crypto.Keccak256Hash(buf))
}

// ScheduleHash commits to height and the given tasks. ProcessBlock passes the
// tasks it drained and fired at this height; tasks still pending for later
// heights are not covered by the hash.
func ScheduleHash(height uint32, tasks []Task) Digest {
	var buf []byte
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], height)
	buf = append(buf, hb[:]...)
	for _, t := range tasks {
		id := t.id()
		buf = append(buf, byte(t.Kind))
		buf = append(buf, id[:]...)
	}
	return Digest(crypto.Keccak256Hash(buf))
}

// Commitment is the record published to the router contract at the end of
// a block's processing.
type Commitment struct {
	BlockHash    Hash
	PrevCommit   Hash
	StateRoot    Digest
	ScheduleHash Digest
	Transitions  []StateTransition
}

// Hash returns the content hash of the commitment itself, used as the next
// block's PrevCommit.
func (c Commitment) Hash() Hash {
	var buf []byte
	buf = append(buf, c.BlockHash[:]...)
	buf = append(buf, c.PrevCommit[:]...)
	buf = append(buf, c.StateRoot[:]...)
	buf = append(buf, c.ScheduleHash[:]...)
	return HashBytes(buf)
}
