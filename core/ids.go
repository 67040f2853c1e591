package core

import (
	"encoding/hex"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Hash is a 32-byte content digest. It is the currency of every
// content-addressed structure in StateDB and BlobStore.
type Hash [32]byte

// ZeroHash is the canonical empty/sentinel hash.
var ZeroHash Hash

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// BytesToHash truncates or zero-pads b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > len(h) {
		b = b[len(b)-len(h):]
	}
	copy(h[len(h)-len(b):], b)
	return h
}

// HashBytes returns blake2b256(data), the hash function BlobStore keys on.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// ActorId identifies a program or an externally owned account.
type ActorId = Hash

// MessageId deterministically identifies a Message.
type MessageId = Hash

// ReservationId identifies a gas reservation.
type ReservationId = Hash

// Digest is a general-purpose 32-byte digest (used for commitments).
type Digest = Hash

// Address is a 20-byte account address, as used by the router contract.
type Address [20]byte

func (a Address) Bytes() []byte { return a[:] }
func (a Address) Hex() string   { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) String() string { return a.Hex() }

// BytesToAddress truncates or zero-pads b into an Address.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > len(a) {
		b = b[len(b)-len(a):]
	}
	copy(a[len(a)-len(b):], b)
	return a
}

// ProgramActorId derives a program's ActorId from its creator, code id and
// salt: hash(creator || code_id || salt).
func ProgramActorId(creator ActorId, codeID Hash, salt []byte) ActorId {
	h, _ := blake2b.New256(nil)
	h.Write(creator[:])
	h.Write(codeID[:])
	h.Write(salt)
	return BytesToHash(h.Sum(nil))
}

// ReplyMessageId derives the deterministic id of a reply to origMsgID:
// hash("reply" || original_message_id). No nonce is involved.
func ReplyMessageId(origMsgID MessageId) MessageId {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("reply"))
	h.Write(origMsgID[:])
	return BytesToHash(h.Sum(nil))
}

// SignalMessageId derives the deterministic id of a signal reply to origMsgID.
func SignalMessageId(origMsgID MessageId) MessageId {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("signal"))
	h.Write(origMsgID[:])
	return BytesToHash(h.Sum(nil))
}

// OutgoingMessageId derives the id of the nonce-th outgoing message sent by
// origin, counted by its persistent per-program messaging nonce (seeded from
// ExecutionHistory): hash("outgoing" || origin_id || le_u64(nonce)).
func OutgoingMessageId(origin ActorId, nonce uint64) MessageId {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("outgoing"))
	h.Write(origin[:])
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	h.Write(nb[:])
	return BytesToHash(h.Sum(nil))
}

// ReservationMessageId derives the id of the nonce-th gas reservation made by
// origin, counted by its persistent per-program reservation nonce (seeded from
// ExecutionHistory): hash("reservation" || origin_id || le_u64(nonce)).
func ReservationMessageId(origin ActorId, nonce uint64) ReservationId {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("reservation"))
	h.Write(origin[:])
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	h.Write(nb[:])
	return BytesToHash(h.Sum(nil))
}
