package core

// Events decodes the router contract's on-chain log topics into the typed
// records BlockProcessor ingests. The router is an Ethereum settlement-layer
// contract; its events are ABI-encoded the same way any Ethereum contract's
// are, so decoding goes through go-ethereum/accounts/abi.

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// routerEventABI describes the subset of the router contract's events this
// engine needs to observe. Declared inline (rather than loaded from a JSON
// artifact) since the engine only ever decodes these seven events and never
// calls the contract.
const routerEventABI = `[
  {"type":"event","name":"CodeUploaded","inputs":[{"name":"codeId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"CodeValidated","inputs":[{"name":"codeId","type":"bytes32","indexed":true},{"name":"valid","type":"bool"}]},
  {"type":"event","name":"ProgramCreated","inputs":[{"name":"actorId","type":"bytes32","indexed":true},{"name":"codeId","type":"bytes32"},{"name":"salt","type":"bytes"},{"name":"initializer","type":"bytes32"},{"name":"value","type":"uint256"}]},
  {"type":"event","name":"SendMessage","inputs":[{"name":"destination","type":"bytes32","indexed":true},{"name":"payload","type":"bytes"},{"name":"value","type":"uint256"},{"name":"gasLimit","type":"uint256"}]},
  {"type":"event","name":"ValueTransfer","inputs":[{"name":"from","type":"bytes32","indexed":true},{"name":"to","type":"bytes32","indexed":true},{"name":"value","type":"uint256"}]},
  {"type":"event","name":"ValidatorSetUpdate","inputs":[{"name":"epoch","type":"uint256"},{"name":"validators","type":"address[]"}]},
  {"type":"event","name":"ComputeSettingsUpdate","inputs":[{"name":"chunkSize","type":"uint256"},{"name":"gasAllowancePerBlock","type":"uint256"}]}
]`

// RouterEventKind tags the decoded event variants.
type RouterEventKind uint8

const (
	EventCodeUploaded RouterEventKind = iota
	EventCodeValidated
	EventProgramCreated
	EventSendMessage
	EventValueTransfer
	EventValidatorSetUpdate
	EventComputeSettingsUpdate
)

// RouterEvent is a decoded router log, tagged by Kind with only the
// matching fields populated.
type RouterEvent struct {
	Kind RouterEventKind

	CodeId Hash
	Valid  bool

	ActorId     ActorId
	Salt        []byte
	Initializer ActorId

	Destination ActorId
	Payload     []byte
	Value       uint64
	GasLimit    uint64

	From, To ActorId

	Epoch      uint64
	Validators []Address

	ChunkSize            uint64
	GasAllowancePerBlock uint64
}

// EventDecoder holds the parsed router ABI and decodes raw logs against it.
type EventDecoder struct {
	abi abi.ABI
}

// NewEventDecoder parses the embedded router event ABI.
func NewEventDecoder() (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(routerEventABI))
	if err != nil {
		return nil, Wrap(err, "parse router ABI")
	}
	return &EventDecoder{abi: parsed}, nil
}

// Decode converts a raw Ethereum log emitted by the router contract into a
// RouterEvent, or returns ok=false for logs the engine doesn't recognize
// (the router may emit events this engine doesn't act on).
func (d *EventDecoder) Decode(log ethtypes.Log) (RouterEvent, bool, error) {
	if len(log.Topics) == 0 {
		return RouterEvent{}, false, nil
	}
	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return RouterEvent{}, false, nil
	}

	values := make(map[string]interface{})
	if err := d.abi.UnpackIntoMap(values, ev.Name, log.Data); err != nil {
		return RouterEvent{}, false, Wrap(err, "unpack "+ev.Name)
	}
	indexed := indexedTopics(log.Topics[1:])

	switch ev.Name {
	case "CodeUploaded":
		return RouterEvent{Kind: EventCodeUploaded, CodeId: topicHash(indexed, 0)}, true, nil
	case "CodeValidated":
		valid, _ := values["valid"].(bool)
		return RouterEvent{Kind: EventCodeValidated, CodeId: topicHash(indexed, 0), Valid: valid}, true, nil
	case "ProgramCreated":
		codeID, _ := values["codeId"].([32]byte)
		salt, _ := values["salt"].([]byte)
		initializer, _ := values["initializer"].([32]byte)
		value, _ := values["value"].(*big.Int)
		return RouterEvent{
			Kind: EventProgramCreated, ActorId: topicHash(indexed, 0), CodeId: codeID,
			Salt: salt, Initializer: initializer, Value: bigToUint64(value),
		}, true, nil
	case "SendMessage":
		payload, _ := values["payload"].([]byte)
		value, _ := values["value"].(*big.Int)
		gasLimit, _ := values["gasLimit"].(*big.Int)
		return RouterEvent{
			Kind: EventSendMessage, Destination: topicHash(indexed, 0), Payload: payload,
			Value: bigToUint64(value), GasLimit: bigToUint64(gasLimit),
		}, true, nil
	case "ValueTransfer":
		value, _ := values["value"].(*big.Int)
		return RouterEvent{Kind: EventValueTransfer, From: topicHash(indexed, 0), To: topicHash(indexed, 1), Value: bigToUint64(value)}, true, nil
	case "ValidatorSetUpdate":
		epoch, _ := values["epoch"].(*big.Int)
		addrs, _ := values["validators"].([]ethcommon.Address)
		vs := make([]Address, len(addrs))
		for i, a := range addrs {
			vs[i] = Address(a)
		}
		return RouterEvent{Kind: EventValidatorSetUpdate, Epoch: bigToUint64(epoch), Validators: vs}, true, nil
	case "ComputeSettingsUpdate":
		chunk, _ := values["chunkSize"].(*big.Int)
		allowance, _ := values["gasAllowancePerBlock"].(*big.Int)
		return RouterEvent{Kind: EventComputeSettingsUpdate, ChunkSize: bigToUint64(chunk), GasAllowancePerBlock: bigToUint64(allowance)}, true, nil
	default:
		return RouterEvent{}, false, nil
	}
}

func indexedTopics(topics []ethcommon.Hash) []ethcommon.Hash { return topics }

func topicHash(topics []ethcommon.Hash, i int) Hash {
	if i >= len(topics) {
		return ZeroHash
	}
	return Hash(topics[i])
}

func bigToUint64(b *big.Int) uint64 {
	if b == nil || !b.IsUint64() {
		return 0
	}
	return b.Uint64()
}
