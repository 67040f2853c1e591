package core

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

func decodeTestLog(t *testing.T, eventName string, indexedTopics []ethcommon.Hash, nonIndexed ...interface{}) (RouterEvent, bool, error) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(routerEventABI))
	if err != nil {
		t.Fatalf("parse test ABI: %v", err)
	}
	ev, ok := parsed.Events[eventName]
	if !ok {
		t.Fatalf("unknown event %q in test ABI", eventName)
	}
	var nonIndexedArgs abi.Arguments
	for _, a := range ev.Inputs {
		if !a.Indexed {
			nonIndexedArgs = append(nonIndexedArgs, a)
		}
	}
	data, err := nonIndexedArgs.Pack(nonIndexed...)
	if err != nil {
		t.Fatalf("pack %s data: %v", eventName, err)
	}

	topics := append([]ethcommon.Hash{ev.ID}, indexedTopics...)
	log := ethtypes.Log{Topics: topics, Data: data}

	dec, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return dec.Decode(log)
}

func TestDecodeCodeUploaded(t *testing.T) {
	codeID := HashBytes([]byte("code"))
	ev, ok, err := decodeTestLog(t, "CodeUploaded", []ethcommon.Hash{ethcommon.Hash(codeID)})
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if ev.Kind != EventCodeUploaded || ev.CodeId != codeID {
		t.Fatalf("unexpected decoded event: %+v", ev)
	}
}

func TestDecodeCodeValidated(t *testing.T) {
	codeID := HashBytes([]byte("code"))
	ev, ok, err := decodeTestLog(t, "CodeValidated", []ethcommon.Hash{ethcommon.Hash(codeID)}, true)
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if !ev.Valid {
		t.Fatalf("expected valid=true, got %+v", ev)
	}
}

func TestDecodeProgramCreated(t *testing.T) {
	actor := HashBytes([]byte("actor"))
	codeID := HashBytes([]byte("code"))
	initializer := HashBytes([]byte("creator"))
	ev, ok, err := decodeTestLog(t, "ProgramCreated", []ethcommon.Hash{ethcommon.Hash(actor)},
		[32]byte(codeID), []byte("salty"), [32]byte(initializer), big.NewInt(25))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if ev.ActorId != actor || ev.CodeId != codeID || ev.Initializer != initializer {
		t.Fatalf("unexpected decoded event: %+v", ev)
	}
	if string(ev.Salt) != "salty" || ev.Value != 25 {
		t.Fatalf("unexpected salt/value: %+v", ev)
	}
}

func TestDecodeSendMessage(t *testing.T) {
	dest := HashBytes([]byte("dest"))
	ev, ok, err := decodeTestLog(t, "SendMessage", []ethcommon.Hash{ethcommon.Hash(dest)},
		[]byte("hello"), big.NewInt(100), big.NewInt(50000))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if ev.Destination != dest || string(ev.Payload) != "hello" || ev.Value != 100 || ev.GasLimit != 50000 {
		t.Fatalf("unexpected decoded event: %+v", ev)
	}
}

func TestDecodeUnknownLogIsIgnored(t *testing.T) {
	dec, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	_, ok, err := dec.Decode(ethtypes.Log{})
	if err != nil {
		t.Fatalf("unexpected error for empty log: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a log with no topics")
	}
}
