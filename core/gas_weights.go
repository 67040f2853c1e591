// SPDX-License-Identifier: BUSL-1.1
package core

// GasWeights is the versioned cost table ExecutionCore charges against.
// Bumping the version invalidates every cached instrumented module
// (InstrumentedCodeCache keys on the pair).

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// HostCall enumerates the host functions a program may import.
type HostCall string

const (
	HostGasReserve      HostCall = "gr_reserve_gas"
	HostGasUnreserve    HostCall = "gr_unreserve_gas"
	HostSend            HostCall = "gr_send"
	HostSendInput       HostCall = "gr_send_input"
	HostReply           HostCall = "gr_reply"
	HostReplyInput      HostCall = "gr_reply_input"
	HostRead            HostCall = "gr_read"
	HostSize            HostCall = "gr_size"
	HostExit            HostCall = "gr_exit"
	HostWait            HostCall = "gr_wait"
	HostWaitFor         HostCall = "gr_wait_for"
	HostWaitUpTo        HostCall = "gr_wait_up_to"
	HostWake            HostCall = "gr_wake"
	HostCreateProgram   HostCall = "gr_create_program"
	HostSystemReserveGas HostCall = "gr_system_reserve_gas"
	HostLeaveCall       HostCall = "gr_leave"
	HostSourceCall      HostCall = "gr_source"
	HostValueCall       HostCall = "gr_value"
)

// GasWeights holds every charge ExecutionCore applies, sourced from the
// instrumentation/runtime weights YAML the node operator ships alongside
// the engine binary.
type GasWeights struct {
	Version uint32 `yaml:"version"`

	// Per-instruction-class costs, charged by the instrumentation injected
	// into a module at reinstrumentation time.
	InstructionBase  uint64 `yaml:"instruction_base"`
	InstructionMemory uint64 `yaml:"instruction_memory"`
	InstructionCall  uint64 `yaml:"instruction_call"`

	// Per-page / per-byte data-movement costs.
	LoadPage        uint64 `yaml:"load_page"`
	GrowPage        uint64 `yaml:"grow_page"`
	BytePayload     uint64 `yaml:"byte_payload"`
	ModuleInstantiationPerByte uint64 `yaml:"module_instantiation_per_byte"`

	// Host-call costs, one entry per HostCall the module may import.
	HostCalls map[HostCall]uint64 `yaml:"host_calls"`
}

// DefaultGasWeights returns a conservative built-in table used when no
// weights file is configured.
func DefaultGasWeights() GasWeights {
	return GasWeights{
		Version:                    1,
		InstructionBase:            1,
		InstructionMemory:          10,
		InstructionCall:            20,
		LoadPage:                   1_000,
		GrowPage:                   5_000,
		BytePayload:                10,
		ModuleInstantiationPerByte: 1,
		HostCalls: map[HostCall]uint64{
			HostGasReserve:       500,
			HostGasUnreserve:     200,
			HostSend:             2_000,
			HostSendInput:        2_000,
			HostReply:            2_000,
			HostReplyInput:       2_000,
			HostRead:             100,
			HostSize:             10,
			HostExit:             1_000,
			HostWait:             1_000,
			HostWaitFor:          1_000,
			HostWaitUpTo:         1_000,
			HostWake:             500,
			HostCreateProgram:    5_000,
			HostSystemReserveGas: 200,
			HostLeaveCall:        10,
			HostSourceCall:       10,
			HostValueCall:        10,
		},
	}
}

// LoadGasWeights parses a YAML weights document, falling back to
// DefaultGasWeights for any zero-valued field the document omits.
func LoadGasWeights(data []byte) (GasWeights, error) {
	w := DefaultGasWeights()
	if err := yaml.Unmarshal(data, &w); err != nil {
		return GasWeights{}, fmt.Errorf("parse gas weights: %w", err)
	}
	if w.HostCalls == nil {
		w.HostCalls = DefaultGasWeights().HostCalls
	}
	return w, nil
}

// HostCallCost returns the configured cost of call, or a fallback if the
// table has no entry for it. Unknown host imports are rejected at validation
// time, so this only guards against a weights file that lags a code version
// that added a new host call.
func (w GasWeights) HostCallCost(call HostCall) uint64 {
	if c, ok := w.HostCalls[call]; ok {
		return c
	}
	return w.InstructionBase * 100
}
