package core

// Limits collects the engine's recognized configuration values. They are
// loaded by pkg/config and threaded into BlockProcessor/ExecutionCore at
// construction time; nothing in core reads the process environment directly.
type Limits struct {
	MaxPayload            int    // bytes, default 8 MiB
	MaxSalt                int    // bytes, default 8 MiB
	MaxWasmPages           uint32 // 64 KiB pages, default 512
	ChunkSize              int    // programs per parallel chunk
	ChunkProcessingThreads int    // worker pool size, default 16
	CanonicalQuarantine    uint32 // blocks
	MailboxThresholdGas    uint64
	ExistentialDeposit     uint64
	GasAllowancePerBlock   uint64
}

const (
	defaultMaxPayload            = 8 * 1024 * 1024
	defaultMaxSalt                = 8 * 1024 * 1024
	defaultMaxWasmPages           = 512
	defaultChunkSize              = 16
	defaultChunkProcessingThreads = 16
	defaultCanonicalQuarantine    = 64
	defaultMailboxThresholdGas    = 1_000
	defaultExistentialDeposit     = 1
	defaultGasAllowancePerBlock   = 4_000_000_000_000
)

// DefaultLimits returns the limits the engine uses absent explicit
// configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxPayload:             defaultMaxPayload,
		MaxSalt:                defaultMaxSalt,
		MaxWasmPages:           defaultMaxWasmPages,
		ChunkSize:              defaultChunkSize,
		ChunkProcessingThreads: defaultChunkProcessingThreads,
		CanonicalQuarantine:    defaultCanonicalQuarantine,
		MailboxThresholdGas:    defaultMailboxThresholdGas,
		ExistentialDeposit:     defaultExistentialDeposit,
		GasAllowancePerBlock:   defaultGasAllowancePerBlock,
	}
}

// AutoReplyMailboxPolicy selects what happens to the value of a program's
// own outgoing mailbox entry when an automatic error reply answers it.
type AutoReplyMailboxPolicy int

const (
	// AutoReplyMailboxBurn leaves the unspent value where the mailbox hold
	// already claimed it; nothing is returned. This is the default.
	AutoReplyMailboxBurn AutoReplyMailboxPolicy = iota
	// AutoReplyMailboxReturnToSource credits the unspent value back to the
	// original sender instead.
	AutoReplyMailboxReturnToSource
)

// EngineConfig is the full set of knobs the block processor and execution
// core are constructed with.
type EngineConfig struct {
	Limits
	InstrWeightsVersion      uint32
	AutoReplyToOwnMailboxPolicy AutoReplyMailboxPolicy
}

// DefaultEngineConfig returns an EngineConfig with DefaultLimits and the
// default mailbox auto-reply policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Limits:                      DefaultLimits(),
		InstrWeightsVersion:         1,
		AutoReplyToOwnMailboxPolicy: AutoReplyMailboxBurn,
	}
}
