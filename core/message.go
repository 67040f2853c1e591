package core

// MessageKind tags the four message kinds a program can receive or send.
type MessageKind uint8

const (
	KindInit MessageKind = iota
	KindHandle
	KindReply
	KindSignal
)

func (k MessageKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindHandle:
		return "handle"
	case KindReply:
		return "reply"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// ReplyCode enumerates the outcome of a message, carried on Reply/Signal
// details and on automatic error replies.
type ReplyCode uint32

const (
	ReplyCodeSuccess ReplyCode = iota
	ReplyCodeExecutionRanOutOfGas
	ReplyCodeExecutionUserspacePanic
	ReplyCodeExecutionUnreachable
	ReplyCodeUnavailableActorProgramExited
	ReplyCodeUnavailableActorTerminated
	ReplyCodeForbidden
)

// IsErrorReplyCode reports whether code represents an error outcome.
func IsErrorReplyCode(code ReplyCode) bool { return code != ReplyCodeSuccess }

// ReplyDetails is carried by a Reply dispatch: which message it answers and
// with what outcome code.
type ReplyDetails struct {
	To   MessageId
	Code ReplyCode
}

// SignalDetails is carried by a Signal dispatch.
type SignalDetails struct {
	To   MessageId
	Code ReplyCode
}

// Details is the optional payload attached to Reply/Signal messages. Exactly
// one of Reply/Signal is set when Kind is KindReply/KindSignal respectively;
// both are zero-value for Init/Handle.
type Details struct {
	HasReply  bool
	Reply     ReplyDetails
	HasSignal bool
	Signal    SignalDetails
}

// Message is the wire-level unit exchanged between actors.
type Message struct {
	ID          MessageId
	Source      ActorId
	Destination ActorId
	Payload     []byte
	Value       uint64 // sufficient headroom for this engine, and keeps the RLP encoding simple
	GasLimit    uint64
	HasGasLimit bool
	Kind        MessageKind
	Details     Details
}

// IsReply reports whether m is a reply to a prior message.
func (m *Message) IsReply() bool { return m.Kind == KindReply }

// IsSignal reports whether m is a signal delivery.
func (m *Message) IsSignal() bool { return m.Kind == KindSignal }

// Repliable reports whether a reply may legally be sent in response to m.
func (m *Message) Repliable() bool { return m.Kind == KindInit || m.Kind == KindHandle }

// ValidatePayload enforces the payload-size bound: payload.len() <= max.
func ValidatePayload(payload []byte, max int) error {
	if len(payload) > max {
		return &PayloadSizeError{Len: len(payload), Max: max}
	}
	return nil
}

// ValidateSalt enforces the salt-size invariant.
func ValidateSalt(salt []byte, max int) error {
	if len(salt) > max {
		return &PayloadSizeError{Len: len(salt), Max: max}
	}
	return nil
}

// Context is the suspended execution context a program stores before
// calling `wait`; it is reattached to the Dispatch when the message is woken
// so that `handle_reply`/resumption sees the same local state the original
// invocation captured.
type Context struct {
	Present bool
	// Data is an opaque, engine-internal snapshot of the waiting program's
	// async-call bookkeeping (message ids awaited, partial reply storage).
	// ExecutionCore treats it as an opaque blob; only generated code (gstd's
	// async runtime) interprets its contents.
	Data []byte
}

// Dispatch pairs a Message with its kind-derived routing metadata and an
// optional resumption Context.
type Dispatch struct {
	Message Message
	Context Context
}

func (d *Dispatch) ID() MessageId       { return d.Message.ID }
func (d *Dispatch) Kind() MessageKind   { return d.Message.Kind }
func (d *Dispatch) IsReply() bool       { return d.Message.IsReply() }
func (d *Dispatch) IsSignal() bool      { return d.Message.IsSignal() }

// NewHandleDispatch builds a Handle dispatch from a router SendMessage event
// or an outgoing program send. A zero gasLimit means "unspecified": the
// dispatch inherits an engine-assigned budget when executed rather than
// carrying its own.
func NewHandleDispatch(id MessageId, source, dest ActorId, payload []byte, value, gasLimit uint64) Dispatch {
	return Dispatch{Message: Message{
		ID: id, Source: source, Destination: dest, Payload: payload,
		Value: value, GasLimit: gasLimit, HasGasLimit: gasLimit > 0, Kind: KindHandle,
	}}
}

// NewInitDispatch builds the Init dispatch sent to a freshly created program.
func NewInitDispatch(id MessageId, initializer, program ActorId, payload []byte, value, gasLimit uint64) Dispatch {
	return Dispatch{Message: Message{
		ID: id, Source: initializer, Destination: program, Payload: payload,
		Value: value, GasLimit: gasLimit, HasGasLimit: true, Kind: KindInit,
	}}
}

// AutoErrorReply builds the automatic error reply produced when a repliable
// dispatch targets a terminal program.
func AutoErrorReply(origin Dispatch, code ReplyCode, unspentValue uint64) Dispatch {
	return Dispatch{Message: Message{
		ID:          ReplyMessageId(origin.Message.ID),
		Source:      origin.Message.Destination,
		Destination: origin.Message.Source,
		Payload:     nil,
		Value:       unspentValue,
		Kind:        KindReply,
		Details: Details{
			HasReply: true,
			Reply:    ReplyDetails{To: origin.Message.ID, Code: code},
		},
	}}
}

// AutoSignalReply builds a signal dispatch delivered to a program's own
// handle_signal entrypoint.
func AutoSignalReply(origin Dispatch, dest ActorId, code ReplyCode) Dispatch {
	return Dispatch{Message: Message{
		ID:          SignalMessageId(origin.Message.ID),
		Source:      origin.Message.Destination,
		Destination: dest,
		Kind:        KindSignal,
		Details: Details{
			HasSignal: true,
			Signal:    SignalDetails{To: origin.Message.ID, Code: code},
		},
	}}
}
