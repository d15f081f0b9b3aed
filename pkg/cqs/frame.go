package cqs

// OpCode identifies the kind of a wire frame. Only the subset the session
// layer routes on is named; payload interpretation stays in the codec.
type OpCode byte

const (
	OpError     OpCode = 0x00
	OpStartup   OpCode = 0x01
	OpReady     OpCode = 0x02
	OpOptions   OpCode = 0x05
	OpSupported OpCode = 0x06
	OpQuery     OpCode = 0x07
	OpResult    OpCode = 0x08
	OpPrepare   OpCode = 0x09
	OpExecute   OpCode = 0x0A
)

// Consistency is the consistency level carried by a request. The session
// never interprets it; it is forwarded to the codec and to retry policies.
type Consistency uint16

const (
	Any         Consistency = 0x0000
	One         Consistency = 0x0001
	Two         Consistency = 0x0002
	Three       Consistency = 0x0003
	Quorum      Consistency = 0x0004
	All         Consistency = 0x0005
	LocalQuorum Consistency = 0x0006
	EachQuorum  Consistency = 0x0007
	LocalOne    Consistency = 0x000A
)

// RequestKind distinguishes what a Request asks the node to do.
type RequestKind int

const (
	// KindQuery executes a plain query string.
	KindQuery RequestKind = iota

	// KindPrepare asks the node to prepare a query and return a handle.
	KindPrepare

	// KindExecute executes a previously prepared handle with bound values.
	KindExecute

	// KindPing is the heartbeat request (OPTIONS on the wire).
	KindPing
)

// Request is the caller-supplied unit of work. Zero values fall back to the
// session's RequestConfig.
type Request struct {
	Kind        RequestKind
	Query       string
	PreparedID  []byte
	Values      [][]byte
	Consistency Consistency

	// Timeout overrides the session-wide request timeout when non-zero,
	// expressed in milliseconds to match RequestConfig.
	Timeout uint32
}

// Result is the terminal success payload of a request. The session treats
// the payload as opaque bytes; only the codec reads or writes it.
type Result struct {
	Op         OpCode
	Payload    []byte
	PreparedID []byte
}

// PreparedHandle identifies a statement prepared on the cluster.
type PreparedHandle struct {
	ID    []byte
	Query string
}

// Frame is one decoded unit from the wire, correlated by Stream.
type Frame struct {
	Stream  int16
	Op      OpCode
	Body    []byte
	ErrCode int32
	ErrText string
}
