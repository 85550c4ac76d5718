package sandbox

// The host/worker boundary speaks a small message protocol, correlated by
// numeric ids. Invocations flow in via InvokeMessage; the worker emits
// capability requests (QueryMessage, OracleMessage) that the host answers with
// CapReply, and exactly one terminal ResponseMessage per invocation.
// FatalMessage signals a transport-level crash and aborts everything.

// InvokeMessage asks the worker to run one plugin invocation.
type InvokeMessage struct {
	ID      uint64
	Entry   EntryPoint
	Method  SchedulerMethod
	Script  string
	Payload any
	Meta    map[string]any
}

// Message is a worker-to-host message.
type Message interface {
	messageTag()
}

// QueryMessage is a nested queryDb capability request. InvokeID names the
// invocation whose Bridge must answer it.
type QueryMessage struct {
	ID       uint64
	InvokeID uint64
	SQL      string
}

// OracleMessage is a nested scheduling-oracle capability request.
type OracleMessage struct {
	ID       uint64
	InvokeID uint64
	Method   SchedulerMethod
	Payload  any
}

// ResponseMessage is the terminal result of one invocation.
type ResponseMessage struct {
	ID     uint64
	OK     bool
	Result any
	Fault  *Fault
}

// FatalMessage reports a worker-level failure that no single invocation owns.
type FatalMessage struct {
	Err error
}

func (QueryMessage) messageTag()    {}
func (OracleMessage) messageTag()   {}
func (ResponseMessage) messageTag() {}
func (FatalMessage) messageTag()    {}

// CapReply answers one capability request, matched by ID.
type CapReply struct {
	ID     uint64
	OK     bool
	Result any
	Err    string
}
