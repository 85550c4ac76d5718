package sandbox

import "fmt"

// EntryPoint identifies the plugin capability being invoked. It is a closed
// set: the worker matches exhaustively and rejects anything it does not know,
// so a plugin cannot be asked to run an arbitrary global by name.
type EntryPoint int

const (
	// EntryImportParser invokes the global function parseImport(payload, meta),
	// which turns imported catalog data into tune records.
	EntryImportParser EntryPoint = iota

	// EntrySchedulerFactory invokes the global factory createScheduler() and
	// then calls one SchedulerMethod on the object it returns.
	EntrySchedulerFactory
)

// GlobalName returns the global the script must define for this entry point.
func (e EntryPoint) GlobalName() string {
	switch e {
	case EntryImportParser:
		return "parseImport"
	case EntrySchedulerFactory:
		return "createScheduler"
	default:
		return ""
	}
}

func (e EntryPoint) String() string {
	if name := e.GlobalName(); name != "" {
		return name
	}
	return fmt.Sprintf("EntryPoint(%d)", int(e))
}

// SchedulerMethod selects which method to call on a scheduler factory's
// returned object. SchedulerNone is only valid for non-factory entry points.
type SchedulerMethod int

const (
	SchedulerNone SchedulerMethod = iota
	SchedulerFirstReview
	SchedulerReview
)

// MethodName returns the JS method name on the factory object.
func (m SchedulerMethod) MethodName() string {
	switch m {
	case SchedulerFirstReview:
		return "processFirstReview"
	case SchedulerReview:
		return "processReview"
	default:
		return ""
	}
}

func (m SchedulerMethod) String() string {
	if name := m.MethodName(); name != "" {
		return name
	}
	return "none"
}
