package sandbox

import (
	"errors"

	"github.com/dop251/goja"

	"github.com/tunelab/tunelab/internal/jsval"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// Fault is the structured form of a plugin failure: whatever the script threw
// or rejected with, captured as {message, name, stack} so the host can reject
// the invocation without ever crashing the worker.
type Fault struct {
	Message string
	Name    string
	Stack   string
	Code    tlerr.Code
}

// Err converts the fault into a coded error for the caller.
func (f *Fault) Err() *tlerr.Error {
	code := f.Code
	if code == "" {
		code = tlerr.ErrScript
	}
	e := tlerr.New(code, f.Message)
	if f.Name != "" {
		e.With("name", f.Name)
	}
	if f.Stack != "" {
		e.With("stack", f.Stack)
	}
	return e
}

// faultFromError captures a Go-side evaluation error as a Fault.
// Goja exception values keep their JS name/message/stack; interrupts map to
// the worker-reset code; coded errors keep their code.
func faultFromError(err error) *Fault {
	if err == nil {
		return nil
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return faultFromValue(exception.Value(), exception.String())
	}

	var rejection *promiseRejection
	if errors.As(err, &rejection) {
		return faultFromValue(rejection.value, "")
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &Fault{
			Message: syntaxErr.Error(),
			Name:    "SyntaxError",
			Code:    tlerr.ErrScript,
		}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Fault{
			Message: "execution interrupted: " + interrupted.String(),
			Code:    tlerr.ErrWorkerReset,
		}
	}

	var coded *tlerr.Error
	if errors.As(err, &coded) {
		return &Fault{
			Message: coded.GetMessage(),
			Code:    coded.GetCode(),
		}
	}

	return &Fault{Message: err.Error(), Code: tlerr.ErrScript}
}

// faultFromValue extracts {message, name, stack} from a thrown JS value.
func faultFromValue(v goja.Value, stack string) *Fault {
	fault := &Fault{Code: tlerr.ErrScript, Stack: stack}
	if v == nil {
		fault.Message = "script threw an empty value"
		return fault
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		fault.Message = v.String()
		return fault
	}

	if msg, ok := jsval.GetString(obj, "message"); ok {
		fault.Message = msg
	} else {
		fault.Message = v.String()
	}
	if name, ok := jsval.GetString(obj, "name"); ok {
		fault.Name = name
	}
	if st, ok := jsval.GetString(obj, "stack"); ok {
		fault.Stack = st
	}
	return fault
}
