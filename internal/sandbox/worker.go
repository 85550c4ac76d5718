// Package sandbox owns the embedded JavaScript interpreter. It evaluates
// plugin scripts in per-invocation contexts, exposes the gated host
// capabilities to them, and guarantees resource cleanup on every exit path.
package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/tunelab/tunelab/internal/fetchproxy"
	"github.com/tunelab/tunelab/internal/jsval"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// maxCachedPrograms bounds the compiled-script cache.
const maxCachedPrograms = 128

// Config configures a Worker.
type Config struct {
	// Fetcher serves the fetchUrl capability. Nil disables it.
	Fetcher *fetchproxy.Fetcher

	// Logf receives plugin log() output. Nil discards it.
	Logf func(format string, args ...any)
}

// Worker runs plugin invocations. The worker itself is process-lifetime and
// holds only shared, invocation-independent state (the compiled-program cache,
// the outbound message channel); each invocation gets a fresh hardened
// interpreter context that is torn down when the invocation completes.
//
// Invocations run concurrently: one that suspends on a capability round-trip
// does not block another. Isolation between them is provided by correlation-id
// routing, never by shared interpreter state.
type Worker struct {
	fetcher *fetchproxy.Fetcher
	logf    func(format string, args ...any)

	out    chan Message
	ctx    context.Context
	cancel context.CancelFunc

	capSeq atomic.Uint64

	mu       sync.Mutex
	killed   bool
	active   map[uint64]*goja.Runtime
	waiters  map[uint64]chan CapReply
	programs map[[sha256.Size]byte]*goja.Program
}

// NewWorker creates a worker. It allocates no interpreter state until the
// first invocation arrives.
func NewWorker(cfg Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Worker{
		fetcher:  cfg.Fetcher,
		logf:     logf,
		out:      make(chan Message, 16),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[uint64]*goja.Runtime),
		waiters:  make(map[uint64]chan CapReply),
		programs: make(map[[sha256.Size]byte]*goja.Program),
	}
}

// Messages returns the worker-to-host message stream. The host must keep
// reading it until Done() fires.
func (w *Worker) Messages() <-chan Message {
	return w.out
}

// Done fires when the worker has been killed.
func (w *Worker) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Invoke starts one plugin invocation. It never blocks the caller.
func (w *Worker) Invoke(msg InvokeMessage) {
	go w.runInvocation(msg)
}

// Deliver answers a pending capability round-trip.
func (w *Worker) Deliver(reply CapReply) {
	w.mu.Lock()
	ch := w.waiters[reply.ID]
	delete(w.waiters, reply.ID)
	w.mu.Unlock()
	if ch != nil {
		ch <- reply
	}
}

// Kill terminates the worker: every active interpreter context is interrupted,
// every suspended capability round-trip is unblocked, and all subsequent sends
// are dropped. Cancellation is all-or-nothing; there is no per-invocation
// interrupt (see the dispatcher's reset semantics).
func (w *Worker) Kill(reason string) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.killed = true
	for _, rt := range w.active {
		rt.Interrupt(reason)
	}
	w.mu.Unlock()
	w.cancel()
}

// runInvocation services one invocation end-to-end on its own goroutine.
// Exactly one ResponseMessage is emitted unless the worker dies first.
func (w *Worker) runInvocation(msg InvokeMessage) {
	var cleanup jsval.Cleanup
	defer cleanup.Release()

	defer func() {
		if r := recover(); r != nil {
			w.send(FatalMessage{Err: fmt.Errorf("invocation %d panicked: %v", msg.ID, r)})
		}
	}()

	rt, err := w.newRuntime(msg, &cleanup)
	if err != nil {
		w.send(ResponseMessage{ID: msg.ID, OK: false, Fault: faultFromError(err)})
		return
	}

	result, err := w.evaluate(rt, msg)
	if err != nil {
		w.send(ResponseMessage{ID: msg.ID, OK: false, Fault: faultFromError(err)})
		return
	}
	w.send(ResponseMessage{ID: msg.ID, OK: true, Result: result})
}

// newRuntime allocates the fresh, hardened interpreter context for one
// invocation and registers it for interrupt delivery. Contexts are never
// reused across invocations.
func (w *Worker) newRuntime(msg InvokeMessage, cleanup *jsval.Cleanup) (*goja.Runtime, error) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return nil, tlerr.New(tlerr.ErrWorkerReset, "worker has been shut down")
	}
	rt := goja.New()
	w.active[msg.ID] = rt
	w.mu.Unlock()

	cleanup.Add(func() {
		w.mu.Lock()
		delete(w.active, msg.ID)
		w.mu.Unlock()
	})

	rt.SetMaxCallStackSize(500)

	// Disable eval and freeze prototypes against pollution
	_ = rt.Set("eval", goja.Undefined())
	_, _ = rt.RunString(`
		(function() {
			try {
				Object.freeze(Object.prototype);
				Object.freeze(Array.prototype);
				Object.freeze(String.prototype);
				Object.freeze(Number.prototype);
				Object.freeze(Boolean.prototype);
			} catch(e) {}
		})();
	`)

	if err := w.installGlobals(rt, msg); err != nil {
		return nil, err
	}
	return rt, nil
}

// evaluate runs the script, resolves the target entry point, calls it with the
// marshalled (payload, meta), unwraps a settled promise result, and marshals
// the outcome back to host-native form.
func (w *Worker) evaluate(rt *goja.Runtime, msg InvokeMessage) (any, error) {
	program, err := w.compile(msg.Script)
	if err != nil {
		return nil, err
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, err
	}

	fn, this, err := w.resolveEntry(rt, msg)
	if err != nil {
		return nil, err
	}

	payloadV, err := jsval.ToValue(rt, msg.Payload)
	if err != nil {
		return nil, err
	}
	metaV := goja.Value(goja.Undefined())
	if msg.Meta != nil {
		metaV, err = jsval.ToValue(rt, msg.Meta)
		if err != nil {
			return nil, err
		}
	}

	out, err := fn(this, payloadV, metaV)
	if err != nil {
		return nil, err
	}

	out, err = awaitSettled(out)
	if err != nil {
		return nil, err
	}

	return jsval.FromValue(out), nil
}

// resolveEntry resolves the target callable: a directly named function for
// simple entry points, or a factory whose returned object's method is invoked
// for stateful scheduler entry points.
func (w *Worker) resolveEntry(rt *goja.Runtime, msg InvokeMessage) (goja.Callable, goja.Value, error) {
	global := msg.Entry.GlobalName()
	if global == "" {
		return nil, nil, tlerr.Newf(tlerr.ErrEntryMissing, "unknown entry point %d", int(msg.Entry))
	}

	fn, ok := goja.AssertFunction(rt.Get(global))
	if !ok {
		return nil, nil, tlerr.Newf(tlerr.ErrEntryMissing, "script does not define %s()", global).
			WithEntry(global).
			WithHelp("declare a global function named " + global)
	}

	switch msg.Entry {
	case EntryImportParser:
		return fn, goja.Undefined(), nil

	case EntrySchedulerFactory:
		res, err := fn(goja.Undefined())
		if err != nil {
			return nil, nil, err
		}
		obj, ok := res.(*goja.Object)
		if !ok {
			return nil, nil, tlerr.New(tlerr.ErrScript, "createScheduler() must return an object").
				WithEntry(global)
		}
		name := msg.Method.MethodName()
		if name == "" {
			return nil, nil, tlerr.New(tlerr.ErrEntryMissing, "scheduler invocation requires a method").
				WithEntry(global)
		}
		method, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, nil, tlerr.Newf(tlerr.ErrEntryMissing, "scheduler object does not implement %s()", name).
				WithEntry(global)
		}
		return method, obj, nil

	default:
		return nil, nil, tlerr.Newf(tlerr.ErrEntryMissing, "unknown entry point %d", int(msg.Entry))
	}
}

// compile returns a cached compiled program for the script, compiling on miss.
// The cache is the only interpreter state shared across invocations; compiled
// programs are immutable and safe for concurrent RunProgram.
func (w *Worker) compile(script string) (*goja.Program, error) {
	key := sha256.Sum256([]byte(script))

	w.mu.Lock()
	if p, ok := w.programs[key]; ok {
		w.mu.Unlock()
		return p, nil
	}
	w.mu.Unlock()

	program, err := goja.Compile("plugin.js", script, false)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if len(w.programs) >= maxCachedPrograms {
		w.programs = make(map[[sha256.Size]byte]*goja.Program)
	}
	w.programs[key] = program
	w.mu.Unlock()
	return program, nil
}

// roundTrip suspends the invocation on one capability request until the host
// delivers the reply or the worker dies.
func (w *Worker) roundTrip(build func(capID uint64) Message) (any, error) {
	capID := w.capSeq.Add(1)
	ch := make(chan CapReply, 1)

	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return nil, tlerr.New(tlerr.ErrWorkerReset, "worker has been shut down")
	}
	w.waiters[capID] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.waiters, capID)
		w.mu.Unlock()
	}()

	if !w.send(build(capID)) {
		return nil, tlerr.New(tlerr.ErrWorkerReset, "worker reset while sending capability request")
	}

	select {
	case reply := <-ch:
		if !reply.OK {
			return nil, fmt.Errorf("%s", reply.Err)
		}
		return reply.Result, nil
	case <-w.ctx.Done():
		return nil, tlerr.New(tlerr.ErrWorkerReset, "worker reset while awaiting capability result")
	}
}

// send emits a message to the host, dropping it if the worker has died.
func (w *Worker) send(msg Message) bool {
	select {
	case w.out <- msg:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// promiseRejection carries a rejected promise's value out of awaitSettled.
type promiseRejection struct {
	value goja.Value
}

func (p *promiseRejection) Error() string {
	if p.value == nil {
		return "promise rejected"
	}
	return p.value.String()
}

// awaitSettled unwraps a settled promise result. Capability calls are
// synchronous, so a well-behaved plugin's promise is already settled by the
// time the entry point returns; a still-pending one can never settle.
func awaitSettled(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return awaitSettled(p.Result())
	case goja.PromiseStateRejected:
		return nil, &promiseRejection{value: p.Result()}
	default:
		return nil, tlerr.New(tlerr.ErrPendingPromise, "script returned a promise that never settled").
			WithHelp("capability calls are synchronous; do not await values that never resolve")
	}
}
