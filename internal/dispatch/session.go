// Package dispatch is the caller-facing entry point of the plugin runtime.
// A Session owns one sandbox worker, correlates concurrent invocations,
// enforces wall-clock budgets, and routes nested capability callbacks to the
// Bridge registered for their invocation.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// DefaultTimeout is the wall-clock budget applied when a request sets none.
const DefaultTimeout = 8 * time.Second

// Bridge is the optional, per-invocation set of host-side callables a
// sandboxed script may invoke indirectly. Its lifetime equals the pending
// invocation's; both are keyed by the same correlation id.
type Bridge struct {
	QueryDB            func(ctx context.Context, sql string) (any, error)
	ProcessFirstReview func(ctx context.Context, payload any) (any, error)
	ProcessReview      func(ctx context.Context, payload any) (any, error)
}

// Request describes one plugin invocation.
type Request struct {
	Entry   sandbox.EntryPoint
	Method  sandbox.SchedulerMethod
	Script  string
	Payload any
	Meta    map[string]any

	// Timeout overrides the session default when positive.
	Timeout time.Duration

	// Bridge supplies the capability callables; nil means the script gets a
	// BridgeUnavailable error if it asks for one.
	Bridge *Bridge

	// Label names the invocation in diagnostics.
	Label string
}

// Options configures a Session.
type Options struct {
	// DefaultTimeout replaces DefaultTimeout when positive.
	DefaultTimeout time.Duration

	// Worker configures the sandbox worker the session creates.
	Worker sandbox.Config
}

// Session dispatches plugin invocations to a lazily created worker. Sessions
// are owned and injected by the caller; independent sessions are fully
// isolated from each other.
type Session struct {
	opts Options

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]*pendingInvocation
	worker  *sandbox.Worker
}

// outcome resolves or rejects one pending invocation.
type outcome struct {
	result any
	err    error
}

// pendingInvocation is the in-flight bookkeeping for one request. Created at
// dispatch, destroyed on resolution, timeout, or worker reset — always
// together with its Bridge.
type pendingInvocation struct {
	id        uint64
	label     string
	bridge    *Bridge
	timer     *time.Timer
	startedAt time.Time
	done      chan outcome
}

// NewSession creates a session. No worker exists until the first invocation.
func NewSession(opts Options) *Session {
	return &Session{
		opts:    opts,
		pending: make(map[uint64]*pendingInvocation),
	}
}

// RunPlugin runs one plugin invocation and returns its host-native result.
// It is safe for concurrent use; concurrent invocations share the worker but
// never observe each other's payloads or bridges.
//
// On timeout the invocation is rejected and the worker is fully reset: a
// sandboxed script has no safe mid-execution interrupt point, so cancellation
// is coarse and every other pending invocation is rejected with a reset
// reason.
func (s *Session) RunPlugin(ctx context.Context, req Request) (any, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, tlerr.New(tlerr.ErrSessionClosed, "session is closed")
	}

	worker := s.ensureWorkerLocked()

	s.nextID++
	id := s.nextID

	label := req.Label
	if label == "" {
		label = req.Entry.String()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &pendingInvocation{
		id:        id,
		label:     label,
		bridge:    req.Bridge,
		startedAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { s.expire(id, timeout) })
	s.pending[id] = p
	s.mu.Unlock()

	worker.Invoke(sandbox.InvokeMessage{
		ID:      id,
		Entry:   req.Entry,
		Method:  req.Method,
		Script:  req.Script,
		Payload: req.Payload,
		Meta:    req.Meta,
	})

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		s.cancelInvocation(id, ctx.Err())
		// The reset path has queued the outcome
		out := <-p.done
		return out.result, out.err
	}
}

// Close tears the session down, rejecting every pending invocation.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.resetLocked(0, nil, tlerr.ErrSessionClosed, "session closed")
}

// ensureWorkerLocked lazily creates the worker and starts its route loop.
func (s *Session) ensureWorkerLocked() *sandbox.Worker {
	if s.worker == nil {
		w := sandbox.NewWorker(s.opts.Worker)
		s.worker = w
		go s.route(w)
	}
	return s.worker
}

// route is the inbound message loop for one worker generation. Nested
// capability callbacks are routed to the Bridge registered under their
// invocation id; anything else is the terminal response for its own id.
func (s *Session) route(w *sandbox.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.Done()
		cancel()
	}()

	for {
		select {
		case msg := <-w.Messages():
			switch m := msg.(type) {
			case sandbox.QueryMessage:
				go s.serveQuery(ctx, w, m)
			case sandbox.OracleMessage:
				go s.serveOracle(ctx, w, m)
			case sandbox.ResponseMessage:
				s.resolve(m)
			case sandbox.FatalMessage:
				s.fatal(w, m.Err)
				return
			}
		case <-w.Done():
			return
		}
	}
}

// bridgeFor looks up the Bridge registered for an invocation id.
func (s *Session) bridgeFor(invokeID uint64) *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[invokeID]; ok {
		return p.bridge
	}
	return nil
}

func (s *Session) serveQuery(ctx context.Context, w *sandbox.Worker, m sandbox.QueryMessage) {
	bridge := s.bridgeFor(m.InvokeID)
	if bridge == nil || bridge.QueryDB == nil {
		w.Deliver(sandbox.CapReply{
			ID:  m.ID,
			Err: tlerr.New(tlerr.ErrBridgeUnavailable, "no queryDb bridge supplied for this invocation").Error(),
		})
		return
	}
	result, err := bridge.QueryDB(ctx, m.SQL)
	if err != nil {
		w.Deliver(sandbox.CapReply{ID: m.ID, Err: err.Error()})
		return
	}
	w.Deliver(sandbox.CapReply{ID: m.ID, OK: true, Result: result})
}

func (s *Session) serveOracle(ctx context.Context, w *sandbox.Worker, m sandbox.OracleMessage) {
	bridge := s.bridgeFor(m.InvokeID)

	var fn func(context.Context, any) (any, error)
	if bridge != nil {
		switch m.Method {
		case sandbox.SchedulerFirstReview:
			fn = bridge.ProcessFirstReview
		case sandbox.SchedulerReview:
			fn = bridge.ProcessReview
		}
	}
	if fn == nil {
		w.Deliver(sandbox.CapReply{
			ID:  m.ID,
			Err: tlerr.Newf(tlerr.ErrBridgeUnavailable, "no %s bridge supplied for this invocation", m.Method).Error(),
		})
		return
	}

	result, err := fn(ctx, m.Payload)
	if err != nil {
		w.Deliver(sandbox.CapReply{ID: m.ID, Err: err.Error()})
		return
	}
	w.Deliver(sandbox.CapReply{ID: m.ID, OK: true, Result: result})
}

// resolve completes one invocation from its terminal response, clearing the
// pending entry and its Bridge together.
func (s *Session) resolve(m sandbox.ResponseMessage) {
	s.mu.Lock()
	p, ok := s.pending[m.ID]
	if ok {
		delete(s.pending, m.ID)
		p.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		// Late response from before a reset; its invocation is already rejected
		return
	}

	if m.OK {
		p.done <- outcome{result: m.Result}
		return
	}
	fault := m.Fault
	if fault == nil {
		fault = &sandbox.Fault{Message: "plugin failed without a fault record"}
	}
	p.done <- outcome{err: fault.Err().WithPlugin("", p.label)}
}

// expire handles a wall-clock timeout for one invocation.
func (s *Session) expire(id uint64, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return
	}
	victimErr := tlerr.Newf(tlerr.ErrScriptTimeout, "plugin invocation %q exceeded its %s budget", p.label, timeout).
		With("invoke_id", id)
	s.resetLocked(id, victimErr, tlerr.ErrWorkerReset, "invocation timeout")
}

// cancelInvocation handles caller-context cancellation, which gets the same
// coarse worker reset as a timeout.
func (s *Session) cancelInvocation(id uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return
	}
	victimErr := tlerr.Wrap(tlerr.ErrWorkerReset, cause, "invocation canceled by caller")
	s.resetLocked(id, victimErr, tlerr.ErrWorkerReset, "caller canceled")
}

// fatal handles a worker-level transport failure: nothing is salvageable.
func (s *Session) fatal(w *sandbox.Worker, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != w {
		// Stale worker generation; already reset
		return
	}
	reason := "worker fatal error"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	s.resetLocked(0, nil, tlerr.ErrWorkerFatal, reason)
}

// resetLocked performs the full worker reset: the victim (if any) gets
// victimErr, every other pending invocation is rejected with othersCode, the
// worker is killed and will be recreated lazily. Callers hold s.mu.
func (s *Session) resetLocked(victimID uint64, victimErr error, othersCode tlerr.Code, reason string) {
	for id, p := range s.pending {
		p.timer.Stop()
		if id == victimID {
			p.done <- outcome{err: victimErr}
			continue
		}
		p.done <- outcome{
			err: tlerr.Newf(othersCode, "invocation %q aborted by worker reset (%s)", p.label, reason).
				With("invoke_id", id),
		}
	}
	s.pending = make(map[uint64]*pendingInvocation)

	if s.worker != nil {
		w := s.worker
		s.worker = nil
		w.Kill(reason)
	}
}
