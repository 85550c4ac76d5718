package schedule

import (
	"context"
	"time"

	"github.com/tunelab/tunelab/internal/dispatch"
	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/sqlguard"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// DefaultOverrideTimeout is the wall-clock budget for one scheduler plugin
// invocation. Scheduler plugins may query practice history, so they get a
// larger budget than the session default.
const DefaultOverrideTimeout = 30 * time.Second

// Querier executes read-only SQL on behalf of a plugin. The override service
// validates every statement through the gatekeeper before it reaches here.
type Querier interface {
	Execute(ctx context.Context, sql string) ([]map[string]any, error)
}

// WarningSink records a persistent, non-blocking warning when a scheduler
// plugin fails and its result is replaced by the built-in fallback.
type WarningSink interface {
	RecordWarning(ctx context.Context, pluginID, pluginName, message string) error
}

// PluginRef identifies the scheduler plugin to invoke.
type PluginRef struct {
	ID     string
	Name   string
	Script string
}

// OverrideConfig wires the override service's collaborators.
type OverrideConfig struct {
	Session *dispatch.Session
	Oracle  Oracle
	Guard   *sqlguard.Guard
	DB      Querier
	Warn    WarningSink

	// Timeout replaces DefaultOverrideTimeout when positive.
	Timeout time.Duration

	// Logf receives diagnostic output; nil discards it.
	Logf func(format string, args ...any)
}

// Override lets a scheduler plugin adjust the next-review state computed by
// the trusted oracle. The oracle result is always computed first and is the
// answer of last resort: a failing plugin can delay a schedule tweak but never
// block the review itself.
type Override struct {
	session *dispatch.Session
	oracle  Oracle
	guard   *sqlguard.Guard
	db      Querier
	warn    WarningSink
	timeout time.Duration
	logf    func(format string, args ...any)
}

// NewOverride creates the override service. Session and Oracle are required.
func NewOverride(cfg OverrideConfig) *Override {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOverrideTimeout
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	guard := cfg.Guard
	if guard == nil {
		guard = sqlguard.Default()
	}
	return &Override{
		session: cfg.Session,
		oracle:  cfg.Oracle,
		guard:   guard,
		db:      cfg.DB,
		warn:    cfg.Warn,
		timeout: timeout,
		logf:    logf,
	}
}

// Next computes the next-review state for one graded item. prior is nil for an
// item that has never been reviewed. preferences and options are passed to the
// plugin verbatim.
//
// The plugin sees {input, prior, preferences, options, fallback} and may
// return a full snapshot, a partial one (unset fields keep the fallback
// value), or fail; failure of any kind keeps the fallback and records a
// warning.
func (o *Override) Next(ctx context.Context, plugin PluginRef, input ReviewInput, prior *Snapshot, preferences, options map[string]any) (Snapshot, error) {
	fallback, method, err := o.fallback(input, prior)
	if err != nil {
		return Snapshot{}, err
	}

	if plugin.Script == "" {
		return fallback, nil
	}

	payload := map[string]any{
		"input":       InputToMap(input),
		"preferences": preferences,
		"options":     options,
		"fallback":    fallback.ToMap(),
	}
	if prior != nil {
		payload["prior"] = prior.ToMap()
	} else {
		payload["prior"] = nil
	}

	label := plugin.Name
	if label == "" {
		label = plugin.ID
	}

	result, err := o.session.RunPlugin(ctx, dispatch.Request{
		Entry:   sandbox.EntrySchedulerFactory,
		Method:  method,
		Script:  plugin.Script,
		Payload: payload,
		Timeout: o.timeout,
		Bridge:  o.Bridge(),
		Label:   label,
	})
	if err != nil {
		o.recordWarning(ctx, plugin, err)
		return fallback, nil
	}

	return Normalize(result, fallback), nil
}

// fallback computes the trusted answer and picks the matching plugin method.
// An oracle failure is a host bug and is returned, not swallowed.
func (o *Override) fallback(input ReviewInput, prior *Snapshot) (Snapshot, sandbox.SchedulerMethod, error) {
	if prior == nil {
		snap, err := o.oracle.ProcessFirstReview(input)
		return snap, sandbox.SchedulerFirstReview, err
	}
	snap, err := o.oracle.ProcessReview(input, *prior)
	return snap, sandbox.SchedulerReview, err
}

// Bridge builds the per-invocation capability set: gatekept SQL plus
// delegation to the trusted oracle. Exposed so ad-hoc invocations (the CLI's
// run command) get the same capabilities as a scheduled override.
func (o *Override) Bridge() *dispatch.Bridge {
	return &dispatch.Bridge{
		QueryDB:            o.serveQuery,
		ProcessFirstReview: o.serveFirstReview,
		ProcessReview:      o.serveReview,
	}
}

func (o *Override) serveQuery(ctx context.Context, sql string) (any, error) {
	if o.db == nil {
		return nil, tlerr.New(tlerr.ErrBridgeUnavailable, "no database is attached to this session")
	}
	safe, err := o.guard.Validate(sql)
	if err != nil {
		return nil, err
	}
	rows, err := o.db.Execute(ctx, safe)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

// serveFirstReview answers scheduler.processFirstReview(input).
func (o *Override) serveFirstReview(ctx context.Context, payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, tlerr.New(tlerr.ErrScript, "scheduler.processFirstReview expects a review input object")
	}
	input, err := inputFromMap(m)
	if err != nil {
		return nil, err
	}
	snap, err := o.oracle.ProcessFirstReview(input)
	if err != nil {
		return nil, err
	}
	return snap.ToMap(), nil
}

// serveReview answers scheduler.processReview({input, prior}).
func (o *Override) serveReview(ctx context.Context, payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, tlerr.New(tlerr.ErrScript, "scheduler.processReview expects an {input, prior} object")
	}
	im, ok := m["input"].(map[string]any)
	if !ok {
		return nil, tlerr.New(tlerr.ErrScript, "scheduler.processReview is missing its input")
	}
	input, err := inputFromMap(im)
	if err != nil {
		return nil, err
	}
	pm, ok := m["prior"].(map[string]any)
	if !ok {
		return nil, tlerr.New(tlerr.ErrScript, "scheduler.processReview is missing its prior snapshot")
	}
	snap, err := o.oracle.ProcessReview(input, Normalize(pm, Snapshot{}))
	if err != nil {
		return nil, err
	}
	return snap.ToMap(), nil
}

// recordWarning persists a fallback-kept warning. The sink failing must not
// turn a recovered schedule into an error, so sink failures only get logged.
func (o *Override) recordWarning(ctx context.Context, plugin PluginRef, cause error) {
	o.logf("scheduler plugin %q failed, keeping built-in schedule: %v", plugin.Name, cause)
	if o.warn == nil {
		return
	}
	if err := o.warn.RecordWarning(ctx, plugin.ID, plugin.Name, cause.Error()); err != nil {
		o.logf("failed to record plugin warning: %v", err)
	}
}

// inputFromMap parses the wire shape of a review input.
func inputFromMap(m map[string]any) (ReviewInput, error) {
	input := ReviewInput{}
	if id, ok := m["tune_id"].(string); ok {
		input.TuneID = id
	}
	rating, ok := intValue(m["rating"])
	if !ok {
		return ReviewInput{}, tlerr.New(tlerr.ErrScript, "review input is missing a rating")
	}
	input.Rating = Rating(rating)

	at, ok := m["reviewed_at"].(string)
	if !ok {
		return ReviewInput{}, tlerr.New(tlerr.ErrScript, "review input is missing reviewed_at")
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return ReviewInput{}, tlerr.Wrap(tlerr.ErrScript, err, "reviewed_at is not an RFC 3339 timestamp")
	}
	input.ReviewedAt = t
	return input, nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
