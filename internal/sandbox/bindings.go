package sandbox

import (
	"encoding/csv"
	"encoding/json"
	"strings"

	"github.com/dop251/goja"

	"github.com/tunelab/tunelab/internal/jsval"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// installGlobals binds the fixed set of host capabilities into one
// invocation's context. queryDb and the scheduler methods suspend the
// invocation on an id-correlated round-trip to the host; everything else is
// served inside the worker.
func (w *Worker) installGlobals(rt *goja.Runtime, msg InvokeMessage) error {
	globals := map[string]any{
		"log":       w.logFunc(rt),
		"parseJson": w.parseJSONFunc(rt),
		"parseCsv":  w.parseCSVFunc(rt),
		"fetchUrl":  w.fetchFunc(rt),
		"queryDb":   w.queryFunc(rt, msg.ID),
	}
	for name, fn := range globals {
		if err := rt.Set(name, fn); err != nil {
			return tlerr.Wrapf(tlerr.ErrInternal, err, "failed to bind global %s", name)
		}
	}

	scheduler := rt.NewObject()
	if err := scheduler.Set("processFirstReview", w.oracleFunc(rt, msg.ID, SchedulerFirstReview)); err != nil {
		return tlerr.Wrap(tlerr.ErrInternal, err, "failed to bind scheduler.processFirstReview")
	}
	if err := scheduler.Set("processReview", w.oracleFunc(rt, msg.ID, SchedulerReview)); err != nil {
		return tlerr.Wrap(tlerr.ErrInternal, err, "failed to bind scheduler.processReview")
	}
	if err := rt.Set("scheduler", scheduler); err != nil {
		return tlerr.Wrap(tlerr.ErrInternal, err, "failed to bind scheduler")
	}
	return nil
}

// logFunc is the diagnostic passthrough: arguments are stringified and handed
// to the host logger.
func (w *Worker) logFunc(rt *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		w.logf("plugin: %s", strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (w *Worker) parseJSONFunc(rt *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		text := call.Argument(0).String()
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			panic(rt.NewGoError(tlerr.Wrap(tlerr.ErrScript, err, "parseJson: invalid JSON")))
		}
		return w.mustMarshal(rt, parsed)
	}
}

// parseCSVFunc parses delimited text into an array of string arrays. An
// optional second argument overrides the delimiter.
func (w *Worker) parseCSVFunc(rt *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		text := call.Argument(0).String()
		reader := csv.NewReader(strings.NewReader(text))
		reader.FieldsPerRecord = -1

		if delim := call.Argument(1); !goja.IsUndefined(delim) && !goja.IsNull(delim) {
			runes := []rune(delim.String())
			if len(runes) != 1 {
				panic(rt.NewGoError(tlerr.New(tlerr.ErrScript, "parseCsv: delimiter must be a single character")))
			}
			reader.Comma = runes[0]
		}

		records, err := reader.ReadAll()
		if err != nil {
			panic(rt.NewGoError(tlerr.Wrap(tlerr.ErrScript, err, "parseCsv: invalid delimited text")))
		}

		rows := make([]any, len(records))
		for i, record := range records {
			row := make([]any, len(record))
			for j, field := range record {
				row[j] = field
			}
			rows[i] = row
		}
		return w.mustMarshal(rt, rows)
	}
}

// fetchFunc proxies an HTTP GET through the host fetcher, which applies its
// own abort-on-timeout independent of the invocation budget.
func (w *Worker) fetchFunc(rt *goja.Runtime) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if w.fetcher == nil {
			panic(rt.NewGoError(tlerr.New(tlerr.ErrFetchBlocked, "fetchUrl is not available in this session")))
		}
		result, err := w.fetcher.Fetch(w.ctx, call.Argument(0).String())
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return w.mustMarshal(rt, result)
	}
}

// queryFunc suspends the invocation until the host's query round-trip
// completes. The host side decides whether the SQL is allowed at all.
func (w *Worker) queryFunc(rt *goja.Runtime, invokeID uint64) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		sql := call.Argument(0).String()
		result, err := w.roundTrip(func(capID uint64) Message {
			return QueryMessage{ID: capID, InvokeID: invokeID, SQL: sql}
		})
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return w.mustMarshal(rt, result)
	}
}

// oracleFunc suspends the invocation until the host's scheduling-oracle
// round-trip completes.
func (w *Worker) oracleFunc(rt *goja.Runtime, invokeID uint64, method SchedulerMethod) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		payload := jsval.FromValue(call.Argument(0))
		result, err := w.roundTrip(func(capID uint64) Message {
			return OracleMessage{ID: capID, InvokeID: invokeID, Method: method, Payload: payload}
		})
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return w.mustMarshal(rt, result)
	}
}

// mustMarshal converts a host value for the script, throwing into JS on
// marshalling failure.
func (w *Worker) mustMarshal(rt *goja.Runtime, v any) goja.Value {
	out, err := jsval.ToValue(rt, v)
	if err != nil {
		panic(rt.NewGoError(err))
	}
	return out
}
