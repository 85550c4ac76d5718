package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tunelab/tunelab/internal/sandbox"
	"github.com/tunelab/tunelab/internal/tlerr"
)

func newTestSession() *Session {
	return NewSession(Options{})
}

func TestRunPlugin(t *testing.T) {
	t.Run("resolves with the script's return value", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		payload := map[string]any{
			"title": "The Butterfly",
			"tags":  []any{"slip jig", "session"},
			"n":     int64(3),
		}
		result, err := s.RunPlugin(context.Background(), Request{
			Entry:   sandbox.EntryImportParser,
			Script:  `function parseImport(payload, meta) { return payload; }`,
			Payload: payload,
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		if !reflect.DeepEqual(result, payload) {
			t.Errorf("result = %#v, want deep-equal payload", result)
		}
	})

	t.Run("meta is passed as second argument", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		result, err := s.RunPlugin(context.Background(), Request{
			Entry:   sandbox.EntryImportParser,
			Script:  `function parseImport(payload, meta) { return meta.source; }`,
			Payload: nil,
			Meta:    map[string]any{"source": "abc-notation"},
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		if result != "abc-notation" {
			t.Errorf("result = %v, want %q", result, "abc-notation")
		}
	})

	t.Run("thrown error rejects with matching message", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		_, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { throw new Error("bad catalog row"); }`,
		})
		if !tlerr.Is(err, tlerr.ErrScript) {
			t.Fatalf("error = %v, want script error", err)
		}
		if !strings.Contains(err.Error(), "bad catalog row") {
			t.Errorf("error = %q, want thrown message preserved", err.Error())
		}
	})

	t.Run("missing entry point", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		_, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `var unrelated = 1;`,
		})
		if !tlerr.Is(err, tlerr.ErrEntryMissing) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrEntryMissing)
		}
	})

	t.Run("factory entry point with method", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		script := `
			function createScheduler() {
				var calls = 0;
				return {
					processReview: function(payload) {
						calls++;
						return {interval: payload.base * calls};
					}
				};
			}
		`
		result, err := s.RunPlugin(context.Background(), Request{
			Entry:   sandbox.EntrySchedulerFactory,
			Method:  sandbox.SchedulerReview,
			Script:  script,
			Payload: map[string]any{"base": int64(5)},
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		m, ok := result.(map[string]any)
		if !ok || m["interval"] != int64(5) {
			t.Errorf("result = %#v, want {interval: 5}", result)
		}
	})

	t.Run("settled promise result is unwrapped", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		result, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return Promise.resolve(42); }`,
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		if result != int64(42) {
			t.Errorf("result = %v, want 42", result)
		}
	})

	t.Run("session closed", func(t *testing.T) {
		s := newTestSession()
		s.Close()
		_, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return 1; }`,
		})
		if !tlerr.Is(err, tlerr.ErrSessionClosed) {
			t.Errorf("error = %v, want %v", err, tlerr.ErrSessionClosed)
		}
	})
}

func TestBridgeRouting(t *testing.T) {
	t.Run("queryDb routed to the invocation's own bridge", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		results := make([]any, n)

		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				marker := fmt.Sprintf("bridge-%d", i)
				bridge := &Bridge{
					QueryDB: func(ctx context.Context, sql string) (any, error) {
						// Stagger replies so invocations overlap in the worker
						time.Sleep(10 * time.Millisecond)
						return []any{map[string]any{"sql": sql, "marker": marker}}, nil
					},
				}
				results[i], errs[i] = s.RunPlugin(context.Background(), Request{
					Entry:   sandbox.EntryImportParser,
					Script:  `function parseImport(payload) { return queryDb("SELECT " + payload.q)[0].marker; }`,
					Payload: map[string]any{"q": int64(i)},
					Bridge:  bridge,
				})
			}()
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("invocation %d error = %v", i, errs[i])
			}
			want := fmt.Sprintf("bridge-%d", i)
			if results[i] != want {
				t.Errorf("invocation %d saw %v, want its own bridge %q", i, results[i], want)
			}
		}
	})

	t.Run("oracle callback routed by method", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		bridge := &Bridge{
			ProcessFirstReview: func(ctx context.Context, payload any) (any, error) {
				return map[string]any{"interval": int64(1)}, nil
			},
			ProcessReview: func(ctx context.Context, payload any) (any, error) {
				m, _ := payload.(map[string]any)
				return map[string]any{"interval": m["interval"]}, nil
			},
		}
		script := `
			function createScheduler() {
				return {
					processReview: function(payload) {
						var oracle = scheduler.processReview({interval: 9});
						return {interval: oracle.interval + 1};
					}
				};
			}
		`
		result, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntrySchedulerFactory,
			Method: sandbox.SchedulerReview,
			Script: script,
			Bridge: bridge,
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		m, _ := result.(map[string]any)
		if m["interval"] != int64(10) {
			t.Errorf("result = %#v, want {interval: 10}", result)
		}
	})

	t.Run("capability without bridge is rejected", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		_, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return queryDb("SELECT * FROM tune"); }`,
		})
		if err == nil {
			t.Fatal("expected rejection when no bridge is supplied")
		}
		if !strings.Contains(err.Error(), string(tlerr.ErrBridgeUnavailable)) {
			t.Errorf("error = %q, want bridge-unavailable code in message", err.Error())
		}
	})

	t.Run("bridge error propagates to the script", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		bridge := &Bridge{
			QueryDB: func(ctx context.Context, sql string) (any, error) {
				return nil, tlerr.New(tlerr.ErrQueryRejected, "only SELECT statements are allowed")
			},
		}
		result, err := s.RunPlugin(context.Background(), Request{
			Entry: sandbox.EntryImportParser,
			Script: `
				function parseImport() {
					try {
						queryDb("DELETE FROM tune");
						return "no error";
					} catch (e) {
						return "caught: " + e.message;
					}
				}
			`,
			Bridge: bridge,
		})
		if err != nil {
			t.Fatalf("RunPlugin() error = %v", err)
		}
		str, _ := result.(string)
		if !strings.Contains(str, "only SELECT statements") {
			t.Errorf("result = %q, want catchable rejection message", str)
		}
	})
}

func TestConcurrentInvocations(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]any, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.RunPlugin(context.Background(), Request{
				Entry:   sandbox.EntryImportParser,
				Script:  `function parseImport(payload) { return payload.n * 2; }`,
				Payload: map[string]any{"n": int64(i)},
			})
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("invocation %d error = %v", i, errs[i])
		}
		got, ok := results[i].(int64)
		if !ok || got != int64(i*2) {
			t.Errorf("invocation %d = %v, want %d", i, results[i], i*2)
		}
		if seen[got] {
			t.Errorf("result %d observed twice; id->result must be a bijection", got)
		}
		seen[got] = true
	}
}

func TestTimeoutReset(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	release := make(chan struct{})
	defer close(release)

	// A well-behaved invocation suspended on a capability call that will not
	// resolve before the runaway one times out.
	var wg sync.WaitGroup
	var bystanderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, bystanderErr = s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return queryDb("SELECT 1"); }`,
			Bridge: &Bridge{
				QueryDB: func(ctx context.Context, sql string) (any, error) {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return []any{}, nil
				},
			},
			Timeout: 30 * time.Second,
			Label:   "bystander",
		})
	}()

	// Give the bystander time to reach its capability round-trip
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, err := s.RunPlugin(context.Background(), Request{
		Entry:   sandbox.EntryImportParser,
		Script:  `function parseImport() { while (true) {} }`,
		Timeout: 200 * time.Millisecond,
		Label:   "runaway",
	})
	elapsed := time.Since(start)

	if !tlerr.Is(err, tlerr.ErrScriptTimeout) {
		t.Fatalf("runaway error = %v, want %v", err, tlerr.ErrScriptTimeout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("runaway rejected after %v, want rejection near its 200ms budget", elapsed)
	}

	wg.Wait()
	if !tlerr.Is(bystanderErr, tlerr.ErrWorkerReset) {
		t.Errorf("bystander error = %v, want %v (full reset rejects all pending)", bystanderErr, tlerr.ErrWorkerReset)
	}

	t.Run("session recovers after reset", func(t *testing.T) {
		result, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return "alive"; }`,
		})
		if err != nil {
			t.Fatalf("RunPlugin() after reset error = %v", err)
		}
		if result != "alive" {
			t.Errorf("result = %v, want %q", result, "alive")
		}
	})
}

func TestContextCancellation(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := s.RunPlugin(ctx, Request{
		Entry:   sandbox.EntryImportParser,
		Script:  `function parseImport() { while (true) {} }`,
		Timeout: 30 * time.Second,
	})
	if !tlerr.Is(err, tlerr.ErrWorkerReset) {
		t.Errorf("error = %v, want %v", err, tlerr.ErrWorkerReset)
	}
}

func TestIsolation(t *testing.T) {
	t.Run("globals do not leak across invocations", func(t *testing.T) {
		s := newTestSession()
		defer s.Close()

		_, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `var leaked = "secret"; function parseImport() { return 1; }`,
		})
		if err != nil {
			t.Fatalf("first invocation error = %v", err)
		}

		result, err := s.RunPlugin(context.Background(), Request{
			Entry:  sandbox.EntryImportParser,
			Script: `function parseImport() { return typeof leaked; }`,
		})
		if err != nil {
			t.Fatalf("second invocation error = %v", err)
		}
		if result != "undefined" {
			t.Errorf("second invocation saw leaked global: %v", result)
		}
	})
}
