package tlerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("basic error", func(t *testing.T) {
		err := New(ErrQueryRejected, "only SELECT statements are allowed")
		if err.GetCode() != ErrQueryRejected {
			t.Errorf("GetCode() = %v, want %v", err.GetCode(), ErrQueryRejected)
		}
		if !strings.Contains(err.Error(), "[E4001]") {
			t.Errorf("Error() should contain code, got %q", err.Error())
		}
	})

	t.Run("formatted message", func(t *testing.T) {
		err := Newf(ErrScriptTimeout, "script exceeded %dms budget", 8000)
		if !strings.Contains(err.Error(), "8000ms") {
			t.Errorf("Error() = %q, want formatted message", err.Error())
		}
	})

	t.Run("stack captured", func(t *testing.T) {
		err := New(ErrInternal, "boom")
		if err.GetStack() == "" {
			t.Error("stack should be captured")
		}
	})
}

func TestWrap(t *testing.T) {
	t.Run("wraps cause", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		err := Wrap(ErrStoreOpen, cause, "failed to open store")
		if !errors.Is(err, cause) {
			t.Error("errors.Is should match wrapped cause")
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("Error() should include cause, got %q", err.Error())
		}
	})

	t.Run("nil cause behaves like New", func(t *testing.T) {
		err := Wrap(ErrStoreOpen, nil, "no cause")
		if err.GetCause() != nil {
			t.Error("cause should be nil")
		}
		if err.GetCode() != ErrStoreOpen {
			t.Errorf("GetCode() = %v, want %v", err.GetCode(), ErrStoreOpen)
		}
	})
}

func TestContext(t *testing.T) {
	t.Run("sorted deterministic output", func(t *testing.T) {
		err := New(ErrQueryTable, "table not allowed").
			With("zeta", 1).
			With("alpha", 2)
		s := err.Error()
		if strings.Index(s, "alpha") > strings.Index(s, "zeta") {
			t.Errorf("context keys should be sorted, got %q", s)
		}
	})

	t.Run("plugin context", func(t *testing.T) {
		err := New(ErrScript, "plugin threw").WithPlugin("abc-123", "my scheduler")
		if err.GetContext()["plugin"] != "my scheduler" {
			t.Error("WithPlugin should set plugin name")
		}
		if err.GetContext()["plugin_id"] != "abc-123" {
			t.Error("WithPlugin should set plugin id")
		}
	})

	t.Run("sql context", func(t *testing.T) {
		err := New(ErrQueryRejected, "rejected").WithSQL("DELETE FROM tune")
		if !strings.Contains(err.Error(), "DELETE FROM tune") {
			t.Error("WithSQL should appear in output")
		}
	})

	t.Run("helps accumulate", func(t *testing.T) {
		err := New(ErrEntryMissing, "no entry point").
			WithHelp("define parseImport(payload, meta)").
			WithHelp("check the capability flags")
		if len(err.Helps()) != 2 {
			t.Errorf("Helps() = %d entries, want 2", len(err.Helps()))
		}
	})
}

func TestCodeMatching(t *testing.T) {
	t.Run("Is matches by code", func(t *testing.T) {
		err := New(ErrWorkerReset, "reset")
		if !Is(err, ErrWorkerReset) {
			t.Error("Is should match same code")
		}
		if Is(err, ErrWorkerFatal) {
			t.Error("Is should not match different code")
		}
	})

	t.Run("errors.Is across wrapping", func(t *testing.T) {
		inner := New(ErrBridgeUnavailable, "no bridge")
		outer := fmt.Errorf("dispatch: %w", inner)
		if GetErrorCode(outer) != ErrBridgeUnavailable {
			t.Errorf("GetErrorCode through chain = %v, want %v", GetErrorCode(outer), ErrBridgeUnavailable)
		}
		if !errors.Is(outer, New(ErrBridgeUnavailable, "other message")) {
			t.Error("errors.Is should match by code regardless of message")
		}
	})

	t.Run("plain error has no code", func(t *testing.T) {
		if HasCode(fmt.Errorf("plain")) {
			t.Error("plain error should have no code")
		}
		if GetErrorCode(nil) != "" {
			t.Error("nil error should have empty code")
		}
	})
}
