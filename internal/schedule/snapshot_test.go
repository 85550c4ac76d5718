package schedule

import (
	"testing"
	"time"
)

func sampleFallback() Snapshot {
	at := time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)
	return Snapshot{
		Due:           at.Add(4 * 24 * time.Hour),
		LastReview:    at,
		State:         StateReview,
		Stability:     4.2,
		Difficulty:    5.5,
		ElapsedDays:   3,
		ScheduledDays: 4,
		Reps:          7,
		Lapses:        1,
		Interval:      4,
	}
}

func TestNormalize(t *testing.T) {
	fallback := sampleFallback()

	t.Run("non-object keeps fallback", func(t *testing.T) {
		for _, result := range []any{nil, "text", int64(3), []any{1, 2}} {
			if got := Normalize(result, fallback); got != fallback {
				t.Errorf("Normalize(%v) = %+v, want fallback", result, got)
			}
		}
	})

	t.Run("partial override keeps unset fields", func(t *testing.T) {
		got := Normalize(map[string]any{"interval": int64(9)}, fallback)
		if got.Interval != 9 {
			t.Errorf("interval = %d, want 9", got.Interval)
		}
		want := fallback
		want.Interval = 9
		if got != want {
			t.Errorf("other fields changed: %+v", got)
		}
	})

	t.Run("full round-trip through the wire shape", func(t *testing.T) {
		got := Normalize(fallback.ToMap(), Snapshot{Difficulty: 1, Interval: 1})
		if got != fallback {
			t.Errorf("round-trip = %+v, want %+v", got, fallback)
		}
	})

	t.Run("invalid fields fall back individually", func(t *testing.T) {
		got := Normalize(map[string]any{
			"due":        "not a date",
			"state":      int64(9),
			"stability":  -1.0,
			"difficulty": 0.5,
			"interval":   int64(0),
			"reps":       int64(-2),
			"lapses":     "many",
		}, fallback)
		if got != fallback {
			t.Errorf("invalid fields leaked through: %+v", got)
		}
	})

	t.Run("fractional day counts rejected", func(t *testing.T) {
		got := Normalize(map[string]any{"interval": 2.5, "elapsed_days": 1.5}, fallback)
		if got != fallback {
			t.Errorf("fractional counts accepted: %+v", got)
		}
	})

	t.Run("whole floats accepted", func(t *testing.T) {
		got := Normalize(map[string]any{"interval": 6.0}, fallback)
		if got.Interval != 6 {
			t.Errorf("interval = %d, want 6", got.Interval)
		}
	})
}

func TestWireShapes(t *testing.T) {
	t.Run("snapshot dates travel as RFC 3339", func(t *testing.T) {
		m := sampleFallback().ToMap()
		due, ok := m["due"].(string)
		if !ok {
			t.Fatalf("due = %#v, want string", m["due"])
		}
		if _, err := time.Parse(time.RFC3339, due); err != nil {
			t.Errorf("due %q is not RFC 3339: %v", due, err)
		}
		if _, ok := m["reps"].(int64); !ok {
			t.Errorf("reps = %#v, want int64", m["reps"])
		}
	})

	t.Run("review input", func(t *testing.T) {
		at := time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)
		m := InputToMap(ReviewInput{TuneID: "t-7", Rating: RatingHard, ReviewedAt: at})
		if m["tune_id"] != "t-7" || m["rating"] != int64(2) {
			t.Errorf("wire shape = %#v", m)
		}
		parsed, err := inputFromMap(m)
		if err != nil {
			t.Fatal(err)
		}
		if parsed.TuneID != "t-7" || parsed.Rating != RatingHard || !parsed.ReviewedAt.Equal(at) {
			t.Errorf("parsed = %+v", parsed)
		}
	})

	t.Run("input parse failures", func(t *testing.T) {
		if _, err := inputFromMap(map[string]any{"reviewed_at": "2025-03-10T19:30:00Z"}); err == nil {
			t.Error("missing rating should fail")
		}
		if _, err := inputFromMap(map[string]any{"rating": int64(3)}); err == nil {
			t.Error("missing reviewed_at should fail")
		}
		if _, err := inputFromMap(map[string]any{"rating": int64(3), "reviewed_at": "yesterday"}); err == nil {
			t.Error("malformed reviewed_at should fail")
		}
	})
}
