// Package schedule defines the canonical next-review state exchanged between
// host, scheduling oracle, and plugins, and the override service that lets a
// plugin adjust a schedule without ever being trusted completely.
package schedule

import (
	"time"
)

// State is the algorithm state code of an item.
type State int

const (
	StateNew State = iota
	StateLearning
	StateReview
	StateRelearning
)

// Rating is the practice grade supplied by the user.
type Rating int

const (
	RatingAgain Rating = 1
	RatingHard  Rating = 2
	RatingGood  Rating = 3
	RatingEasy  Rating = 4
)

// Snapshot is the canonical serialized next-review state. It is the wire shape
// crossing the sandbox boundary, so every field must survive a trip through
// the marshaller (dates travel as RFC 3339 strings).
type Snapshot struct {
	Due           time.Time
	LastReview    time.Time
	State         State
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	Interval      int
}

// ReviewInput describes one practiced item at grading time.
type ReviewInput struct {
	TuneID     string
	Rating     Rating
	ReviewedAt time.Time
}

// Oracle is the trusted scheduling algorithm, used both as ground truth for
// the plugin's scheduler.* capability and as the fallback when a plugin fails.
type Oracle interface {
	ProcessFirstReview(input ReviewInput) (Snapshot, error)
	ProcessReview(input ReviewInput, prior Snapshot) (Snapshot, error)
}

// ToMap converts a snapshot to its wire shape.
func (s Snapshot) ToMap() map[string]any {
	return map[string]any{
		"due":            s.Due.UTC().Format(time.RFC3339),
		"last_review":    s.LastReview.UTC().Format(time.RFC3339),
		"state":          int64(s.State),
		"stability":      s.Stability,
		"difficulty":     s.Difficulty,
		"elapsed_days":   int64(s.ElapsedDays),
		"scheduled_days": int64(s.ScheduledDays),
		"reps":           int64(s.Reps),
		"lapses":         int64(s.Lapses),
		"interval":       int64(s.Interval),
	}
}

// InputToMap converts a review input to its wire shape.
func InputToMap(in ReviewInput) map[string]any {
	return map[string]any{
		"tune_id":     in.TuneID,
		"rating":      int64(in.Rating),
		"reviewed_at": in.ReviewedAt.UTC().Format(time.RFC3339),
	}
}

// Normalize coerces a plugin-returned value into a Snapshot, field by field.
// Each field independently falls back to the corresponding field of fallback
// when missing or invalid, so a plugin may override a subset of fields without
// reconstructing the whole snapshot. A result that is not a keyed object
// yields the fallback unchanged.
func Normalize(result any, fallback Snapshot) Snapshot {
	m, ok := result.(map[string]any)
	if !ok {
		return fallback
	}

	out := fallback

	if due, ok := timeField(m, "due"); ok {
		out.Due = due
	}
	if last, ok := timeField(m, "last_review"); ok {
		out.LastReview = last
	}
	if st, ok := intField(m, "state"); ok && st >= int(StateNew) && st <= int(StateRelearning) {
		out.State = State(st)
	}
	if f, ok := floatField(m, "stability"); ok && f >= 0 {
		out.Stability = f
	}
	if f, ok := floatField(m, "difficulty"); ok && f >= 1 && f <= 10 {
		out.Difficulty = f
	}
	if n, ok := intField(m, "elapsed_days"); ok && n >= 0 {
		out.ElapsedDays = n
	}
	if n, ok := intField(m, "scheduled_days"); ok && n >= 0 {
		out.ScheduledDays = n
	}
	if n, ok := intField(m, "reps"); ok && n >= 0 {
		out.Reps = n
	}
	if n, ok := intField(m, "lapses"); ok && n >= 0 {
		out.Lapses = n
	}
	if n, ok := intField(m, "interval"); ok && n >= 1 {
		out.Interval = n
	}

	return out
}

func timeField(m map[string]any, key string) (time.Time, bool) {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func intField(m map[string]any, key string) (int, bool) {
	switch n := m[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
