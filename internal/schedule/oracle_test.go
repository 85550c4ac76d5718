package schedule

import (
	"testing"
	"time"
)

var reviewedAt = time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)

func TestProcessFirstReview(t *testing.T) {
	oracle := NewOracle()

	t.Run("good rating", func(t *testing.T) {
		snap, err := oracle.ProcessFirstReview(ReviewInput{TuneID: "t1", Rating: RatingGood, ReviewedAt: reviewedAt})
		if err != nil {
			t.Fatal(err)
		}
		if snap.State != StateReview {
			t.Errorf("state = %v, want review", snap.State)
		}
		if snap.Reps != 1 || snap.Lapses != 0 {
			t.Errorf("reps/lapses = %d/%d", snap.Reps, snap.Lapses)
		}
		if snap.Interval < 1 {
			t.Errorf("interval = %d, want >= 1", snap.Interval)
		}
		if !snap.LastReview.Equal(reviewedAt) {
			t.Errorf("last review = %v", snap.LastReview)
		}
		wantDue := reviewedAt.Add(time.Duration(snap.Interval) * 24 * time.Hour)
		if !snap.Due.Equal(wantDue) {
			t.Errorf("due = %v, want %v", snap.Due, wantDue)
		}
	})

	t.Run("again starts learning", func(t *testing.T) {
		snap, err := oracle.ProcessFirstReview(ReviewInput{Rating: RatingAgain, ReviewedAt: reviewedAt})
		if err != nil {
			t.Fatal(err)
		}
		if snap.State != StateLearning {
			t.Errorf("state = %v, want learning", snap.State)
		}
		if snap.Interval != 1 {
			t.Errorf("interval = %d, want 1", snap.Interval)
		}
	})

	t.Run("easy schedules further out than good", func(t *testing.T) {
		good, _ := oracle.ProcessFirstReview(ReviewInput{Rating: RatingGood, ReviewedAt: reviewedAt})
		easy, _ := oracle.ProcessFirstReview(ReviewInput{Rating: RatingEasy, ReviewedAt: reviewedAt})
		if easy.Interval <= good.Interval {
			t.Errorf("easy interval %d should exceed good interval %d", easy.Interval, good.Interval)
		}
		if easy.Difficulty >= good.Difficulty {
			t.Errorf("easy difficulty %v should be below good difficulty %v", easy.Difficulty, good.Difficulty)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		in := ReviewInput{TuneID: "t1", Rating: RatingHard, ReviewedAt: reviewedAt}
		a, _ := oracle.ProcessFirstReview(in)
		b, _ := oracle.ProcessFirstReview(in)
		if a != b {
			t.Errorf("same input produced different snapshots:\n%+v\n%+v", a, b)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := oracle.ProcessFirstReview(ReviewInput{Rating: Rating(0), ReviewedAt: reviewedAt}); err == nil {
			t.Error("rating 0 should be rejected")
		}
		if _, err := oracle.ProcessFirstReview(ReviewInput{Rating: RatingGood}); err == nil {
			t.Error("zero timestamp should be rejected")
		}
	})
}

func TestProcessReview(t *testing.T) {
	oracle := NewOracle()

	prior := Snapshot{
		Due:        reviewedAt,
		LastReview: reviewedAt.Add(-5 * 24 * time.Hour),
		State:      StateReview,
		Stability:  5,
		Difficulty: 5,
		Reps:       3,
		Interval:   5,
	}

	t.Run("good grows stability", func(t *testing.T) {
		next, err := oracle.ProcessReview(ReviewInput{Rating: RatingGood, ReviewedAt: reviewedAt}, prior)
		if err != nil {
			t.Fatal(err)
		}
		if next.Stability < prior.Stability {
			t.Errorf("stability shrank: %v -> %v", prior.Stability, next.Stability)
		}
		if next.Reps != prior.Reps+1 {
			t.Errorf("reps = %d, want %d", next.Reps, prior.Reps+1)
		}
		if next.ElapsedDays != 5 {
			t.Errorf("elapsed = %d, want 5", next.ElapsedDays)
		}
		if next.State != StateReview {
			t.Errorf("state = %v", next.State)
		}
	})

	t.Run("again is a lapse", func(t *testing.T) {
		next, err := oracle.ProcessReview(ReviewInput{Rating: RatingAgain, ReviewedAt: reviewedAt}, prior)
		if err != nil {
			t.Fatal(err)
		}
		if next.State != StateRelearning {
			t.Errorf("state = %v, want relearning", next.State)
		}
		if next.Lapses != prior.Lapses+1 {
			t.Errorf("lapses = %d, want %d", next.Lapses, prior.Lapses+1)
		}
		if next.Stability >= prior.Stability {
			t.Errorf("lapse should cut stability: %v -> %v", prior.Stability, next.Stability)
		}
	})

	t.Run("easy outpaces good", func(t *testing.T) {
		good, _ := oracle.ProcessReview(ReviewInput{Rating: RatingGood, ReviewedAt: reviewedAt}, prior)
		easy, _ := oracle.ProcessReview(ReviewInput{Rating: RatingEasy, ReviewedAt: reviewedAt}, prior)
		if easy.Stability < good.Stability {
			t.Errorf("easy stability %v below good %v", easy.Stability, good.Stability)
		}
	})

	t.Run("review before due clamps elapsed to zero", func(t *testing.T) {
		early := prior
		early.LastReview = reviewedAt.Add(24 * time.Hour)
		next, err := oracle.ProcessReview(ReviewInput{Rating: RatingGood, ReviewedAt: reviewedAt}, early)
		if err != nil {
			t.Fatal(err)
		}
		if next.ElapsedDays != 0 {
			t.Errorf("elapsed = %d, want 0", next.ElapsedDays)
		}
	})

	t.Run("interval capped", func(t *testing.T) {
		capped := &BuiltinOracle{MaxInterval: 30}
		big := prior
		big.Stability = 500
		next, err := capped.ProcessReview(ReviewInput{Rating: RatingEasy, ReviewedAt: reviewedAt}, big)
		if err != nil {
			t.Fatal(err)
		}
		if next.Interval != 30 {
			t.Errorf("interval = %d, want cap of 30", next.Interval)
		}
	})

	t.Run("zero prior stability recovers", func(t *testing.T) {
		blank := Snapshot{LastReview: reviewedAt.Add(-24 * time.Hour)}
		next, err := oracle.ProcessReview(ReviewInput{Rating: RatingGood, ReviewedAt: reviewedAt}, blank)
		if err != nil {
			t.Fatal(err)
		}
		if next.Stability <= 0 {
			t.Errorf("stability = %v, want positive", next.Stability)
		}
	})
}
