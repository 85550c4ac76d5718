package schedule

import (
	"math"
	"time"

	"github.com/tunelab/tunelab/internal/tlerr"
)

// BuiltinOracle is the deterministic built-in scheduler. It implements a
// compact stability/difficulty model in the FSRS family: good enough as the
// trusted fallback, small enough to keep the parameter surface reviewable.
// The full research-grade algorithm is an external collaborator.
type BuiltinOracle struct {
	// MaxInterval caps the scheduled interval in days.
	MaxInterval int
}

// NewOracle returns the built-in oracle with default settings.
func NewOracle() *BuiltinOracle {
	return &BuiltinOracle{MaxInterval: 365}
}

// Initial stability per first rating (again, hard, good, easy).
var initialStability = [5]float64{0, 0.4, 1.2, 3.1, 15.7}

const (
	initialDifficulty  = 5.8
	difficultyStep     = 0.8
	lapseStabilityCut  = 0.45
	stabilityGrowthCap = 3.5
	decayFactor        = 9.0
)

// ProcessFirstReview schedules an item that has never been reviewed.
func (o *BuiltinOracle) ProcessFirstReview(input ReviewInput) (Snapshot, error) {
	if err := validateInput(input); err != nil {
		return Snapshot{}, err
	}

	stability := initialStability[input.Rating]
	difficulty := clampDifficulty(initialDifficulty - float64(input.Rating-RatingGood)*difficultyStep)

	state := StateReview
	if input.Rating == RatingAgain {
		state = StateLearning
	}

	interval := o.intervalFromStability(stability)
	return Snapshot{
		Due:           input.ReviewedAt.Add(time.Duration(interval) * 24 * time.Hour),
		LastReview:    input.ReviewedAt,
		State:         state,
		Stability:     stability,
		Difficulty:    difficulty,
		ElapsedDays:   0,
		ScheduledDays: interval,
		Reps:          1,
		Lapses:        0,
		Interval:      interval,
	}, nil
}

// ProcessReview schedules an item with a prior review record.
func (o *BuiltinOracle) ProcessReview(input ReviewInput, prior Snapshot) (Snapshot, error) {
	if err := validateInput(input); err != nil {
		return Snapshot{}, err
	}

	elapsed := int(input.ReviewedAt.Sub(prior.LastReview).Hours() / 24)
	if elapsed < 0 {
		elapsed = 0
	}

	stability := prior.Stability
	if stability <= 0 {
		stability = initialStability[input.Rating]
	}

	// Retrievability under exponential-ish forgetting
	retr := math.Pow(1+float64(elapsed)/(decayFactor*stability), -1)

	difficulty := clampDifficulty(prior.Difficulty - float64(input.Rating-RatingGood)*difficultyStep)

	next := prior
	next.LastReview = input.ReviewedAt
	next.ElapsedDays = elapsed
	next.Reps = prior.Reps + 1
	next.Difficulty = difficulty

	if input.Rating == RatingAgain {
		next.Lapses = prior.Lapses + 1
		next.State = StateRelearning
		next.Stability = math.Max(initialStability[RatingAgain], stability*lapseStabilityCut)
	} else {
		next.State = StateReview
		// Growth shrinks as difficulty rises and as recall was easy (high retrievability)
		growth := 1 + (stabilityGrowthCap-1)*
			(float64(input.Rating-RatingHard)/2)*
			((11-difficulty)/10)*
			(1-retr+0.1)
		if growth < 1 {
			growth = 1
		}
		next.Stability = stability * growth
	}

	interval := o.intervalFromStability(next.Stability)
	next.Interval = interval
	next.ScheduledDays = interval
	next.Due = input.ReviewedAt.Add(time.Duration(interval) * 24 * time.Hour)

	return next, nil
}

func (o *BuiltinOracle) intervalFromStability(stability float64) int {
	interval := int(math.Round(stability))
	if interval < 1 {
		interval = 1
	}
	max := o.MaxInterval
	if max <= 0 {
		max = 365
	}
	if interval > max {
		interval = max
	}
	return interval
}

func validateInput(input ReviewInput) error {
	if input.Rating < RatingAgain || input.Rating > RatingEasy {
		return tlerr.Newf(tlerr.ErrInternal, "rating %d is out of range", input.Rating)
	}
	if input.ReviewedAt.IsZero() {
		return tlerr.New(tlerr.ErrInternal, "review input is missing a timestamp")
	}
	return nil
}

func clampDifficulty(d float64) float64 {
	if d < 1 {
		return 1
	}
	if d > 10 {
		return 10
	}
	return d
}
