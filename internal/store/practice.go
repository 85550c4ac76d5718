package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tunelab/tunelab/internal/tlerr"
)

// Practice is one graded review with its resulting schedule.
type Practice struct {
	ID            string
	TuneID        string
	Rating        int
	ReviewedAt    time.Time
	Due           time.Time
	LastReview    time.Time
	State         int
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	Interval      int
}

// SavePractice inserts one practice record. A missing id gets a fresh uuid.
func (s *Store) SavePractice(ctx context.Context, p *Practice) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.Exec(ctx, `
		INSERT INTO practice_record
			(id, tune_id, rating, reviewed_at, due, last_review, state,
			 stability, difficulty, elapsed_days, scheduled_days, reps, lapses, item_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TuneID, p.Rating,
		p.ReviewedAt.UTC().Format(time.RFC3339),
		p.Due.UTC().Format(time.RFC3339),
		p.LastReview.UTC().Format(time.RFC3339),
		p.State, p.Stability, p.Difficulty,
		p.ElapsedDays, p.ScheduledDays, p.Reps, p.Lapses, p.Interval)
}

// LatestPractice returns the most recent record for a tune, or nil when the
// tune has never been reviewed.
func (s *Store) LatestPractice(ctx context.Context, tuneID string) (*Practice, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, tune_id, rating, reviewed_at, due, last_review, state,
		       stability, difficulty, elapsed_days, scheduled_days, reps, lapses, item_interval
		FROM practice_record
		WHERE tune_id = ?
		ORDER BY reviewed_at DESC
		LIMIT 1`), tuneID)

	var p Practice
	var reviewedAt, due, lastReview string
	err := row.Scan(&p.ID, &p.TuneID, &p.Rating, &reviewedAt, &due, &lastReview, &p.State,
		&p.Stability, &p.Difficulty, &p.ElapsedDays, &p.ScheduledDays, &p.Reps, &p.Lapses, &p.Interval)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to load practice record").
			With("tune_id", tuneID)
	}
	p.ReviewedAt, _ = time.Parse(time.RFC3339, reviewedAt)
	p.Due, _ = time.Parse(time.RFC3339, due)
	p.LastReview, _ = time.Parse(time.RFC3339, lastReview)
	return &p, nil
}
