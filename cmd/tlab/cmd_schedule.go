package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunelab/tunelab/internal/schedule"
	"github.com/tunelab/tunelab/internal/store"
	"github.com/tunelab/tunelab/internal/ui"
)

// scheduleCmd computes the next review for a tune through the override
// service: oracle first, optional plugin adjustment, fallback on any failure.
func scheduleCmd() *cobra.Command {
	var (
		tuneID     string
		rating     int
		at         string
		pluginName string
		save       bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Compute the next review through the override service",
		Example: `  # Grade a tune "good" with the built-in scheduler
  tlab schedule --tune t1 --rating 3

  # Let an installed scheduler plugin adjust the result, and persist it
  tlab schedule --tune t1 --rating 3 --plugin gentle-pace --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tuneID == "" {
				return fmt.Errorf("--tune is required")
			}

			reviewedAt := time.Now().UTC()
			if at != "" {
				reviewedAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			input := schedule.ReviewInput{
				TuneID:     tuneID,
				Rating:     schedule.Rating(rating),
				ReviewedAt: reviewedAt,
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var prior *schedule.Snapshot
			last, err := st.LatestPractice(cmd.Context(), tuneID)
			if err != nil {
				return err
			}
			if last != nil {
				prior = &schedule.Snapshot{
					Due:           last.Due,
					LastReview:    last.LastReview,
					State:         schedule.State(last.State),
					Stability:     last.Stability,
					Difficulty:    last.Difficulty,
					ElapsedDays:   last.ElapsedDays,
					ScheduledDays: last.ScheduledDays,
					Reps:          last.Reps,
					Lapses:        last.Lapses,
					Interval:      last.Interval,
				}
			}

			var ref schedule.PluginRef
			if pluginName != "" {
				p, err := st.GetPluginByName(cmd.Context(), pluginName)
				if err != nil {
					return err
				}
				if p.Kind != store.KindScheduler {
					return fmt.Errorf("plugin %q is a %s, not a scheduler", pluginName, p.Kind)
				}
				if !p.Enabled {
					return fmt.Errorf("plugin %q is disabled", pluginName)
				}
				ref = schedule.PluginRef{ID: p.ID, Name: p.Name, Script: p.Script}
			}

			session := newSession(cfg, false)
			defer session.Close()
			ov := newOverride(cfg, session, st)

			snap, err := ov.Next(cmd.Context(), ref, input, prior, nil, nil)
			if err != nil {
				return err
			}

			printSnapshot(tuneID, snap)

			if save {
				rec := &store.Practice{
					TuneID:        tuneID,
					Rating:        rating,
					ReviewedAt:    reviewedAt,
					Due:           snap.Due,
					LastReview:    snap.LastReview,
					State:         int(snap.State),
					Stability:     snap.Stability,
					Difficulty:    snap.Difficulty,
					ElapsedDays:   snap.ElapsedDays,
					ScheduledDays: snap.ScheduledDays,
					Reps:          snap.Reps,
					Lapses:        snap.Lapses,
					Interval:      snap.Interval,
				}
				if err := st.SavePractice(cmd.Context(), rec); err != nil {
					return err
				}
				fmt.Println(ui.Success("practice record saved"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tuneID, "tune", "", "Tune id to schedule")
	cmd.Flags().IntVar(&rating, "rating", 3, "Practice grade: 1 again, 2 hard, 3 good, 4 easy")
	cmd.Flags().StringVar(&at, "at", "", "Review timestamp (RFC 3339, default now)")
	cmd.Flags().StringVar(&pluginName, "plugin", "", "Scheduler plugin allowed to adjust the result")
	cmd.Flags().BoolVar(&save, "save", false, "Persist the resulting practice record")

	return cmd
}

var stateNames = map[schedule.State]string{
	schedule.StateNew:        "new",
	schedule.StateLearning:   "learning",
	schedule.StateReview:     "review",
	schedule.StateRelearning: "relearning",
}

func printSnapshot(tuneID string, snap schedule.Snapshot) {
	fmt.Println(ui.Header("Next review for " + tuneID))
	fmt.Printf("  %s %s\n", ui.Dim("due:"), snap.Due.Format(time.RFC3339))
	fmt.Printf("  %s %d day(s)\n", ui.Dim("interval:"), snap.Interval)
	fmt.Printf("  %s %s\n", ui.Dim("state:"), stateNames[snap.State])
	fmt.Printf("  %s %.2f  %s %.2f\n", ui.Dim("stability:"), snap.Stability, ui.Dim("difficulty:"), snap.Difficulty)
	fmt.Printf("  %s %d  %s %d\n", ui.Dim("reps:"), snap.Reps, ui.Dim("lapses:"), snap.Lapses)
}
