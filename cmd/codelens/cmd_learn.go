package main

import (
	"context"

	"github.com/spf13/cobra"

	"codelens/internal/learning"
)

var (
	flagFeedbackType string
	flagSuggestionID string
	flagPatternID    string
	flagOriginal     string
	flagFinal        string
	flagConfidence   float64
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record feedback on a suggestion",
	Long: `Records an accept/reject/modify/ignore reaction. Feedback adjusts the
confidence of the pattern that produced the suggestion; a modify with an
original and final text can also seed a correction pattern.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.dispose()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		stored, err := st.loop.Record(ctx, learning.Feedback{
			Type:         learning.FeedbackType(flagFeedbackType),
			SuggestionID: flagSuggestionID,
			PatternID:    flagPatternID,
			Original:     flagOriginal,
			Final:        flagFinal,
			Confidence:   flagConfidence,
			Source:       "cli",
		})
		if err != nil {
			return err
		}
		if flagFeedbackType == string(learning.FeedbackModify) && flagOriginal != "" && flagFinal != "" {
			if _, err := st.loop.LearnFromCorrection(ctx, stored.ID, flagOriginal, flagFinal); err != nil {
				return err
			}
		}
		return printJSON(stored)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print service, cache, feedback and learning statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.dispose()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		out := map[string]interface{}{
			"monitoring": st.shared.Monitor.Stats(),
			"cache":      st.shared.Cache.Stats(),
			"learning":   st.orch.HealthReport(),
		}
		if dbStats, err := st.shared.DB.Stats(ctx); err == nil {
			out["database"] = dbStats
		}
		if fbStats, err := st.loop.Stats(ctx); err == nil {
			out["feedback"] = fbStats
		}
		if insights, err := st.loop.Insights(ctx); err == nil && len(insights) > 0 {
			out["insights"] = insights
		}
		return printJSON(out)
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Purge expired learning data and compact the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.dispose()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		if err := st.orch.Maintenance(ctx); err != nil {
			return err
		}
		if err := st.shared.Maintenance(ctx); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "ok"})
	},
}

func init() {
	feedbackCmd.Flags().StringVar(&flagFeedbackType, "type", "accept", "accept|reject|modify|ignore")
	feedbackCmd.Flags().StringVar(&flagSuggestionID, "suggestion", "", "suggestion id the feedback applies to")
	feedbackCmd.Flags().StringVar(&flagPatternID, "pattern", "", "pattern id that produced the suggestion")
	feedbackCmd.Flags().StringVar(&flagOriginal, "original", "", "suggested text (for modify)")
	feedbackCmd.Flags().StringVar(&flagFinal, "final", "", "text the user actually applied (for modify)")
	feedbackCmd.Flags().Float64Var(&flagConfidence, "confidence", 0.5, "suggestion confidence at decision time")
}
