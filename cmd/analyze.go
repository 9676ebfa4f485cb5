package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <case-id>",
	Short: "Analyze the footage linked to a processing case",
	Long: `Sample frames from every pending footage item linked to the case and
score them against the case subject. The case is completed once no linked
footage is left to analyze.

Examples:
  # Analyze all pending footage of a case
  sightline analyze 6f1c...

  # Re-run one footage item
  sightline analyze 6f1c... --footage 93ab...

  # Analyze with more parallel workers
  sightline analyze 6f1c... --concurrency 8`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("footage", "", "Analyze only this footage item")
	analyzeCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of parallel workers")
	analyzeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	caseID := args[0]
	footageID := mustGetString(cmd, "footage")
	concurrency := mustGetInt(cmd, "concurrency")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := commandContext(cmd)
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if _, err := e.machine.ClearCancel(ctx, caseID); err != nil {
		return err
	}

	if footageID != "" {
		res, err := e.orchestrator.RunUnit(ctx, caseID, footageID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printUnits([]analysis.UnitResult{*res})
		return nil
	}

	pending, err := e.orchestrator.PendingMatches(ctx, caseID)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(pending),
			progressbar.OptionSetDescription("Analyzing footage"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("items"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	res, err := e.orchestrator.RunConcurrent(ctx, caseID, concurrency, func(p analysis.Progress) {
		if bar != nil {
			_ = bar.Add(1)
		}
	})
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	printUnits(res.Units)
	fmt.Printf("\nAnalyzed %d/%d footage item(s): %d detection(s), %d failed\n",
		res.ItemsDone, res.ItemsTotal, res.Detections, res.Failed)
	switch {
	case res.Cancelled:
		fmt.Println("Analysis was cancelled; remaining footage stays pending.")
	case res.CaseCompleted:
		fmt.Println("Case completed.")
	}
	return nil
}

func printUnits(units []analysis.UnitResult) {
	if len(units) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOOTAGE\tSTATUS\tFRAMES\tDETECTIONS\tBEST\tERROR")
	for _, u := range units {
		best := "-"
		if u.Status == database.MatchDone && u.Detections > 0 {
			best = fmt.Sprintf("%.3f", u.BestConfidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			u.FootageID, u.Status, u.FramesScored, u.FramesSampled, u.Detections, best, u.Error)
	}
	w.Flush()
}
