package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/spf13/cobra"
)

// cliActor identifies the admin behind command line reviews.
const cliActor = "cli"

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Review missing-person cases",
}

var caseApproveCmd = &cobra.Command{
	Use:   "approve <case-id>",
	Short: "Approve a pending case and link it to nearby footage",
	Long: `Approve a case waiting for review. Footage recorded near the last
seen location is linked to the case; when there is none the case waits
for footage. Run "sightline analyze" afterwards to score the linked footage.`,
	Args: cobra.ExactArgs(1),
	RunE: runCaseApprove,
}

var caseRejectCmd = &cobra.Command{
	Use:   "reject <case-id>",
	Short: "Reject a pending case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaseReject,
}

var caseCancelCmd = &cobra.Command{
	Use:   "cancel <case-id>",
	Short: "Ask running analysis of a case to stop",
	Args:  cobra.ExactArgs(1),
	RunE:  runCaseCancel,
}

func init() {
	rootCmd.AddCommand(caseCmd)
	caseCmd.AddCommand(caseApproveCmd, caseRejectCmd, caseCancelCmd)

	caseCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	caseCmd.PersistentFlags().String("actor", cliActor, "Admin ID recorded on the review")
	caseRejectCmd.Flags().String("reason", "", "Reason for the rejection (required)")
}

func runCaseApprove(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.service(analysis.NopScheduler).Approve(ctx, args[0], mustGetString(cmd, "actor"))
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(res)
	}

	printCase(res.Case)
	if len(res.Matches) == 0 {
		fmt.Println("No footage near the last seen location yet.")
		return nil
	}
	fmt.Printf("Linked %d footage item(s):\n", len(res.Matches))
	for _, m := range res.Matches {
		fmt.Printf("  %s  %-9s strength %.2f\n", m.FootageID, m.MatchType, m.Strength)
	}
	fmt.Printf("\nRun: sightline analyze %s\n", res.Case.ID)
	return nil
}

func runCaseReject(cmd *cobra.Command, args []string) error {
	reason := mustGetString(cmd, "reason")
	if reason == "" {
		return errors.New("--reason is required")
	}

	ctx := commandContext(cmd)
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	c, err := e.service(analysis.NopScheduler).Reject(ctx, args[0], mustGetString(cmd, "actor"), reason)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(c)
	}
	printCase(c)
	return nil
}

func runCaseCancel(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	c, err := e.service(analysis.NopScheduler).Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(c)
	}
	printCase(c)
	if c.Status.Terminal() {
		fmt.Println("Case is closed, nothing to cancel.")
	}
	return nil
}

func printCase(c *database.Case) {
	fmt.Printf("Case %s (%s)\n", c.ID, c.SubjectName)
	fmt.Printf("  Status:   %s\n", c.Status)
	fmt.Printf("  Location: %s\n", c.Location.Text)
	if c.RejectionReason != "" {
		fmt.Printf("  Reason:   %s\n", c.RejectionReason)
	}
	if c.CancelRequested {
		fmt.Println("  Cancel requested")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
