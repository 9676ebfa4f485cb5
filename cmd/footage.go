package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var footageCmd = &cobra.Command{
	Use:   "footage",
	Short: "Inspect uploaded footage",
}

var footageNearbyCmd = &cobra.Command{
	Use:   "nearby <case-id>",
	Short: "List footage relevant to a case location",
	Long: `List active footage that qualifies for a case, strongest match first.
Footage qualifies by exact or partial location text, or by lying within
the proximity radius of the last seen coordinates.`,
	Args: cobra.ExactArgs(1),
	RunE: runFootageNearby,
}

func init() {
	rootCmd.AddCommand(footageCmd)
	footageCmd.AddCommand(footageNearbyCmd)

	footageNearbyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runFootageNearby(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	c, err := e.repo.GetCase(ctx, args[0])
	if err != nil {
		return err
	}
	candidates, err := e.index.Nearby(ctx, c)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return printJSON(candidates)
	}

	fmt.Printf("Footage near %q (radius %.1f km): %d\n\n", c.Location.Text, e.index.RadiusKm(), len(candidates))
	if len(candidates) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOOTAGE\tTITLE\tMATCH\tSTRENGTH\tDISTANCE")
	for _, cand := range candidates {
		distance := "-"
		if cand.DistanceKm != nil {
			distance = fmt.Sprintf("%.2f km", *cand.DistanceKm)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", cand.Footage.ID, cand.Footage.Title, cand.MatchType, cand.Strength, distance)
	}
	return w.Flush()
}
