package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sightline",
	Short: "Match missing-person cases against surveillance footage",
	Long: `Sightline links missing-person cases to surveillance footage recorded
near where the person was last seen, samples frames from that footage and
scores them with face, pose and clothing detectors. Detections above the
confidence threshold are stored for review.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
