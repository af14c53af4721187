package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "facesift",
	Short: "Offline face-based photo segregation",
	Long: `Facesift segregates large photo collections (JPEG and camera raw) by the
people appearing in them. Seed the registry with reference portraits, point
a job at a source tree on external storage, and the worker emits one folder
per person with compressed copies of every photo that person appears in.

Processing is crash-safe: batches move through an atomic state machine and
an interrupted run resumes without duplicated or corrupted output.`,
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
