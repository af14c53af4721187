package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/state"
	"github.com/kozaktomas/facesift/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the batch processing worker",
	Long: `Starts the long-running worker: it resumes any interrupted batches,
emits heartbeats, and polls the job status. When a job is started it
catalogs the source tree, analyzes faces batch by batch and fans the
compressed copies out to per-person folders.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		pool, err := database.NewPool(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer pool.Close()

		states, err := state.NewWriter(cfg.StateDir())
		if err != nil {
			return err
		}

		faces := faceengine.NewClient(cfg.FaceEngine.URL, cfg.FaceEngine.Dim)
		runner := worker.NewRunner(cfg, pool, faces, states)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			fmt.Printf("received %s, stopping worker\n", sig)
			cancel()
		}()

		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
