package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator and tracker HTTP server",
	Long: `Starts the HTTP server exposing the operator API (job configuration,
person registry, job control) and the read-only tracker API (progress and
worker heartbeat snapshots).`,
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

		faces := faceengine.NewClient(cfg.FaceEngine.URL, cfg.FaceEngine.Dim)
		server := web.NewServer(cfg, pool, faces)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			fmt.Printf("received %s, shutting down\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
