package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/server"
	"github.com/cwbudde/simcalib/internal/store"
)

var (
	serveAddr    string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the calibration job server",
	Long: `Starts an HTTP server that accepts calibration configs as jobs, streams
their progress over SSE and stores finished runs under --data-dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runStore, err := store.NewFSStore(serveDataDir)
		if err != nil {
			return err
		}
		s := server.NewServer(serveAddr, runStore)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", config.DefaultDataDir, "Directory finished runs are stored in")
	rootCmd.AddCommand(serveCmd)
}
