package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/worktally/internal/config"
	"github.com/kimhsiao/worktally/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local sync daemon",
	Long: `Start the sync daemon: the network observer, the HTTP API under /api and
the WebSocket event feed at /ws. Config file edits to log.level apply without
a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.Start(ctx); err != nil {
			return err
		}

		hub := NewWSHub()
		defer hub.Stop()
		detach := hub.Attach(svc.Bus, svc.Observer)
		defer detach()

		loader.Watch(func(c *config.Config) {
			logging.Get().SetLevel(logging.ParseLevel(c.Log.Level))
		})

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              addr,
			Handler:           NewServer(svc, hub).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logging.Info("worktally daemon listening", map[string]interface{}{"addr": addr})

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("HTTP shutdown failed", err)
		}
		logging.Info("worktally daemon stopped", nil)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
