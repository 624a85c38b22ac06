package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/maintenance"
	"github.com/harrier-ai/harrier/internal/notify"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, queue workers, and maintenance jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config listen_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var poolOpts []queue.PoolOption
	if cfg.NotifyWebhookURL != "" {
		poolOpts = append(poolOpts, queue.WithNotifier(notify.NewWebhook(cfg.NotifyWebhookURL)))
	}
	pool := queue.NewPool(c.tasks, c.casc, c.router, c.guard, c.loop, cfg.WorkerCount, poolOpts...)
	pool.Start(ctx)

	sched := maintenance.New(c.tasks, c.cache, c.gstore, c.metrics, c.loop, cfg.RetentionDays, cfg.FlushPeriod)
	if err := sched.Register(); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(c.tasks, c.casc, c.router, c.guard, c.gstore, c.loop,
		server.WithCache(c.cache),
		server.WithPolicyEngine(c.engine),
		server.WithRateLimit(cfg.GlobalRPM, cfg.PerClientRPM),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http_server_started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_error")
	}
	pool.Wait()

	// Final metric flush so a clean shutdown loses nothing.
	c.metrics.Flush(shutdownCtx, c.gstore)
	return nil
}
