package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/notify"
	"github.com/harrier-ai/harrier/internal/queue"
)

var workCount int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run queue workers without the HTTP API",
	Long: `Runs the claim-and-execute loop against the shared task database.
Multiple work processes may run concurrently; the atomic claim guarantees
each task is executed by exactly one of them.`,
	RunE: runWork,
}

func init() {
	workCmd.Flags().IntVar(&workCount, "workers", 0, "worker count (overrides config worker_count)")
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if workCount > 0 {
		cfg.WorkerCount = workCount
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

	<-ctx.Done()
	log.Info().Msg("draining_workers")
	pool.Wait()
	c.metrics.Flush(cmd.Context(), c.gstore)
	return nil
}
