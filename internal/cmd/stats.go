package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/router"
)

var (
	statsHandler string
	statsLimit   int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue, handler, cache, and feedback statistics",
	Long: `Reads the persisted stores directly, so it reports on whatever a
serve or work process has flushed, without needing one to be running.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsHandler, "handler", "", "filter metric rollups to one handler")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 24, "maximum rollup periods to show")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "stats")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out := map[string]interface{}{}

	tasks, err := queue.NewStore(cfg.TasksDBPath())
	if err != nil {
		return err
	}
	defer tasks.Close()
	counts, err := tasks.CountByStatus(ctx)
	if err != nil {
		return err
	}
	out["tasks"] = counts

	gstore, err := guard.NewStore(cfg.GuardDBPath())
	if err != nil {
		return err
	}
	defer gstore.Close()
	rollups, err := gstore.QueryRollups(ctx, statsHandler, statsLimit)
	if err != nil {
		return err
	}
	out["rollups"] = rollups

	cache, err := router.NewCache(cfg.CacheDBPath(), cfg.CacheTTL)
	if err != nil {
		return err
	}
	defer cache.Close()
	entries, hits, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	out["cache"] = map[string]int64{"entries": entries, "total_hits": hits}

	loop, err := feedback.New(cfg.FeedbackDBPath())
	if err != nil {
		return err
	}
	defer loop.Close()
	out["feedback"] = loop.Scores()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
