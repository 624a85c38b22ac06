package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/queue"
)

var statusCancel bool

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's state, or cancel it with --cancel",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusCancel, "cancel", false, "cancel the task (pending tasks only)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "status")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tasks, err := queue.NewStore(cfg.TasksDBPath())
	if err != nil {
		return err
	}
	defer tasks.Close()

	id := args[0]
	if statusCancel {
		if err := tasks.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", id)
	}

	task, err := tasks.Get(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}
