package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/policy"
	"github.com/harrier-ai/harrier/internal/queue"
)

var (
	submitPriority string
	submitMeta     []string
)

var submitCmd = &cobra.Command{
	Use:   "submit <content>",
	Short: "Submit a task to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "normal", "priority (low, normal, high, urgent)")
	submitCmd.Flags().StringArrayVar(&submitMeta, "meta", nil, "metadata entries as key=value (repeatable; dedupe_key enables dedup)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "submit")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := strings.Join(args, " ")
	priority := queue.Priority(submitPriority)
	if !priority.Valid() {
		return fmt.Errorf("unknown priority %q", submitPriority)
	}

	metadata := make(map[string]string)
	for _, entry := range submitMeta {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("invalid metadata entry %q (want key=value)", entry)
		}
		metadata[k] = v
	}

	loop, err := feedback.New(cfg.FeedbackDBPath())
	if err != nil {
		return err
	}
	defer loop.Close()

	casc, err := buildCascade(cfg, loop)
	if err != nil {
		return err
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return err
	}

	decision := casc.Classify(ctx, content)
	verdict, err := engine.EvaluateAdmission(ctx, content, priority, decision)
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return fmt.Errorf("submission denied by policy: %s", strings.Join(verdict.Reasons, "; "))
	}

	tasks, err := queue.NewStore(cfg.TasksDBPath())
	if err != nil {
		return err
	}
	defer tasks.Close()

	task, err := tasks.Submit(ctx, content, priority, metadata)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted %s (priority %s)\n", task.ID, task.Priority)
	fmt.Printf("Predicted handler: %s (stage %s, confidence %.2f, tier %s)\n",
		decision.Target, decision.Stage, decision.Confidence, decision.Tier)
	return nil
}
