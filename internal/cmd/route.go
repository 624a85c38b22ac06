package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/guard"
)

var routeClassifyOnly bool

var routeCmd = &cobra.Command{
	Use:   "route <content>",
	Short: "Classify a request and execute it synchronously",
	Long: `Runs the classification cascade on the given content and, unless
--classify-only is set, executes the resulting decision through the
provider chain with caching and guard containment.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().BoolVar(&routeClassifyOnly, "classify-only", false, "print the routing decision without executing")
	rootCmd.AddCommand(routeCmd)
}

func runRoute(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "route")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	content := strings.Join(args, " ")
	decision := c.casc.Classify(ctx, content)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if routeClassifyOnly {
		return enc.Encode(decision)
	}

	outcome := c.guard.Run(ctx, guard.Invocation{
		Handler:   decision.Target,
		EventKind: "route.execute",
		SessionID: "cli",
		Payload:   content,
	}, func(ctx context.Context) (string, error) {
		result, err := c.router.Execute(ctx, decision, content)
		if err != nil {
			return "", err
		}
		encoded, mErr := json.Marshal(result)
		if mErr != nil {
			return "", mErr
		}
		return string(encoded), nil
	})

	if !outcome.OK() {
		return fmt.Errorf("execution failed (%s): %s", outcome.ErrorKind, outcome.ErrorMessage)
	}

	return enc.Encode(map[string]interface{}{
		"decision":       decision,
		"result":         json.RawMessage(outcome.Value),
		"correlation_id": outcome.CorrelationID,
	})
}
