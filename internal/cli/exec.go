package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/toolrun/internal/app"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/spf13/cobra"
)

var (
	execArgs    string
	execSession string
	execTimeout time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec <tool>",
	Short: "Execute one tool call and print the result",
	Long: `Execute a single call against the tools in the config and print the
result as JSON. The command fails when the call does not succeed.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execArgs, "args", "{}", "tool arguments as a JSON object")
	execCmd.Flags().StringVar(&execSession, "session", "", "session ID for stateful tools")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "call timeout (default from config)")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	var arguments map[string]any
	if err := json.Unmarshal([]byte(execArgs), &arguments); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Nothing scrapes metrics during a one-shot call.
	cfg.Metrics.Enabled = false
	l, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	result := a.Executor().Execute(ctx, tool.Call{
		Name:      args[0],
		Arguments: arguments,
		SessionID: execSession,
		Timeout:   execTimeout,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("tool %s failed: %s", args[0], result.Error)
	}
	return nil
}
