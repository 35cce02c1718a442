// Command nerdwf is the CLI entry point for the workflow orchestrator and
// facts memory engine. Command implementations are split across
// workflow_cmd.go and memory_cmd.go for maintainability.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nerdwf/internal/config"
	"nerdwf/internal/errs"
	"nerdwf/internal/logging"
)

var (
	verbose    bool
	dataDir    string
	configPath string

	logger *zap.Logger
	cfg    *config.Config
)

// exitCode: 0 success, 1 operational failure, 2 invalid args.
const (
	exitSuccess   = 0
	exitOperation = 1
	exitUsage     = 2
)

var rootCmd = &cobra.Command{
	Use:   "nerdwf",
	Short: "nerdwf - workflow orchestrator and facts memory engine",
	Long: `nerdwf runs multi-phase agent workflows (plan, execute, review) with
policy-gated approvals, and maintains a persistent facts memory store that
consolidates, prunes, and serves context back at prompt-construction time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dataDir != "" {
			loaded.Workflows.DataDir = dataDir
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Workflows.DataDir, cfg.Logging.ToSettings()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override workflows.dataDir")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".nerdwf/config.yaml", "path to config file")

	rootCmd.AddCommand(workflowCmd, memoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to an exit code: a ValidationError is the
// user's fault (exit 2), everything else is an operational failure (exit 1).
func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		return exitUsage
	}
	return exitOperation
}
