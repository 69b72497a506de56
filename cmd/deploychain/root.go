package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/artpar/deploychain/internal/core/pipeline"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitStoreError      = 2
	ExitBackendError    = 3
	ExitHTTPServerError = 4
	ExitPipelineHalted  = 5
)

// CommandError carries the exit code a failed command maps to.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return ExitConfigError
}

// printError prints err and, for a halted pipeline, how to resume it.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		fmt.Fprintf(w, "\nFix the cause, then resume with: deploychain run --from %s\n", stepErr.Step)
	}
}

// =============================================================================
// Root Command
// =============================================================================

// app holds global flags and what PersistentPreRunE derives from them.
type app struct {
	cfgFile  string
	network  string
	logLevel string

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "deploychain",
		Short: "Run dependency-ordered deployment pipelines",
		Long: `deploychain deploys units one at a time in a fixed order.

Each step resolves its arguments from the config store, provisions its unit,
flushes the new address to the store and then runs its wiring operations.
The first fatal error halts the pipeline; resume it by hand with --from.`,
		SilenceErrors: true, // main prints errors
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVarP(&a.network, "network", "n", "", "network to deploy to (default from config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newStoreCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := LoadConfig(a.cfgFile)
	if err != nil {
		return &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.network != "" {
		cfg.Network = a.network
	}
	if err := cfg.Validate(); err != nil {
		return &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}

	a.cfg = cfg
	a.logger = SetupLogger(cfg, cmd.ErrOrStderr()).With("network", cfg.Network)
	return nil
}
