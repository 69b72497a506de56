package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/deploychain/internal/core/definition"
	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/artpar/deploychain/internal/engine"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		from string
		vars []string
	)

	cmd := &cobra.Command{
		Use:   "run [definition]",
		Short: "Deploy a pipeline",
		Long: `Run executes every step of a pipeline definition in order against the
selected network. Each produced address is flushed to the config store before
the step's wiring runs, so a halted run can be resumed with --from.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Pipeline
			if len(args) == 1 {
				path = args[0]
			}
			def, err := loadDefinition(path, vars)
			if err != nil {
				return &CommandError{Op: "load definition", Err: err, ExitCode: ExitConfigError}
			}

			nc, err := a.cfg.NetworkByName(a.cfg.Network)
			if err != nil {
				return &CommandError{Op: "run", Err: err, ExitCode: ExitConfigError}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStores(a.cfg, a.cfg.Network)
			if err != nil {
				return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
			}
			defer st.Close()

			b, err := openBackend(ctx, nc, a.logger)
			if err != nil {
				return &CommandError{Op: "open backend", Err: err, ExitCode: ExitBackendError}
			}
			defer b.Close()

			runner := engine.NewRunner(b, b, engine.Options{
				From:              from,
				ProvisionAttempts: a.cfg.ProvisionAttempts,
				Environment:       a.cfg.Network,
				Journal:           st.journal,
				Logger:            a.logger,
			})

			result, err := runner.Run(ctx, def, st.config)
			if result != nil {
				printRunResult(cmd.OutOrStdout(), result)
			}
			switch {
			case err == nil:
				return nil
			case result != nil && result.Halted():
				return &CommandError{Op: "run " + def.Name, Err: err, ExitCode: ExitPipelineHalted}
			case errors.Is(err, pipeline.ErrUnknownStep), errors.Is(err, pipeline.ErrInvalidDefinition):
				return &CommandError{Op: "run " + def.Name, Err: err, ExitCode: ExitConfigError}
			default:
				return &CommandError{Op: "run " + def.Name, Err: err, ExitCode: ExitStoreError}
			}
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "resume from this step, reusing addresses persisted by earlier steps")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "definition variable as name=value (repeatable)")
	return cmd
}

// loadDefinition reads and validates a YAML or HCL pipeline definition.
func loadDefinition(path string, vars []string) (pipeline.Definition, error) {
	values, err := parseVars(vars)
	if err != nil {
		return pipeline.Definition{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Definition{}, err
	}
	return definition.Parse(path, data, values)
}

func parseVars(vars []string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", v)
		}
		out[name] = value
	}
	return out, nil
}

func printRunResult(w io.Writer, result *engine.RunResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tKEY\tADDRESS\tWIRING")
	for _, s := range result.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Position, s.Step, s.Status, dash(s.Key), dash(s.Address), wiringSummary(s))
	}
	tw.Flush()

	fmt.Fprintf(w, "\nrun %s %s", result.Run.ID, result.Run.Status)
	if result.Halted() {
		fmt.Fprintf(w, " at %s", result.Run.HaltedAt)
	}
	fmt.Fprintln(w)
}

func wiringSummary(s *engine.StepResult) string {
	if len(s.Wiring) == 0 {
		return "-"
	}
	counts := map[string]int{}
	for _, w := range s.Wiring {
		counts[string(w.Outcome)]++
	}
	parts := make([]string, 0, 3)
	for _, outcome := range []string{"applied", "skipped", "failed"} {
		if n := counts[outcome]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, outcome))
		}
	}
	return strings.Join(parts, ", ")
}
