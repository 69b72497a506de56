package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/deploychain/internal/core/definition"
	"github.com/artpar/deploychain/internal/core/pipeline"
	"github.com/artpar/deploychain/internal/shell/store"
)

// errMissingInputs is returned by plan when required keys are not stored yet.
var errMissingInputs = errors.New("required keys missing from store")

func newPlanCmd(a *app) *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "plan [definition]",
		Short: "Show the step order and what is already deployed",
		Long: `Plan validates a pipeline definition and prints its steps in execution
order, the steps each one depends on and the address currently stored under
its key. Nothing is provisioned.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Pipeline
			if len(args) == 1 {
				path = args[0]
			}
			def, err := loadDefinition(path, vars)
			if err != nil {
				if order := dependencyOrder(path, vars); len(order) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "steps are not in dependency order; a valid order is: %s\n",
						strings.Join(order, ", "))
				}
				return &CommandError{Op: "load definition", Err: err, ExitCode: ExitConfigError}
			}

			st, err := openStores(a.cfg, a.cfg.Network)
			if err != nil {
				return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
			}
			defer st.Close()

			missing := printPlan(cmd.OutOrStdout(), def, st.config)
			if len(missing) > 0 {
				return &CommandError{
					Op:       "plan " + def.Name,
					Err:      fmt.Errorf("%w: %s", errMissingInputs, strings.Join(missing, ", ")),
					ExitCode: ExitConfigError,
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "definition variable as name=value (repeatable)")
	return cmd
}

// dependencyOrder returns the step names of the definition at path sorted by
// their key dependencies, or nil when sorting alone does not make it valid.
func dependencyOrder(path string, vars []string) []string {
	values, err := parseVars(vars)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	def, err := definition.Decode(path, data, values)
	if err != nil {
		return nil
	}
	sorted, err := pipeline.TopologicalSort(def.Steps)
	if err != nil {
		return nil
	}
	def.Steps = sorted
	if err := pipeline.Validate(def); err != nil {
		return nil
	}

	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.Name
	}
	return names
}

// printPlan writes the plan table and returns the required keys that are
// not in cs.
func printPlan(w io.Writer, def pipeline.Definition, cs store.ConfigStore) []string {
	deps := pipeline.Dependencies(def.Steps)

	fmt.Fprintf(w, "pipeline %s: %d steps\n\n", def.Name, len(def.Steps))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tUNIT\tKEY\tDEPENDS ON\tWIRING\tSTORED")
	for i, s := range def.Steps {
		dependsOn := "-"
		if d := deps[s.Name]; len(d) > 0 {
			dependsOn = strings.Join(d, ",")
		}
		stored := "-"
		if v, err := cs.Get(s.Produces); err == nil {
			stored = v
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", i, s.Name, s.Unit, s.Produces, dependsOn, len(s.Wiring), stored)
	}
	tw.Flush()

	var missing []string
	for _, key := range def.Requires {
		if _, err := cs.Get(key); err != nil {
			missing = append(missing, key)
		}
	}
	if len(def.Requires) > 0 {
		fmt.Fprintf(w, "\nrequired keys: %d, missing: %d\n", len(def.Requires), len(missing))
	}
	return missing
}
