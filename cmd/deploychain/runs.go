package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/deploychain/internal/shell/store"
)

var errJournalDisabled = errors.New("journal is disabled (set journal.dsn or use the sqlite store)")

func newRunsCmd(a *app) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openJournal(a)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.journal.ListRuns(cmd.Context(), store.ListOptions{Limit: limit, Offset: offset}.Normalize())
			if err != nil {
				return &CommandError{Op: "list runs", Err: err, ExitCode: ExitStoreError}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPIPELINE\tENVIRONMENT\tSTATUS\tHALTED AT\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Pipeline, r.Environment, r.Status, dash(r.HaltedAt), r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show the steps of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openJournal(a)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			run, err := st.journal.GetRun(ctx, args[0])
			if err != nil {
				return &CommandError{Op: "show run", Err: err, ExitCode: ExitStoreError}
			}
			steps, err := st.journal.ListStepRecords(ctx, run.ID)
			if err != nil {
				return &CommandError{Op: "show run", Err: err, ExitCode: ExitStoreError}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s: %s on %s, %s\n", run.ID, run.Pipeline, run.Environment, run.Status)
			if run.From != "" {
				fmt.Fprintf(w, "resumed from %s\n", run.From)
			}
			if run.Error != "" {
				fmt.Fprintf(w, "halted at %s: %s\n", run.HaltedAt, run.Error)
			}
			fmt.Fprintln(w)

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTEP\tSTATUS\tKEY\tADDRESS\tFAILED WIRING")
			for _, s := range steps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
					s.Position, s.Step, s.Status, dash(s.Key), dash(s.Address), s.FailedWiring())
			}
			return tw.Flush()
		},
	})
	return cmd
}

func openJournal(a *app) (*stores, error) {
	st, err := openStores(a.cfg, a.cfg.Network)
	if err != nil {
		return nil, &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
	}
	if st.journal == nil {
		st.Close()
		return nil, &CommandError{Op: "runs", Err: errJournalDisabled, ExitCode: ExitConfigError}
	}
	return st, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
