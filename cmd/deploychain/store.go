package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or edit the config store of a network",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print the value stored under KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openStores(a.cfg, a.cfg.Network)
				if err != nil {
					return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
				}
				defer st.Close()

				v, err := st.config.Get(args[0])
				if err != nil {
					return &CommandError{Op: "store get", Err: err, ExitCode: ExitStoreError}
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Store VALUE under KEY and flush",
			Long: `Set writes a value directly, typically to seed keys a pipeline requires
but does not produce, or to point a key at an address deployed by hand.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openStores(a.cfg, a.cfg.Network)
				if err != nil {
					return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
				}
				defer st.Close()

				key, value := args[0], args[1]
				if old, err := st.config.Get(key); err == nil && old != value {
					a.logger.Warn("overwriting stored value", "key", key, "old", old, "new", value)
				}
				if err := st.config.Set(key, value); err != nil {
					return &CommandError{Op: "store set", Err: err, ExitCode: ExitStoreError}
				}
				if err := st.config.Flush(cmd.Context()); err != nil {
					return &CommandError{Op: "store set", Err: err, ExitCode: ExitStoreError}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all stored keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := openStores(a.cfg, a.cfg.Network)
				if err != nil {
					return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
				}
				defer st.Close()

				values := st.config.Snapshot()
				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALUE")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\n", k, values[k])
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}
