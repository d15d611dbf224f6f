package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

const (
	formatTable = "table"
	formatTOML  = "toml"
)

func newShowCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the artifacts in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShow(cmd.Context(), a, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "output format (table|toml)")
	return cmd
}

func runShow(ctx context.Context, a *app, format string) error {
	if format != formatTable && format != formatTOML {
		return &ExitError{Code: exitUsage, Err: fmt.Errorf("unknown --format %q (valid formats are table|toml)", format)}
	}
	store, err := a.newStore()
	if err != nil {
		return err
	}
	inv, err := store.Read(ctx)
	if err != nil {
		return err
	}

	if format == formatTOML {
		out, err := inv.Serialize()
		if err != nil {
			return err
		}
		fmt.Fprint(a.stdout, out)
		return nil
	}

	if inv.Len() == 0 {
		fmt.Fprintf(a.stdout, "%s has no artifacts\n", store.Path())
		return nil
	}
	fmt.Fprintln(a.stdout, renderInventoryTable(inv))
	fmt.Fprintf(a.stdout, "%d artifacts\n", inv.Len())
	return nil
}
