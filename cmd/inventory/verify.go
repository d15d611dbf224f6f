package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heroku/docker-heroku-ruby-builder/internal/verify"
)

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Download every artifact in the manifest and check its checksum",
		Long: `verify downloads every artifact listed in the manifest, in parallel, and
compares each against its recorded checksum. All artifacts are checked even
when some fail; the command then exits 1 and lists every failure.

The manifest is never modified. --workers bounds concurrent downloads and
--fetch-rate throttles requests per host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd.Context(), a)
		},
	}
}

func runVerify(ctx context.Context, a *app) error {
	store, err := a.newStore()
	if err != nil {
		return err
	}
	inv, err := store.Read(ctx)
	if err != nil {
		return err
	}
	fetcher, err := a.newFetcher(ctx, inv)
	if err != nil {
		return err
	}
	verifier, err := verify.New(verify.Options{
		Fetcher: fetcher,
		Workers: a.conf.Workers,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Verifying %d artifacts from %s with %d workers\n", inv.Len(), store.Path(), verifier.Workers())
	if err := verifier.Verify(ctx, inv); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, successStyle.Render(fmt.Sprintf("All %d artifacts match their checksums", inv.Len())))
	return nil
}
