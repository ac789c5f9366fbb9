package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kubilitics/mailcast/internal/trainer"
)

func newTrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Fit both models from the full message history",
		Long: `Collect trainer.bootstrap_days of messages from trainer.source_path,
aggregate them into hourly and daily series and fit both models. The
artifacts and the training series are written to the configured storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTrainer(cmd.Context(), func(ctx context.Context, t *trainer.Trainer) (*trainer.Report, error) {
				return t.Bootstrap(ctx)
			})
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Extend the training series with new messages and refit",
		Long: `Read the stored training series, collect messages received since their
last bucket and refit both models. A model whose fit fails keeps its
previous artifact. Requires a prior 'mailcast train'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTrainer(cmd.Context(), func(ctx context.Context, t *trainer.Trainer) (*trainer.Report, error) {
				return t.Update(ctx)
			})
		},
	}
}

func (a *app) runTrainer(ctx context.Context, run func(context.Context, *trainer.Trainer) (*trainer.Report, error)) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := a.newTrainer(store)
	if err != nil {
		return err
	}
	report, err := run(ctx, t)
	if report != nil {
		printReport(a.stdout, report)
	}
	return err
}

func printReport(w io.Writer, r *trainer.Report) {
	fmt.Fprintf(w, "%s run %s: %s messages in %s\n",
		r.Mode, r.RunID, humanize.Comma(int64(r.Records)), r.Duration.Round(time.Millisecond))
	for _, kr := range r.Kinds {
		switch {
		case kr.Written():
			fmt.Fprintf(w, "  %-22s %6d points  %8s messages  artifact %s (%s)\n",
				kr.Kind, kr.Points, humanize.Comma(int64(kr.Total)), kr.ArtifactID, humanize.Bytes(uint64(kr.Bytes)))
		case kr.Err != nil:
			fmt.Fprintf(w, "  %-22s %6d points  %8s messages  kept previous artifact: %v\n",
				kr.Kind, kr.Points, humanize.Comma(int64(kr.Total)), kr.Err)
		default:
			fmt.Fprintf(w, "  %-22s %6d points  %8s messages\n",
				kr.Kind, kr.Points, humanize.Comma(int64(kr.Total)))
		}
	}
}
