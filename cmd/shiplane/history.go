package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiplane/shiplane/config"
	"github.com/shiplane/shiplane/history"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var workload string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived deployment runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, *configPath, workload)
		},
	}
	cmd.Flags().StringVar(&workload, "workload", "", "workload to list (defaults to workload.name from the config)")

	return cmd
}

func runHistory(cmd *cobra.Command, configPath, workload string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.History.DSN == "" {
		return errors.New("run history requires a database; set SHIPLANE_HISTORY_DSN")
	}
	if workload == "" {
		workload = cfg.Workload.Name
	}

	lggr, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = lggr.Sync() }()

	store, err := history.Open(cmd.Context(), "postgres", cfg.History.DSN, lggr)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), workload)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No archived runs for %s\n", workload)

		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tFAILED STAGE\tSTARTED\tDURATION\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.RunID, run.Status, run.FailedStage,
			run.StartedAt.Local().Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
			run.Error,
		)
	}

	return tw.Flush()
}
