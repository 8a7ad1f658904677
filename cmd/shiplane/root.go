package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "shiplane",
		Short:         "Single-run deployment pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shiplane.yaml", "path to the run configuration")

	cmd.AddCommand(newDeployCmd(&configPath))
	cmd.AddCommand(newHistoryCmd(&configPath))

	return cmd
}

func newLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"

	lggr, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return lggr.Sugar(), nil
}
