package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dukerupert/rouse/internal/app"
	"github.com/dukerupert/rouse/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alarm daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logger, level := logging.Setup(resolvedCfg.LogLevel, resolvedCfg.LogFormat)

			ctx := shutdownContext(context.Background(), logger)
			a, err := app.New(ctx, resolvedCfg, configPath(), logger, level)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			return a.Run(ctx)
		},
	}
}
