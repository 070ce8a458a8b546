package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/rouse/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagConfigPath string
	flagAddr       string
	flagJSON       bool
)

// resolvedCfg is loaded by the root pre-run and shared by every subcommand.
var resolvedCfg config.Config

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rouse",
		Short:         "Alarm clock daemon with mission-gated dismissal",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default $ROUSE_CONFIG or ~/.config/rouse/config.yaml)")
	cmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon address (default listen_addr from config)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAlarmCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newPushKeysCmd())

	return cmd
}

func configPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}
	return config.Path()
}

func loadConfig() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	resolvedCfg = cfg
	return nil
}

// daemonURL is the base URL of the running daemon.
func daemonURL() string {
	addr := flagAddr
	if addr == "" {
		addr = resolvedCfg.ListenAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
