package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/rouse/internal/backup"
	"github.com/dukerupert/rouse/internal/handler"
	"github.com/dukerupert/rouse/internal/model"
)

const passphraseEnv = "ROUSE_BACKUP_PASSPHRASE"

// readPassphrase takes the passphrase from a file when given, otherwise
// from the environment.
func readPassphrase(file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no passphrase: use --passphrase-file or set %s", passphraseEnv)
}

func newExportCmd() *cobra.Command {
	var passFile string
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write an encrypted backup of every alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readPassphrase(passFile)
			if err != nil {
				return err
			}
			var views []handler.AlarmView
			if err := newAPIClient(daemonURL()).do(cmd.Context(), "GET", "/api/alarms", nil, &views); err != nil {
				return err
			}
			alarms := make([]model.Alarm, len(views))
			for i, v := range views {
				alarms[i] = v.Alarm
			}

			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("create backup file: %w", err)
			}
			if err := backup.Export(f, alarms, pass, time.Now()); err != nil {
				f.Close()
				os.Remove(args[0])
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close backup file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d alarms to %s.\n", len(alarms), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&passFile, "passphrase-file", "", "file holding the backup passphrase")
	return cmd
}

func newImportCmd() *cobra.Command {
	var passFile string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Recreate alarms from an encrypted backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readPassphrase(passFile)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open backup file: %w", err)
			}
			defer f.Close()

			snap, err := backup.Import(f, pass)
			if errors.Is(err, backup.ErrBadPassphrase) {
				return fmt.Errorf("wrong passphrase for %s", args[0])
			}
			if err != nil {
				return err
			}

			client := newAPIClient(daemonURL())
			var created int
			for _, a := range snap.Alarms {
				var out handler.AlarmView
				if err := client.do(cmd.Context(), "POST", "/api/alarms", a, &out); err != nil {
					return fmt.Errorf("recreate %q after %d of %d alarms: %w", a.DisplayLabel(), created, len(snap.Alarms), err)
				}
				created++
				if out.Warning != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s: %s\n", out.DisplayLabel(), out.Warning)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d alarms exported %s.\n", created, snap.ExportedAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&passFile, "passphrase-file", "", "file holding the backup passphrase")
	return cmd
}
