package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dukerupert/rouse/internal/alarmsync"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull alarms from the remote service now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res alarmsync.PullResult
			err := newAPIClient(daemonURL()).do(cmd.Context(), "POST", "/api/sync/pull", nil, &res)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
				return fmt.Errorf("pulled too often, try again in a minute")
			}
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in; nothing to sync.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d, inserted %d, updated %d, adopted %d, removed %d, kept %d local edits.\n",
				res.Pushed, res.Inserted, res.Updated, res.Adopted, res.Removed, res.Kept)
			return nil
		},
	}
}
