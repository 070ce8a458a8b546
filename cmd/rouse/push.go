package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/rouse/internal/push"
)

type vapidKeys struct {
	PublicKey  string `json:"vapid_public_key" yaml:"vapid_public_key"`
	PrivateKey string `json:"vapid_private_key" yaml:"vapid_private_key"`
}

func newPushKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-keys",
		Short: "Generate a VAPID key pair for web push",
		Long: `Generate a VAPID key pair and print it as a config snippet.
Paste the output into the config file to enable ringing notifications
on subscribed browsers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			keys := vapidKeys{PublicKey: pub, PrivateKey: priv}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), keys)
			}
			out, err := yaml.Marshal(map[string]vapidKeys{"push": keys})
			if err != nil {
				return fmt.Errorf("encode keys: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
