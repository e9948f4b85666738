package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/twilio"
)

func buildCallCmd() *cobra.Command {
	var (
		to   string
		from string
		host string
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place one outbound call that is bridged to the AI once answered",
		Example: `  # Call a number from your Twilio number
  callbridge call --to +15550001111 --from +15550002222 --host bridge.example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if strings.TrimSpace(host) == "" {
				host = cfg.PublicHost
			}
			if strings.TrimSpace(host) == "" {
				return errors.New("--host or PUBLIC_HOST is required so Twilio can reach the webhook")
			}

			client := twilio.NewClient(twilio.Config{
				AccountSID: cfg.TwilioAccountSID,
				AuthToken:  cfg.TwilioAuthToken,
				APIBaseURL: cfg.TwilioAPIBaseURL,
			})
			webhookURL := fmt.Sprintf("https://%s/incoming-call?direction=%s", host, session.DirectionOutbound)
			callSID, err := client.CreateCall(cmd.Context(), to, from, webhookURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call initiated: %s\n", callSID)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Number to call (E.164)")
	cmd.Flags().StringVar(&from, "from", "", "Twilio number to call from (E.164)")
	cmd.Flags().StringVar(&host, "host", "", "Public host serving /incoming-call (defaults to PUBLIC_HOST)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
