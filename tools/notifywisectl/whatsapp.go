package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

type testMessage struct {
	To   string `json:"to"`
	Text string `json:"text,omitempty"`
}

type sentMessage struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id"`
	Error             string `json:"error"`
}

func newWhatsAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "WhatsApp provider tasks",
	}

	var (
		baseURL string
		token   string
		to      string
		text    string
	)
	test := &cobra.Command{
		Use:   "test",
		Short: "Send a test message through the notification service",
		Long: `Send a test WhatsApp message with the business's configured provider and
report whether the provider accepted it.

Example:
  notifywisectl whatsapp test --token $TOKEN --to 0612345678`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(token) == "" {
				return fmt.Errorf("--token or NOTIFYWISE_TOKEN is required")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			var msg sentMessage
			header := http.Header{"Authorization": {"Bearer " + token}}
			if err := postJSON(ctx, baseURL, "/api/v1/messages/test", header, testMessage{To: to, Text: text}, &msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message=%s status=%s provider_id=%s\n", msg.ID, msg.Status, msg.ProviderMessageID)
			if msg.Status == "failed" {
				return fmt.Errorf("provider rejected the message: %s", msg.Error)
			}
			return nil
		},
	}
	test.Flags().StringVar(&baseURL, "base-url", getenv("NOTIFYWISE_URL", "http://localhost:8080"), "gateway base url")
	test.Flags().StringVar(&token, "token", getenv("NOTIFYWISE_TOKEN", ""), "access token of the business owner")
	test.Flags().StringVar(&to, "to", "", "destination WhatsApp number")
	test.Flags().StringVar(&text, "text", "", "message body (defaults to a standard test text)")
	_ = test.MarkFlagRequired("to")

	cmd.AddCommand(test)
	return cmd
}
