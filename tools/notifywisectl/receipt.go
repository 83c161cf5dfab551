package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type receipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// newReceiptCmd simulates the provider's delivery webhook.
func newReceiptCmd() *cobra.Command {
	var (
		baseURL   string
		secret    string
		messageID string
		status    string
	)
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Post a simulated WhatsApp delivery receipt",
		Long: `Post a delivery receipt to the webhook endpoint as the provider would.

Example:
  notifywisectl receipt --secret $WHATSAPP_WEBHOOK_SECRET --message-id 4711 --status read`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("--secret or WHATSAPP_WEBHOOK_SECRET is required")
			}
			switch status {
			case "delivered", "read":
			default:
				return fmt.Errorf("unsupported status %q (want delivered or read)", status)
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			var out map[string]string
			err := postJSON(ctx, baseURL, "/api/v1/webhooks/whatsapp",
				http.Header{"X-Webhook-Secret": {secret}},
				receipt{MessageID: messageID, Status: status, Timestamp: time.Now().UTC().Format(time.RFC3339)},
				&out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message=%s status=%s\n", out["id"], out["status"])
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", getenv("NOTIFYWISE_URL", "http://localhost:8080"), "gateway base url")
	cmd.Flags().StringVar(&secret, "secret", getenv("WHATSAPP_WEBHOOK_SECRET", ""), "shared webhook secret")
	cmd.Flags().StringVar(&messageID, "message-id", "", "provider message id")
	cmd.Flags().StringVar(&status, "status", "delivered", "delivered or read")
	_ = cmd.MarkFlagRequired("message-id")
	return cmd
}
