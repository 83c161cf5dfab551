// Command notifywisectl runs operational tasks against a NotifyWise
// deployment: schema migrations, WhatsApp connectivity checks, simulated
// provider receipts and gRPC health checks.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "notifywisectl",
		Short:         "Operate a NotifyWise deployment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("notifywisectl %s (%s)\n", Version, Commit))
	root.PersistentFlags().Duration("timeout", 30*time.Second, "overall deadline for the command")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newWhatsAppCmd())
	root.AddCommand(newReceiptCmd())
	root.AddCommand(newHealthCmd())
	return root
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
