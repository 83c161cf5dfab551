package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/md-rashed-zaman/notifywise/libs/db"
	authmigrations "github.com/md-rashed-zaman/notifywise/services/auth-service/migrations"
	notificationmigrations "github.com/md-rashed-zaman/notifywise/services/notification-service/migrations"
	schedulingmigrations "github.com/md-rashed-zaman/notifywise/services/scheduling-service/migrations"
	"github.com/spf13/cobra"
)

// serviceMigrations maps each service to its embedded schema. Every service
// owns its own database.
var serviceMigrations = map[string]fs.FS{
	"auth":         authmigrations.FS,
	"scheduling":   schedulingmigrations.FS,
	"notification": notificationmigrations.FS,
}

func serviceNames() []string {
	names := make([]string, 0, len(serviceMigrations))
	for name := range serviceMigrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMigrateCmd() *cobra.Command {
	var (
		service string
		dbURL   string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations for one service",
		Long: `Apply the embedded SQL migrations of a service to its database.

Examples:
  notifywisectl migrate --service scheduling --database-url postgres://localhost/scheduling
  DATABASE_URL=postgres://localhost/notification notifywisectl migrate --service notification`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrations, ok := serviceMigrations[service]
			if !ok {
				return fmt.Errorf("unknown service %q (want one of %s)", service, strings.Join(serviceNames(), ", "))
			}
			if strings.TrimSpace(dbURL) == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			return runMigrate(ctx, cmd, migrations, dbURL)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service whose schema to migrate ("+strings.Join(serviceNames(), ", ")+")")
	cmd.Flags().StringVar(&dbURL, "database-url", getenv("DATABASE_URL", ""), "PostgreSQL connection string")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func runMigrate(ctx context.Context, cmd *cobra.Command, migrations fs.FS, dbURL string) error {
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: 2})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	applied, err := db.Migrate(ctx, pool, migrations, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}
