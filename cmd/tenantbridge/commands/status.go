package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"tenantbridge/internal/app"
	"tenantbridge/internal/credential"
	"tenantbridge/internal/observability"
	"tenantbridge/internal/tenant"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show authentication state for both tenant slots",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}

	manager, err := app.NewManager(cfg)
	if err != nil {
		return err
	}

	statuses, err := manager.StatusAll(ctx)
	if err != nil {
		return err
	}

	for _, slot := range tenant.Slots() {
		printStatus(statuses[slot])
	}
	return nil
}

func printStatus(status credential.Status) {
	switch status.State {
	case credential.StateAuthenticated:
		fmt.Printf("%-7s authenticated as %s (tenant %s), expires %s\n",
			status.Slot, status.User, status.TenantID,
			status.ExpiresAt.Local().Format(time.RFC3339))
	case credential.StateExpired:
		fmt.Printf("%-7s expired (was %s, tenant %s); sign in again\n",
			status.Slot, status.User, status.TenantID)
	case credential.StateError:
		fmt.Printf("%-7s error: %s\n", status.Slot, status.Message)
	case credential.StateAuthenticating:
		fmt.Printf("%-7s sign-in in progress\n", status.Slot)
	default:
		fmt.Printf("%-7s not authenticated\n", status.Slot)
	}
}
