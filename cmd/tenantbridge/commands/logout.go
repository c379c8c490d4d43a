package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"tenantbridge/internal/app"
	"tenantbridge/internal/observability"
	"tenantbridge/internal/tenant"
)

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "sign out a tenant slot and clear its stored credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "slot",
				Usage:    "tenant slot (source|target)",
				Required: true,
			},
		},
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}

	slot, err := tenant.ParseSlot(cmd.String("slot"))
	if err != nil {
		return err
	}

	manager, err := app.NewManager(cfg)
	if err != nil {
		return err
	}

	if err := manager.SignOut(ctx, slot); err != nil {
		return err
	}

	fmt.Printf("Signed out slot %q\n", slot)
	return nil
}
