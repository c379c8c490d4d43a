package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"tenantbridge/internal/app"
	"tenantbridge/internal/credential"
	"tenantbridge/internal/observability"
	"tenantbridge/internal/tenant"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in a tenant slot using the device-code flow",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "slot",
				Usage:    "tenant slot (source|target)",
				Required: true,
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
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

	// The user has to open a browser and type the code; without a terminal
	// there is nobody to show it to.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("login requires an interactive terminal")
	}

	manager, err := app.NewManager(cfg)
	if err != nil {
		return err
	}

	session, err := manager.SignIn(ctx, slot)
	if err != nil {
		return err
	}

	fmt.Printf("To sign in slot %q, open %s and enter the code %s\n",
		slot, session.VerificationURI, session.UserCode)
	fmt.Printf("The code expires at %s\n", session.ExpiresAt.Local().Format(time.Kitchen))

	interval := session.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := manager.CheckStatus(ctx, slot, session.ID)
		if err != nil {
			return err
		}

		switch status.Status {
		case credential.PollStatusCompleted:
			fmt.Printf("Signed in as %s (tenant %s)\n", status.User, status.TenantID)
			return nil
		case credential.PollStatusExpired:
			return fmt.Errorf("device code expired before sign-in completed; run login again")
		case credential.PollStatusError:
			return fmt.Errorf("sign-in failed: %s", status.Message)
		}

		// Pending: keep polling, re-pacing when the provider slows us down.
		if status.Interval > interval {
			interval = status.Interval
			ticker.Reset(interval)
		}
	}
}
