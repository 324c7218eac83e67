package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/talka/historico/internal/auth"
	"github.com/talka/historico/pkg/config"
)

func newCreateAdminCmd(cfg *config.Config) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create the admin account if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = cfg.AdminPassword
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			svc := auth.NewWithTokenTTL(database.GetConn(), cfg.JWTSecret, cfg.TokenTTL)
			return createAdmin(cmd.Context(), svc, password, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "admin password (defaults to ADMIN_PASSWORD)")
	return cmd
}

func createAdmin(ctx context.Context, svc *auth.Service, password string, out io.Writer) error {
	if password == "" {
		return errors.New("admin password is required: pass --password or set ADMIN_PASSWORD")
	}

	created, err := svc.EnsureAdmin(ctx, password)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintln(out, "Admin user created")
	} else {
		fmt.Fprintln(out, "Admin user already exists")
	}
	return nil
}
