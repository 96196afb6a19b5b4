package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"AgentSwarm/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		name        string
		permissions []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token when server.auth.mode is jwt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.AuthConfig())
			if err != nil {
				return err
			}
			perms := make([]auth.Permission, 0, len(permissions))
			for _, perm := range permissions {
				perms = append(perms, auth.Permission(perm))
			}
			token, err := svc.IssueToken(name, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "operator", "subject name carried in the token")
	cmd.Flags().StringSliceVar(&permissions, "permission", []string{string(auth.PermissionRead)}, "granted permissions")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
