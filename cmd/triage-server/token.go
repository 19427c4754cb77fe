package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/platform/auth"
)

var knownRoles = map[string]bool{
	auth.RoleAttendant: true,
	auth.RoleTriager:   true,
	auth.RoleDoctor:    true,
	auth.RoleAdmin:     true,
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed staff token using AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if subject == "" {
				return fmt.Errorf("--sub is required")
			}
			if len(roles) == 0 {
				return fmt.Errorf("at least one --role is required")
			}
			for _, r := range roles {
				if !knownRoles[r] {
					return fmt.Errorf("unknown role %q", r)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "User id carried in the token")
	cmd.Flags().StringSlice("role", nil, "Role to grant (repeatable): attendant, triager, doctor, admin")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
