package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberlearn/labmanager/internal/auth"
	"github.com/cyberlearn/labmanager/internal/config"
)

var tokenOpts struct {
	subject string
	role    string
	email   string
	ttl     time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with AUTH_JWT_SECRET (development only)",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenOpts.subject, "subject", "", "owner identity placed in the sub claim")
	f.StringVar(&tokenOpts.role, "role", "", "role claim (defaults to AUTH_REQUIRED_ROLE)")
	f.StringVar(&tokenOpts.email, "email", "", "optional email claim")
	f.DurationVar(&tokenOpts.ttl, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	if cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	role := tokenOpts.role
	if role == "" {
		role = cfg.Auth.RequiredRole
	}

	token, err := auth.Issue(cfg.Auth.JWTSecret, auth.IssueOptions{
		Subject:  tokenOpts.subject,
		Role:     role,
		Email:    tokenOpts.email,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      tokenOpts.ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
