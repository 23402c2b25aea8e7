package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mornsign-scheduler/internal/auth"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Operator credentials for the protected endpoints",
	}
	cmd.AddCommand(newOperatorHashCmd())
	cmd.AddCommand(newOperatorTokenCmd())
	return cmd
}

func newOperatorHashCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for OPERATOR_PASSWORD_BCRYPT (reads stdin without --password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export OPERATOR_PASSWORD_BCRYPT='%s'\n", hash)
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "password (prefer stdin)")
	return c
}

func newOperatorTokenCmd() *cobra.Command {
	var ttl time.Duration
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for cron callers of /api/mornsign/cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireCookieKeys(); err != nil {
				return err
			}
			tok, err := auth.NewStore(cfg.OperatorPasswordBcrypt, cfg.CookieHashKey, cfg.CookieBlockKey).IssueToken(ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	c.Flags().DurationVar(&ttl, "ttl", 90*24*time.Hour, "token lifetime")
	return c
}
