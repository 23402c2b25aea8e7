package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up user credits",
	}
	cmd.AddCommand(newCreditsGrantCmd())
	cmd.AddCommand(newCreditsBalanceCmd())
	return cmd
}

func newCreditsGrantCmd() *cobra.Command {
	var (
		userID string
		amount int
	)
	c := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := wire(ctx, cfg, log, wireOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Credits.Grant(ctx, userID, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user=%s credits=%d\n", userID, n)
			return nil
		},
	}
	c.Flags().StringVar(&userID, "user-id", "", "user id")
	c.Flags().IntVar(&amount, "amount", 1, "credits to add")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newCreditsBalanceCmd() *cobra.Command {
	var userID string
	c := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := wire(ctx, cfg, log, wireOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Credits.Balance(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user=%s credits=%d\n", userID, n)
			return nil
		},
	}
	c.Flags().StringVar(&userID, "user-id", "", "user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}
