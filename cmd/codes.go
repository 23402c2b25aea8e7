package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage redemption codes",
	}
	cmd.AddCommand(newCodesGenerateCmd())
	return cmd
}

func newCodesGenerateCmd() *cobra.Command {
	var count, amount int
	c := &cobra.Command{
		Use:   "generate",
		Short: "Create redemption codes and print them, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := wire(ctx, cfg, log, wireOptions{requireDB: true, migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()

			codes, err := a.Credits.GenerateCodes(ctx, count, amount)
			if err != nil {
				return err
			}
			for _, code := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), code)
			}
			if len(codes) < count {
				log.Warn().Int("requested", count).Int("stored", len(codes)).Msg("some codes collided and were skipped")
			}
			return nil
		},
	}
	c.Flags().IntVar(&count, "count", 10, "number of codes")
	c.Flags().IntVar(&amount, "amount", 1, "credits per code")
	return c
}
