package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/mornsign-scheduler/internal/auth"
	"github.com/example/mornsign-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp   bool
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and the morning sign scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireCookieKeys(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := wire(ctx, cfg, log, wireOptions{migrate: migrateUp})
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.OperatorPasswordBcrypt == "" {
				log.Warn().Msg("OPERATOR_PASSWORD_BCRYPT not set: operator login disabled, bearer tokens still accepted")
			}
			ws := &web.Server{
				Auth: auth.NewStore(cfg.OperatorPasswordBcrypt, cfg.CookieHashKey, cfg.CookieBlockKey),
				Log:  log.With().Str("component", "http").Logger(),
			}
			// leave interfaces nil so the handlers report 503
			if a.Tasks != nil {
				ws.Tasks = a.Tasks
				ws.Credits = a.Credits
				ws.Reserve = a.Reserve
			}
			if a.Executor != nil {
				ws.Batch = a.Executor
			}
			if a.Upstream != nil {
				ws.Scores = a.Upstream
			}

			switch {
			case noScheduler:
				log.Info().Msg("scheduler disabled by flag")
			case a.Scheduler == nil:
				log.Warn().Msg("scheduler not started")
			default:
				if err := a.Scheduler.Start(ctx); err != nil {
					return err
				}
				defer a.Scheduler.Stop()
			}

			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), log)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the background scheduler")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
