package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/config"
	"github.com/example/mornsign-scheduler/internal/credits"
	"github.com/example/mornsign-scheduler/internal/db"
	"github.com/example/mornsign-scheduler/internal/envelope"
	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/lock"
	"github.com/example/mornsign-scheduler/internal/migrate"
	"github.com/example/mornsign-scheduler/internal/reservation"
	"github.com/example/mornsign-scheduler/internal/scheduler"
	"github.com/example/mornsign-scheduler/internal/session"
	"github.com/example/mornsign-scheduler/internal/signpoint"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

var errNoDatabase = errors.New("DATABASE_URL is not set")

// app holds the wired components. Store-backed fields stay nil without a
// database; Upstream, Executor and Scheduler also need the upstream key.
type app struct {
	DB      *db.DB
	Redis   *redis.Client
	Tasks   *tasks.Repo
	Credits *credits.Repo
	Reserve *reservation.Service

	Upstream  *totoro.Client
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
}

type wireOptions struct {
	requireDB bool
	migrate   bool
}

func wire(ctx context.Context, cfg config.Config, log zerolog.Logger, o wireOptions) (*app, error) {
	a := &app{}
	if cfg.DatabaseURL == "" {
		if o.requireDB {
			return nil, errNoDatabase
		}
		log.Warn().Msg("DATABASE_URL not set: store not configured, scheduler disabled")
		return a, nil
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.DB = d
	if err := d.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if o.migrate {
		if err := migrate.Up(ctx, d, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	window, err := reservation.ParseWindow(cfg.ReserveWindow, cfg.ReserveTimezone)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Tasks = tasks.NewRepo(d)
	a.Credits = credits.NewRepo(d, cfg.InitialBonus)
	a.Reserve = &reservation.Service{
		DB:           d,
		Window:       window,
		InitialBonus: cfg.InitialBonus,
		Log:          log.With().Str("component", "reservation").Logger(),
	}

	var locker lock.Locker = lock.Noop{}
	if cfg.RedisURL != "" {
		rdb, err := lock.Dial(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = rdb
		locker = lock.NewRedis(rdb, "")
	}

	if cfg.TotoroPublicKey == "" {
		log.Warn().Msg("TOTORO_PUBLIC_KEY not set: executor and scheduler disabled")
		return a, nil
	}
	cipher, err := envelope.FromKeys([]byte(cfg.TotoroPublicKey), []byte(cfg.TotoroPrivateKey))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("totoro keys: %w", err)
	}
	upstream := totoro.New(cipher, totoro.Options{
		BaseURL: cfg.TotoroBaseURL,
		Timeout: cfg.UpstreamTimeout,
		Retries: cfg.UpstreamRetries,
		RPS:     cfg.UpstreamRPS,
	})
	a.Upstream = upstream

	refresher := &session.Refresher{Auth: upstream, Log: log.With().Str("component", "session").Logger()}
	a.Executor = &executor.Executor{
		Store:    a.Tasks,
		Sessions: refresher,
		Points:   &signpoint.Resolver{Papers: upstream, Log: log.With().Str("component", "signpoint").Logger()},
		Upstream: upstream,
		Locker:   locker,
		Workers:  cfg.Workers,
		LockTTL:  cfg.ClaimTTL,
		Log:      log.With().Str("component", "executor").Logger(),
	}
	a.Scheduler = &scheduler.Scheduler{
		Runner:  a.Executor,
		Pending: a.Tasks,
		Refresher: &session.Syncer{
			Refresher: refresher,
			Store:     a.Tasks,
			Log:       log.With().Str("component", "syncer").Logger(),
		},
		Interval:   cfg.PollInterval,
		BatchLimit: cfg.BatchLimit,
		RefreshMin: cfg.RefreshMin,
		RefreshMax: cfg.RefreshMax,
		Log:        log.With().Str("component", "scheduler").Logger(),
	}
	return a, nil
}

func (a *app) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
