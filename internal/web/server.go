package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/example/mornsign-scheduler/internal/auth"
	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/reservation"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

type BatchRunner interface {
	ProcessDueTasks(ctx context.Context, limit int) (executor.Result, error)
}

type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (reservation.Reservation, error)
}

type TaskStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]tasks.Task, error)
	SyncCredentials(ctx context.Context, userID, token, campusID, schoolID string) (int64, error)
}

type ScoreFetcher interface {
	GetMornSignArchDetail(ctx context.Context, req totoro.ArchRequest) (totoro.ArchResponse, error)
}

type Wallet interface {
	Balance(ctx context.Context, userID string) (int, error)
	Redeem(ctx context.Context, userID, code string) (amount, balance int, err error)
	Grant(ctx context.Context, userID string, amount int) (int, error)
}

// Server wires the HTTP API. Store-backed dependencies are nil when no
// database is configured, and Scores is nil without upstream keys; their
// endpoints then answer 503.
type Server struct {
	Auth    *auth.Store
	Batch   BatchRunner
	Reserve Reserver
	Tasks   TaskStore
	Credits Wallet
	Scores  ScoreFetcher

	Log zerolog.Logger
}

var errStoreNotConfigured = errors.New("store not configured")

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(s.Log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("http request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Post("/api/operator/login", s.handleLogin)
	r.Post("/api/operator/logout", s.handleLogout)

	r.Route("/api/mornsign", func(r chi.Router) {
		r.With(s.requireOperator).Post("/cron", s.handleCron)
		r.Post("/reserve", s.handleReserve)
		r.Get("/records", s.handleRecords)
		r.Post("/sync-token", s.handleSyncToken)
		r.Post("/arch", s.handleArch)
	})

	r.Post("/api/user/credits", s.handleCredits)
	r.With(s.requireOperator).Post("/api/user/credits/grant", s.handleGrant)

	return r
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	if s.Auth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeFailure(w, http.StatusServiceUnavailable, "operator auth not configured")
		})
	}
	return s.Auth.RequireOperator(next)
}

// Start serves h until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
