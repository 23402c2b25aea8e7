// Package reservation admits new morning check-in tasks: one credit per
// task, inside the daily window, at most one live task per user per day.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/credits"
	"github.com/example/mornsign-scheduler/internal/db"
	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

var (
	ErrInvalidRequest = errors.New("invalid reservation request")
	ErrOutsideWindow  = errors.New("requested time is outside the check-in window")
	ErrConflict       = errors.New("a check-in is already reserved for that day")
)

type Request struct {
	UserID     string           `json:"userId"`
	Token      string           `json:"token"`
	SignPoint  totoro.SignPoint `json:"signPoint"`
	DeviceInfo tasks.DeviceInfo `json:"deviceInfo,omitempty"`

	// ScheduledTime is optional; the server picks one when nil.
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
}

type Reservation struct {
	TaskID        int64     `json:"taskId"`
	ScheduledTime time.Time `json:"scheduledTime"`
	Credits       int       `json:"credits"`
}

type Service struct {
	DB           db.TxQuerier
	Window       Window
	InitialBonus int
	Log          zerolog.Logger

	Now  func() time.Time
	Rand func(n int) int
}

func (s *Service) Reserve(ctx context.Context, req Request) (Reservation, error) {
	now := s.now()
	at, err := s.scheduleFor(req, now)
	if err != nil {
		return Reservation{}, err
	}

	t := tasks.Task{
		UserID:        req.UserID,
		Token:         req.Token,
		DeviceInfo:    req.DeviceInfo,
		SignPoint:     req.SignPoint,
		ScheduledTime: at,
	}
	if err := t.Validate(); err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	from, to := s.Window.DayBounds(at)
	var res Reservation
	err = s.DB.InTx(ctx, func(q db.Querier) error {
		// the row lock serializes concurrent reservations of one user
		if _, err := credits.LockBalance(ctx, q, t.UserID, s.InitialBonus); err != nil {
			return err
		}
		n, err := tasks.CountOpenBetween(ctx, q, t.UserID, from, to)
		if err != nil {
			return fmt.Errorf("conflict check: %w", err)
		}
		if n > 0 {
			return ErrConflict
		}
		left, err := credits.Debit(ctx, q, t.UserID, 1)
		if err != nil {
			return err
		}
		id, err := tasks.Insert(ctx, q, t)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		res = Reservation{TaskID: id, ScheduledTime: at, Credits: left}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	s.Log.Info().
		Int64("task_id", res.TaskID).
		Str("user_id", t.UserID).
		Str("token", redact.Token(t.Token)).
		Time("scheduled_time", at).
		Int("credits_left", res.Credits).
		Msg("morning sign reserved")
	return res, nil
}

func (s *Service) scheduleFor(req Request, now time.Time) (time.Time, error) {
	if req.ScheduledTime == nil || req.ScheduledTime.IsZero() {
		return s.Window.Pick(now, s.rand), nil
	}
	at := *req.ScheduledTime
	if at.Before(now) {
		return time.Time{}, fmt.Errorf("%w: %s is in the past", ErrOutsideWindow, at.Format(time.RFC3339))
	}
	if !s.Window.Contains(at) {
		return time.Time{}, fmt.Errorf("%w: %s not in %s", ErrOutsideWindow, at.Format(time.RFC3339), s.Window)
	}
	return at.UTC(), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) rand(n int) int {
	if s.Rand != nil {
		return s.Rand(n)
	}
	return rand.IntN(n)
}
