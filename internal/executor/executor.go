// Package executor runs due morning check-in tasks: it refreshes the
// session, reconciles the sign point, submits the check-in and records the
// terminal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/mornsign-scheduler/internal/lock"
	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/session"
	"github.com/example/mornsign-scheduler/internal/signpoint"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

const (
	DefaultLimit   = 100
	DefaultWorkers = 4
	DefaultLockTTL = 2 * time.Minute
)

var (
	errMissingPoint = errors.New("missing sign point information on task")
	errQuotaMet     = errors.New("daily check-in quota already met")
)

type Store interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]tasks.Task, error)
	Complete(ctx context.Context, id int64, status tasks.Status, resultLog string) (bool, error)
}

type SessionRefresher interface {
	Refresh(ctx context.Context, t tasks.Task) session.Session
}

type PointResolver interface {
	Resolve(ctx context.Context, s session.Session, cached totoro.SignPoint) signpoint.Resolution
}

type Submitter interface {
	SubmitMorningExercises(ctx context.Context, req totoro.SubmitRequest) (totoro.SubmitResponse, error)
}

type Executor struct {
	Store    Store
	Sessions SessionRefresher
	Points   PointResolver
	Upstream Submitter
	Locker   lock.Locker

	Workers int
	LockTTL time.Duration
	Now     func() time.Time
	Log     zerolog.Logger
}

type Result struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSuccess
	outcomeSkipped
)

// ProcessDueTasks runs one batch. Per-task failures are recorded on the task
// and counted; only a failure to load the batch is returned.
func (e *Executor) ProcessDueTasks(ctx context.Context, limit int) (Result, error) {
	if e == nil || e.Store == nil {
		return Result{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	due, err := e.Store.DueTasks(ctx, now(), limit)
	if err != nil {
		return Result{}, fmt.Errorf("load due tasks: %w", err)
	}
	if len(due) == 0 {
		return Result{}, nil
	}

	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var success, failed, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range due {
		if ctx.Err() != nil {
			// rows not yet dispatched stay pending for the next run
			skipped.Add(int64(len(due) - i))
			e.Log.Warn().Int("left_pending", len(due)-i).Msg("batch cancelled, not dispatching remaining tasks")
			break
		}
		g.Go(func() error {
			switch e.processOne(ctx, t) {
			case outcomeSuccess:
				success.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Processed: len(due),
		Success:   int(success.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}, nil
}

func (e *Executor) processOne(ctx context.Context, t tasks.Task) outcome {
	log := e.Log.With().Int64("task_id", t.ID).Str("user_id", t.UserID).Logger()

	if e.Locker != nil {
		ttl := e.LockTTL
		if ttl <= 0 {
			ttl = DefaultLockTTL
		}
		release, ok, err := e.Locker.Acquire(ctx, lock.TaskKey(t.ID), ttl)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("claim lock unavailable, processing anyway")
		case !ok:
			log.Debug().Msg("task claimed elsewhere, skipping")
			return outcomeSkipped
		default:
			defer release()
		}
	}

	status, rl := e.safeExecute(ctx, t)
	if status != tasks.StatusSuccess && ctx.Err() != nil {
		log.Warn().Str("error", rl.Error).Msg("batch cancelled mid-task, leaving task pending")
		return outcomeSkipped
	}
	if status == tasks.StatusFailed && rl.Task == nil {
		rl.Task = snapshot(t)
	}

	body, err := rl.JSON()
	if err != nil {
		body = fmt.Sprintf(`{"status":%q,"error":"encode result log: %s"}`, status, err)
	}

	// a success must land even if the batch context was cancelled after the submit
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	updated, err := e.Store.Complete(wctx, t.ID, status, body)
	switch {
	case err != nil:
		log.Error().Err(err).Str("status", string(status)).Msg("write-back failed")
	case !updated:
		log.Warn().Str("status", string(status)).Msg("task no longer pending, result not stored")
	}

	var ev *zerolog.Event
	if status == tasks.StatusSuccess {
		ev = log.Info()
	} else {
		ev = log.Warn().Str("error", rl.Error)
	}
	ev.Str("status", string(status)).
		Bool("refreshed", rl.Refreshed).
		Bool("used_latest_point", rl.UsedLatestPoint).
		Msg("morning sign task finished")

	if status == tasks.StatusSuccess {
		return outcomeSuccess
	}
	return outcomeFailed
}

func (e *Executor) safeExecute(ctx context.Context, t tasks.Task) (status tasks.Status, rl ResultLog) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error().
				Int64("task_id", t.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			status = tasks.StatusFailed
			rl.Status = string(status)
			rl.Error = fmt.Sprintf("panic: %v", r)
			rl.Task = snapshot(t)
		}
	}()
	return e.execute(ctx, t)
}

func (e *Executor) execute(ctx context.Context, t tasks.Task) (tasks.Status, ResultLog) {
	fail := func(rl ResultLog, err error) (tasks.Status, ResultLog) {
		rl.Status = string(tasks.StatusFailed)
		rl.Error = err.Error()
		return tasks.StatusFailed, rl
	}

	cached := t.SignPoint
	rl := ResultLog{Point: cached}
	if cached.TaskID == "" || cached.PointID == "" {
		return fail(rl, errMissingPoint)
	}

	var sess session.Session
	if e.Sessions != nil {
		sess = e.Sessions.Refresh(ctx, t)
	} else {
		sess = session.Cached(t)
	}
	rl.Refreshed = sess.Refreshed

	res := signpoint.Resolution{Point: cached}
	if e.Points != nil {
		res = e.Points.Resolve(ctx, sess, cached)
	}
	rl.Point = res.Point
	rl.UsedLatestPoint = res.UsedLatestPoint

	if res.QuotaReached() {
		rl.Quota = &Quota{Required: res.Required, Completed: res.Completed}
		return fail(rl, errQuotaMet)
	}

	if e.Upstream == nil {
		return fail(rl, errors.New("upstream client not configured"))
	}
	resp, err := e.Upstream.SubmitMorningExercises(ctx, BuildSubmitRequest(t, sess, res.Point))
	if err != nil {
		return fail(rl, fmt.Errorf("submit: %w", err))
	}
	rl.Response = maskedBody(resp.Raw)
	if err := resp.Err(); err != nil {
		return fail(rl, err)
	}

	rl.Status = string(tasks.StatusSuccess)
	return tasks.StatusSuccess, rl
}

// BuildSubmitRequest assembles the check-in from the session, the selected
// point and the device fields captured at reservation time.
func BuildSubmitRequest(t tasks.Task, s session.Session, p totoro.SignPoint) totoro.SubmitRequest {
	d := t.DeviceInfo
	stu := s.StuNumber
	if stu == "" {
		stu = t.UserID
	}
	deviceType := d.String("deviceType")
	if deviceType == "" {
		deviceType = "2"
	}
	return totoro.SubmitRequest{
		StuNumber:   stu,
		PhoneNumber: s.PhoneNumber,
		QRCode:      p.QRCode.String(),
		HeadImage:   d.String("headImage"),
		BaseStation: d.String("baseStation"),
		Longitude:   p.Longitude.String(),
		Latitude:    p.Latitude.String(),
		PhoneInfo:   d.String("phoneInfo"),
		Mac:         d.String("mac"),
		TaskID:      p.TaskID.String(),
		PointID:     p.PointID.String(),
		AppVersion:  d.String("appVersion"),
		SignType:    p.SignType.String(),
		Token:       s.Token,
		FaceData:    d.String("faceData"),
		CampusID:    s.CampusID,
		SchoolID:    s.SchoolID,
		DeviceType:  deviceType,
	}
}

func snapshot(t tasks.Task) *TaskSnapshot {
	return &TaskSnapshot{
		ID:            t.ID,
		UserID:        t.UserID,
		Token:         redact.Token(t.Token),
		ScheduledTime: t.ScheduledTime.UTC().Format(time.RFC3339),
		SignPoint:     t.SignPoint,
	}
}
