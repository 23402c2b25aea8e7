// Package session re-authenticates scheduled tasks against the upstream
// before they run. A failed refresh is never fatal: callers get the cached
// credentials back and carry on.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

type Session struct {
	Token       string
	CampusID    string
	SchoolID    string
	StuNumber   string
	PhoneNumber string
	Refreshed   bool

	// display names, only known after a successful refresh
	StuName    string
	SchoolName string
	CampusName string
}

// Cached builds the session from what the task stored at reservation time.
func Cached(t tasks.Task) Session {
	return Session{
		Token:       t.Token,
		CampusID:    t.DeviceInfo.String("campusId"),
		SchoolID:    t.DeviceInfo.String("schoolId"),
		StuNumber:   t.UserID,
		PhoneNumber: t.DeviceInfo.String("phoneNumber"),
	}
}

// Merge overlays non-empty refreshed fields onto s.
func (s Session) Merge(f Fields) Session {
	out := s
	if f.Token != "" {
		out.Token = f.Token
	}
	if f.CampusID != "" {
		out.CampusID = f.CampusID
	}
	if f.SchoolID != "" {
		out.SchoolID = f.SchoolID
	}
	if f.StuNumber != "" {
		out.StuNumber = f.StuNumber
	}
	if f.PhoneNumber != "" {
		out.PhoneNumber = f.PhoneNumber
	}
	if f.StuName != "" {
		out.StuName = f.StuName
	}
	if f.SchoolName != "" {
		out.SchoolName = f.SchoolName
	}
	if f.CampusName != "" {
		out.CampusName = f.CampusName
	}
	return out
}

func (s Session) PaperRequest() totoro.PaperRequest {
	return totoro.PaperRequest{
		CampusID:  s.CampusID,
		SchoolID:  s.SchoolID,
		StuNumber: s.StuNumber,
		Token:     s.Token,
	}
}

type Authenticator interface {
	Login(ctx context.Context, token string) (totoro.LoginResponse, error)
}

type Refresher struct {
	Auth Authenticator
	Log  zerolog.Logger
}

// Refresh never fails. On any upstream problem it returns the cached
// session with Refreshed=false.
func (r *Refresher) Refresh(ctx context.Context, t tasks.Task) Session {
	cached := Cached(t)
	if r == nil || r.Auth == nil {
		return cached
	}

	res, err := r.Auth.Login(ctx, t.Token)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		r.Log.Warn().Err(err).
			Int64("task_id", t.ID).
			Str("user_id", t.UserID).
			Str("token", redact.Token(t.Token)).
			Msg("session refresh failed, using cached credentials")
		return cached
	}

	s := cached.Merge(Normalize(res.Raw))
	s.Refreshed = true
	r.Log.Debug().
		Int64("task_id", t.ID).
		Str("user_id", t.UserID).
		Str("stu_name", s.StuName).
		Str("school", s.SchoolName).
		Str("campus", s.CampusName).
		Msg("session refreshed")
	return s
}

// CredentialStore persists refreshed credentials onto a user's pending tasks.
type CredentialStore interface {
	SyncCredentials(ctx context.Context, userID, token, campusID, schoolID string) (int64, error)
}

var ErrNotRefreshed = errors.New("session: refresh did not succeed")

// Syncer keeps stored tokens alive between reservation and execution.
type Syncer struct {
	Refresher *Refresher
	Store     CredentialStore
	Log       zerolog.Logger
}

func (s *Syncer) RefreshUser(ctx context.Context, t tasks.Task) error {
	sess := s.Refresher.Refresh(ctx, t)
	if !sess.Refreshed {
		return fmt.Errorf("user %s: %w", t.UserID, ErrNotRefreshed)
	}
	n, err := s.Store.SyncCredentials(ctx, t.UserID, sess.Token, sess.CampusID, sess.SchoolID)
	if err != nil {
		return fmt.Errorf("sync credentials for %s: %w", t.UserID, err)
	}
	s.Log.Debug().
		Str("user_id", t.UserID).
		Str("token", redact.Token(sess.Token)).
		Int64("updated", n).
		Msg("token refreshed")
	return nil
}
