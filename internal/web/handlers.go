package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/hlog"

	"github.com/example/mornsign-scheduler/internal/auth"
	"github.com/example/mornsign-scheduler/internal/credits"
	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/reservation"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

const recordsLimit = 50

type loginReq struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		writeFailure(w, http.StatusServiceUnavailable, "operator auth not configured")
		return
	}
	var req loginReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Auth.Login(req.Password); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrLoginDisabled) {
			status = http.StatusForbidden
		}
		writeFailure(w, status, err.Error())
		return
	}
	if err := s.Auth.SetSession(w, r); err != nil {
		s.internal(w, r, "set session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.Auth != nil {
		s.Auth.ClearSession(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type cronReq struct {
	Limit int `json:"limit"`
}

type cronResp struct {
	Success      bool `json:"success"`
	Processed    int  `json:"processed"`
	SuccessCount int  `json:"success_count"`
	Failed       int  `json:"failed"`
	Skipped      int  `json:"skipped"`
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if s.Batch == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	var req cronReq
	// the body is optional for cron callers
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil && len(strings.TrimSpace(string(body))) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = executor.DefaultLimit
	}
	res, err := s.Batch.ProcessDueTasks(r.Context(), req.Limit)
	if err != nil {
		s.internal(w, r, "process due tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, cronResp{
		Success:      true,
		Processed:    res.Processed,
		SuccessCount: res.Success,
		Failed:       res.Failed,
		Skipped:      res.Skipped,
	})
}

type reserveResp struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	TaskID        int64     `json:"taskId"`
	ScheduledTime time.Time `json:"scheduledTime"`
	Credits       int       `json:"credits"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	if s.Reserve == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	var req reservation.Request
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Reserve.Reserve(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, reservation.ErrInvalidRequest):
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, reservation.ErrOutsideWindow):
		writeFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, reservation.ErrConflict):
		writeFailure(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, credits.ErrInsufficient):
		writeFailure(w, http.StatusPaymentRequired, err.Error())
		return
	default:
		s.internal(w, r, "reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResp{
		Success:       true,
		Message:       "reserved",
		TaskID:        res.TaskID,
		ScheduledTime: res.ScheduledTime,
		Credits:       res.Credits,
	})
}

type record struct {
	ID            int64     `json:"id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"`
	ResultLog     *string   `json:"result_log"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeFailure(w, http.StatusBadRequest, "userId required")
		return
	}
	ts, err := s.Tasks.ListByUser(r.Context(), userID, recordsLimit)
	if err != nil {
		s.internal(w, r, "list records", err)
		return
	}
	out := make([]record, 0, len(ts))
	for _, t := range ts {
		out = append(out, record{
			ID:            t.ID,
			ScheduledTime: t.ScheduledTime,
			Status:        string(t.Status),
			ResultLog:     t.ResultLog,
			CreatedAt:     t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "records": out})
}

type syncReq struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

func (s *Server) handleSyncToken(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	var req syncReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeFailure(w, http.StatusBadRequest, "userId and token required")
		return
	}
	n, err := s.Tasks.SyncCredentials(r.Context(), req.UserID, req.Token, "", "")
	if err != nil {
		s.internal(w, r, "sync token", err)
		return
	}
	hlog.FromRequest(r).Info().
		Str("user_id", req.UserID).
		Int64("updated", n).
		Str("token", redact.Token(req.Token)).
		Msg("token synced")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}

func (s *Server) handleArch(w http.ResponseWriter, r *http.Request) {
	if s.Scores == nil {
		writeFailure(w, http.StatusServiceUnavailable, "upstream not configured")
		return
	}
	var req totoro.ArchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" || req.StuNumber == "" || req.SchoolID == "" {
		writeFailure(w, http.StatusBadRequest, "token, stuNumber and schoolId required")
		return
	}
	res, err := s.Scores.GetMornSignArchDetail(r.Context(), req)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).
			Str("stu_number", req.StuNumber).
			Str("token", redact.Token(req.Token)).
			Msg("fetch morning scores failed")
		writeFailure(w, http.StatusBadGateway, "fetch morning scores failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": res.OK(), "data": res})
}

type creditsReq struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.Credits == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	var req creditsReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeFailure(w, http.StatusBadRequest, "userId required")
		return
	}

	switch req.Action {
	case "get":
		n, err := s.Credits.Balance(r.Context(), req.UserID)
		if err != nil {
			s.internal(w, r, "balance", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "credits": n})
	case "redeem":
		if strings.TrimSpace(req.Code) == "" {
			writeFailure(w, http.StatusBadRequest, "code required")
			return
		}
		amount, balance, err := s.Credits.Redeem(r.Context(), req.UserID, req.Code)
		if errors.Is(err, credits.ErrCodeInvalid) {
			writeFailure(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.internal(w, r, "redeem", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"credits": balance,
			"message": fmt.Sprintf("redeemed %d credits", amount),
		})
	default:
		writeFailure(w, http.StatusBadRequest, "unknown action")
	}
}

type grantReq struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.Credits == nil {
		writeFailure(w, http.StatusServiceUnavailable, errStoreNotConfigured.Error())
		return
	}
	var req grantReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		writeFailure(w, http.StatusBadRequest, "userId and a positive amount required")
		return
	}
	n, err := s.Credits.Grant(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.internal(w, r, "grant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "credits": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "read body: "+err.Error())
		return false
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// internal logs err and answers 500 without leaking details.
func (s *Server) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	hlog.FromRequest(r).Error().Err(err).Str("op", op).Msg("request failed")
	writeFailure(w, http.StatusInternalServerError, "internal error")
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
