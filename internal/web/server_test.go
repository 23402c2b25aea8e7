package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/mornsign-scheduler/internal/auth"
	"github.com/example/mornsign-scheduler/internal/credits"
	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/reservation"
	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

type fakeBatch struct {
	limit int
	res   executor.Result
	err   error
}

func (f *fakeBatch) ProcessDueTasks(_ context.Context, limit int) (executor.Result, error) {
	f.limit = limit
	return f.res, f.err
}

type fakeReserver struct {
	got reservation.Request
	err error
}

func (f *fakeReserver) Reserve(_ context.Context, req reservation.Request) (reservation.Reservation, error) {
	f.got = req
	if f.err != nil {
		return reservation.Reservation{}, f.err
	}
	return reservation.Reservation{
		TaskID:        11,
		ScheduledTime: time.Date(2026, 10, 16, 0, 5, 0, 0, time.UTC),
		Credits:       2,
	}, nil
}

type fakeTasks struct {
	list     []tasks.Task
	synced   string
	lastUser string
}

func (f *fakeTasks) ListByUser(_ context.Context, userID string, limit int) ([]tasks.Task, error) {
	f.lastUser = userID
	return f.list, nil
}

func (f *fakeTasks) SyncCredentials(_ context.Context, userID, token, _, _ string) (int64, error) {
	f.synced = userID + ":" + token
	return 2, nil
}

type fakeWallet struct{ balance int }

func (f *fakeWallet) Balance(context.Context, string) (int, error) { return f.balance, nil }

func (f *fakeWallet) Redeem(_ context.Context, _, code string) (int, int, error) {
	if code != "0123456789ABCDEF" {
		return 0, 0, credits.ErrCodeInvalid
	}
	f.balance += 5
	return 5, f.balance, nil
}

func (f *fakeWallet) Grant(_ context.Context, _ string, amount int) (int, error) {
	f.balance += amount
	return f.balance, nil
}

type fakeScores struct {
	got totoro.ArchRequest
	res totoro.ArchResponse
	err error
}

func (f *fakeScores) GetMornSignArchDetail(_ context.Context, req totoro.ArchRequest) (totoro.ArchResponse, error) {
	f.got = req
	return f.res, f.err
}

func newTestServer(t *testing.T) (*Server, *auth.Store) {
	t.Helper()
	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	a := auth.NewStore(hash, securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	return &Server{
		Auth:    a,
		Batch:   &fakeBatch{res: executor.Result{Processed: 3, Success: 1, Failed: 2}},
		Reserve: &fakeReserver{},
		Tasks:   &fakeTasks{},
		Credits: &fakeWallet{balance: 1},
		Log:     zerolog.Nop(),
	}, a
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Routes(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestStoreNotConfigured(t *testing.T) {
	h := (&Server{Log: zerolog.Nop()}).Routes()
	for _, c := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/mornsign/reserve", `{}`},
		{http.MethodGet, "/api/mornsign/records?userId=u", ""},
		{http.MethodPost, "/api/mornsign/sync-token", `{}`},
		{http.MethodPost, "/api/user/credits", `{}`},
	} {
		rec := do(t, h, c.method, c.path, c.body)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, c.path)
		require.JSONEq(t, `{"success":false,"message":"store not configured"}`, rec.Body.String())
	}
}

func TestCron_RequiresOperator(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/mornsign/cron", `{"limit":5}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := a.IssueToken(time.Minute)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/mornsign/cron", `{"limit":5}`, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"processed":3,"success_count":1,"failed":2,"skipped":0}`, rec.Body.String())
	require.Equal(t, 5, s.Batch.(*fakeBatch).limit)

	rec = do(t, h, http.MethodPost, "/api/mornsign/cron", "", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, executor.DefaultLimit, s.Batch.(*fakeBatch).limit, "empty body uses the default limit")
}

func TestCron_BatchError(t *testing.T) {
	s, a := newTestServer(t)
	s.Batch = &fakeBatch{err: errors.New("db down")}
	tok, err := a.IssueToken(time.Minute)
	require.NoError(t, err)

	rec := do(t, s.Routes(), http.MethodPost, "/api/mornsign/cron", "", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestOperatorLoginCookie(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/operator/login", `{"password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/operator/login", `{"password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/user/credits/grant", strings.NewReader(`{"userId":"u1","amount":3}`))
	req.AddCookie(cookies[0])
	grant := httptest.NewRecorder()
	h.ServeHTTP(grant, req)
	require.Equal(t, http.StatusOK, grant.Code)
	require.JSONEq(t, `{"success":true,"credits":4}`, grant.Body.String())
}

func TestReserve(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	body := `{"userId":"2024001","token":"tok","signPoint":{"taskId":"T1","pointId":7},"deviceInfo":{"campusId":"C1"},"scheduledTime":"2026-10-16T00:05:00Z"}`
	rec := do(t, h, http.MethodPost, "/api/mornsign/reserve", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"message":"reserved","taskId":11,"scheduledTime":"2026-10-16T00:05:00Z","credits":2}`, rec.Body.String())

	got := s.Reserve.(*fakeReserver).got
	require.Equal(t, "7", got.SignPoint.PointID.String())
	require.Equal(t, "C1", got.DeviceInfo.String("campusId"))
	require.NotNil(t, got.ScheduledTime)

	cases := map[error]int{
		reservation.ErrConflict:       http.StatusConflict,
		reservation.ErrOutsideWindow:  http.StatusUnprocessableEntity,
		reservation.ErrInvalidRequest: http.StatusBadRequest,
		credits.ErrInsufficient:       http.StatusPaymentRequired,
		errors.New("boom"):            http.StatusInternalServerError,
	}
	for err, status := range cases {
		s.Reserve = &fakeReserver{err: err}
		rec := do(t, s.Routes(), http.MethodPost, "/api/mornsign/reserve", body)
		require.Equal(t, status, rec.Code, err.Error())
		require.Contains(t, rec.Body.String(), `"success":false`)
	}

	rec = do(t, h, http.MethodPost, "/api/mornsign/reserve", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecords(t *testing.T) {
	s, _ := newTestServer(t)
	log := `{"status":"success"}`
	at := time.Date(2026, 10, 16, 0, 5, 0, 0, time.UTC)
	s.Tasks = &fakeTasks{list: []tasks.Task{
		{ID: 1, UserID: "u1", Token: "secret-token-value", Status: tasks.StatusSuccess, ResultLog: &log, ScheduledTime: at, CreatedAt: at},
	}}
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/mornsign/records?userId=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret-token-value")
	require.JSONEq(t, `{"success":true,"records":[{"id":1,"scheduled_time":"2026-10-16T00:05:00Z","status":"success","result_log":"{\"status\":\"success\"}","created_at":"2026-10-16T00:05:00Z"}]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/mornsign/records", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncToken(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/mornsign/sync-token", `{"userId":"u1","token":"fresh"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"updated":2}`, rec.Body.String())
	require.Equal(t, "u1:fresh", s.Tasks.(*fakeTasks).synced)

	rec = do(t, h, http.MethodPost, "/api/mornsign/sync-token", `{"userId":"u1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredits(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/user/credits", `{"action":"get","userId":"u1"}`)
	require.JSONEq(t, `{"success":true,"credits":1}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/user/credits", `{"action":"redeem","userId":"u1","code":"0123456789ABCDEF"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"credits":6,"message":"redeemed 5 credits"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/user/credits", `{"action":"redeem","userId":"u1","code":"FFFFFFFFFFFFFFFF"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/user/credits", `{"action":"spend","userId":"u1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/user/credits", `{"action":"get"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrant_RequiresOperator(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Routes(), http.MethodPost, "/api/user/credits/grant", `{"userId":"u1","amount":3}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	s.Auth = nil
	rec = do(t, s.Routes(), http.MethodPost, "/api/user/credits/grant", `{"userId":"u1","amount":3}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestArch(t *testing.T) {
	s, _ := newTestServer(t)
	scores := &fakeScores{res: totoro.ArchResponse{
		BaseResponse:    totoro.BaseResponse{Status: "00", Code: "0"},
		CompletedTimes:  "12",
		IncompleteTimes: "3",
		RequireNumber:   "15",
		IfDayHasComSign: "1",
		ScoreList:       []map[string]any{{"pointName": "Gate"}},
	}}
	s.Scores = scores
	h := s.Routes()

	body := `{"token":"tok","stuNumber":"2024001","schoolId":"S1","campusId":"C1"}`
	rec := do(t, h, http.MethodPost, "/api/mornsign/arch", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"data":{"status":"00","code":"0","completedTimes":"12","incompleteTimes":"3","requireNumber":"15","ifDayHasComSign":"1","scoreList":[{"pointName":"Gate"}]}}`, rec.Body.String())
	require.Equal(t, totoro.ArchRequest{CampusID: "C1", SchoolID: "S1", StuNumber: "2024001", Token: "tok"}, scores.got)

	scores.res.BaseResponse = totoro.BaseResponse{Status: "01", Code: "0"}
	rec = do(t, h, http.MethodPost, "/api/mornsign/arch", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)

	scores.err = errors.New("dial tcp: timeout")
	rec = do(t, h, http.MethodPost, "/api/mornsign/arch", body)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotContains(t, rec.Body.String(), "dial tcp")

	rec = do(t, h, http.MethodPost, "/api/mornsign/arch", `{"token":"tok","stuNumber":"2024001"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	s.Scores = nil
	rec = do(t, s.Routes(), http.MethodPost, "/api/mornsign/arch", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
