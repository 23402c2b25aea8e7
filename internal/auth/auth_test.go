package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, password string) *Store {
	t.Helper()
	hash := ""
	if password != "" {
		var err error
		hash, err = HashPassword(password)
		require.NoError(t, err)
	}
	return NewStore(hash, securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
}

func TestLogin(t *testing.T) {
	s := newTestStore(t, "hunter2")
	require.NoError(t, s.Login("hunter2"))
	require.ErrorIs(t, s.Login("nope"), ErrInvalidCredentials)

	require.ErrorIs(t, newTestStore(t, "").Login("anything"), ErrLoginDisabled)
}

func TestToken_RoundTripAndExpiry(t *testing.T) {
	s := newTestStore(t, "")
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	tok, err := s.IssueToken(time.Hour)
	require.NoError(t, err)
	require.True(t, s.Verify(tok))

	now = now.Add(2 * time.Hour)
	require.False(t, s.Verify(tok), "expired")

	_, err = s.IssueToken(0)
	require.Error(t, err)
	require.False(t, s.Verify(""))
	require.False(t, s.Verify("garbage"))
}

func TestToken_OtherKeysRejected(t *testing.T) {
	a := newTestStore(t, "")
	b := newTestStore(t, "")
	tok, err := a.IssueToken(time.Hour)
	require.NoError(t, err)
	require.False(t, b.Verify(tok))
}

func TestRequireOperator(t *testing.T) {
	s := newTestStore(t, "pw")
	h := s.RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	tok, err := s.IssueToken(time.Minute)
	require.NoError(t, err)

	t.Run("no credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.JSONEq(t, `{"success":false,"message":"operator authentication required"}`, rec.Body.String())
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Basic "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("session cookie", func(t *testing.T) {
		login := httptest.NewRecorder()
		require.NoError(t, s.SetSession(login, httptest.NewRequest(http.MethodPost, "/", nil)))
		cookies := login.Result().Cookies()
		require.Len(t, cookies, 1)
		require.True(t, cookies[0].HttpOnly)

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.AddCookie(cookies[0])
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("cleared cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.ClearSession(rec)
		c := rec.Result().Cookies()
		require.Len(t, c, 1)
		require.Equal(t, -1, c[0].MaxAge)
	})
}
