package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/mornsign-scheduler/internal/tasks"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

type fakeAuth struct {
	res totoro.LoginResponse
	err error
}

func (f fakeAuth) Login(context.Context, string) (totoro.LoginResponse, error) { return f.res, f.err }

func loginOK(body string) totoro.LoginResponse {
	return totoro.LoginResponse{
		BaseResponse: totoro.BaseResponse{Status: "00", Code: "0"},
		Raw:          []byte(body),
	}
}

func task() tasks.Task {
	return tasks.Task{
		ID:         9,
		UserID:     "2024001",
		Token:      "cached-token-value",
		DeviceInfo: tasks.DeviceInfo{"campusId": "C1", "schoolId": "S1", "phoneNumber": "138"},
	}
}

func TestNormalize_ContainersAndAliases(t *testing.T) {
	f := Normalize([]byte(`{"status":"00","data":{"CampusID":7,"school_id":"S9"},"resultMap":{"StudentNo":"2024001","accessToken":"late"},"obj":{"Token":"fresh"}}`))
	require.Equal(t, "fresh", f.Token)
	require.Equal(t, "7", f.CampusID)
	require.Equal(t, "S9", f.SchoolID)
	require.Equal(t, "2024001", f.StuNumber)
}

func TestNormalize_RootWinsAndEmptySkipped(t *testing.T) {
	f := Normalize([]byte(`{"token":"","campusId":"root","data":{"token":"inner","campusId":"inner"},"schoolName":"Uni"}`))
	require.Equal(t, "inner", f.Token)
	require.Equal(t, "root", f.CampusID)
	require.Equal(t, "Uni", f.SchoolName)
	require.Equal(t, "Uni", f.CampusName)
}

func TestNormalize_Garbage(t *testing.T) {
	require.Equal(t, Fields{}, Normalize([]byte(`not json`)))
	require.Equal(t, Fields{}, Normalize([]byte(`[1,2]`)))
}

func TestRefresh_DegradesToCached(t *testing.T) {
	want := Session{Token: "cached-token-value", CampusID: "C1", SchoolID: "S1", StuNumber: "2024001", PhoneNumber: "138"}

	cases := map[string]fakeAuth{
		"error":  {err: errors.New("dial tcp: timeout")},
		"not ok": {res: totoro.LoginResponse{BaseResponse: totoro.BaseResponse{Status: "01", Code: "0"}, Raw: []byte(`{"token":"x"}`)}},
		"code":   {res: totoro.LoginResponse{BaseResponse: totoro.BaseResponse{Status: "00", Code: "1"}}},
	}
	for name, auth := range cases {
		t.Run(name, func(t *testing.T) {
			r := &Refresher{Auth: auth, Log: zerolog.Nop()}
			got := r.Refresh(context.Background(), task())
			require.Equal(t, want, got)
			require.False(t, got.Refreshed)
		})
	}
}

func TestRefresh_MergesUpstreamFields(t *testing.T) {
	r := &Refresher{Auth: fakeAuth{res: loginOK(`{"status":"00","code":"0","data":{"token":"new-token","schoolId":"S2"}}`)}, Log: zerolog.Nop()}
	got := r.Refresh(context.Background(), task())

	require.True(t, got.Refreshed)
	require.Equal(t, "new-token", got.Token)
	require.Equal(t, "S2", got.SchoolID)
	// omitted upstream, kept from cache
	require.Equal(t, "C1", got.CampusID)
	require.Equal(t, "2024001", got.StuNumber)
}

func TestRefresh_CarriesDisplayNames(t *testing.T) {
	var buf bytes.Buffer
	r := &Refresher{
		Auth: fakeAuth{res: loginOK(`{"status":"00","code":"0","data":{"token":"n","stuName":"Li Hua","schoolName":"WHU","campus":"East"}}`)},
		Log:  zerolog.New(&buf).Level(zerolog.DebugLevel),
	}
	got := r.Refresh(context.Background(), task())

	require.Equal(t, "Li Hua", got.StuName)
	require.Equal(t, "WHU", got.SchoolName)
	require.Equal(t, "East", got.CampusName)
	require.Contains(t, buf.String(), `"stu_name":"Li Hua"`)
	require.Contains(t, buf.String(), `"campus":"East"`)
	require.Empty(t, Cached(task()).StuName)
}

type fakeCreds struct {
	calls int
	err   error

	user, token, campusID, schoolID string
}

func (f *fakeCreds) SyncCredentials(_ context.Context, userID, token, campusID, schoolID string) (int64, error) {
	f.calls++
	f.user, f.token, f.campusID, f.schoolID = userID, token, campusID, schoolID
	return 2, f.err
}

func TestSyncer_RefreshUser(t *testing.T) {
	store := &fakeCreds{}
	s := &Syncer{
		Refresher: &Refresher{Auth: fakeAuth{res: loginOK(`{"obj":{"token":"rotated"}}`)}, Log: zerolog.Nop()},
		Store:     store,
		Log:       zerolog.Nop(),
	}
	require.NoError(t, s.RefreshUser(context.Background(), task()))
	require.Equal(t, 1, store.calls)
	require.Equal(t, "2024001", store.user)
	require.Equal(t, "rotated", store.token)
	require.Equal(t, "C1", store.campusID)
}

func TestSyncer_NoWriteWhenNotRefreshed(t *testing.T) {
	store := &fakeCreds{}
	s := &Syncer{
		Refresher: &Refresher{Auth: fakeAuth{err: errors.New("down")}, Log: zerolog.Nop()},
		Store:     store,
		Log:       zerolog.Nop(),
	}
	err := s.RefreshUser(context.Background(), task())
	require.ErrorIs(t, err, ErrNotRefreshed)
	require.Zero(t, store.calls)
}
