package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/example/mornsign-scheduler/internal/db"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

var ErrNotFound = db.ErrNotFound

// DeviceInfo holds the device and account fields captured at reservation
// time. Values are whatever the client sent, so reads go through String.
type DeviceInfo map[string]any

func (d DeviceInfo) String(key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

type Task struct {
	ID            int64
	UserID        string
	Token         string
	DeviceInfo    DeviceInfo
	SignPoint     totoro.SignPoint
	ScheduledTime time.Time
	Status        Status
	ResultLog     *string
	CreatedAt     time.Time
}

func (t Task) Validate() error {
	if t.UserID == "" {
		return errors.New("userId required")
	}
	if t.Token == "" {
		return errors.New("token required")
	}
	if t.SignPoint.TaskID == "" || t.SignPoint.PointID == "" {
		return errors.New("signPoint.taskId and signPoint.pointId required")
	}
	if t.ScheduledTime.IsZero() {
		return errors.New("scheduledTime required")
	}
	return nil
}

type Repo struct{ db db.Querier }

func NewRepo(q db.Querier) *Repo { return &Repo{db: q} }

const taskColumns = `id,user_id,token,device_info,sign_point,scheduled_time,status,result_log,created_at`

// Insert is run by reservation inside its debit transaction.
func Insert(ctx context.Context, q db.Querier, t Task) (int64, error) {
	device, err := sonic.Marshal(nonNil(t.DeviceInfo))
	if err != nil {
		return 0, fmt.Errorf("device_info: %w", err)
	}
	point, err := sonic.Marshal(t.SignPoint)
	if err != nil {
		return 0, fmt.Errorf("sign_point: %w", err)
	}
	var id int64
	err = q.QueryRow(ctx, `
INSERT INTO morning_sign_tasks(user_id,token,device_info,sign_point,scheduled_time,status)
VALUES ($1,$2,$3::jsonb,$4::jsonb,$5,'pending')
RETURNING id`,
		t.UserID, t.Token, string(device), string(point), t.ScheduledTime.UTC(),
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

// CountOpenBetween counts the user's non-failed tasks scheduled in [from, to).
func CountOpenBetween(ctx context.Context, q db.Querier, userID string, from, to time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
SELECT count(*) FROM morning_sign_tasks
WHERE user_id=$1 AND status <> 'failed' AND scheduled_time >= $2 AND scheduled_time < $3`,
		userID, from.UTC(), to.UTC()).Scan(&n)
	return n, db.WrapNotFound(err)
}

// DueTasks returns pending tasks whose time has come, earliest first.
func (r *Repo) DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
SELECT `+taskColumns+`
FROM morning_sign_tasks
WHERE status='pending' AND scheduled_time <= $1
ORDER BY scheduled_time ASC, id ASC
LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// EarliestPendingPerUser returns one pending task per user, the one due first.
func (r *Repo) EarliestPendingPerUser(ctx context.Context) ([]Task, error) {
	rows, err := r.db.Query(ctx, `
SELECT DISTINCT ON (user_id) `+taskColumns+`
FROM morning_sign_tasks
WHERE status='pending'
ORDER BY user_id, scheduled_time ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT `+taskColumns+`
FROM morning_sign_tasks
WHERE user_id=$1
ORDER BY scheduled_time DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r *Repo) Get(ctx context.Context, id int64) (Task, error) {
	rows, err := r.db.Query(ctx, `SELECT `+taskColumns+` FROM morning_sign_tasks WHERE id=$1`, id)
	if err != nil {
		return Task{}, err
	}
	ts, err := scanTasks(rows)
	if err != nil {
		return Task{}, err
	}
	if len(ts) == 0 {
		return Task{}, ErrNotFound
	}
	return ts[0], nil
}

// Complete records a terminal status. Only pending rows are updated; false
// means the row was already terminal (or gone).
func (r *Repo) Complete(ctx context.Context, id int64, status Status, resultLog string) (bool, error) {
	if status == StatusPending {
		return false, fmt.Errorf("complete task %d: status must be terminal", id)
	}
	n, err := r.db.ExecCount(ctx, `
UPDATE morning_sign_tasks SET status=$2, result_log=$3
WHERE id=$1 AND status='pending'`, id, string(status), resultLog)
	if err != nil {
		return false, fmt.Errorf("complete task %d: %w", id, err)
	}
	return n > 0, nil
}

// SyncCredentials writes a fresh token (and campus/school ids when known)
// onto every pending task of the user.
func (r *Repo) SyncCredentials(ctx context.Context, userID, token, campusID, schoolID string) (int64, error) {
	patch := map[string]string{}
	if campusID != "" {
		patch["campusId"] = campusID
	}
	if schoolID != "" {
		patch["schoolId"] = schoolID
	}
	b, err := sonic.Marshal(patch)
	if err != nil {
		return 0, err
	}
	return r.db.ExecCount(ctx, `
UPDATE morning_sign_tasks
SET token=$2, device_info=COALESCE(device_info,'{}'::jsonb) || $3::jsonb
WHERE user_id=$1 AND status='pending'`, userID, token, string(b))
}

func scanTasks(rows db.Rows) ([]Task, error) {
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t      Task
			status string
			device []byte
			point  []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &device, &point, &t.ScheduledTime, &status, &t.ResultLog, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		// malformed JSON leaves the field empty; the executor fails such tasks
		if len(device) > 0 {
			_ = sonic.Unmarshal(device, &t.DeviceInfo)
		}
		if len(point) > 0 {
			_ = sonic.Unmarshal(point, &t.SignPoint)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nonNil(d DeviceInfo) DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	return d
}
