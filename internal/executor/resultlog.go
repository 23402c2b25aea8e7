package executor

import (
	"github.com/bytedance/sonic"

	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/totoro"
)

// ResultLog is the diagnostic stored on a finished task. Credentials in it
// are always masked.
type ResultLog struct {
	Status          string           `json:"status"`
	Refreshed       bool             `json:"refreshed"`
	UsedLatestPoint bool             `json:"usedLatestPoint"`
	Point           totoro.SignPoint `json:"point"`
	Response        any              `json:"response,omitempty"`
	Error           string           `json:"error,omitempty"`
	Task            *TaskSnapshot    `json:"task,omitempty"`
	Quota           *Quota           `json:"quota,omitempty"`
}

type TaskSnapshot struct {
	ID            int64            `json:"id"`
	UserID        string           `json:"userId"`
	Token         string           `json:"token"`
	ScheduledTime string           `json:"scheduledTime"`
	SignPoint     totoro.SignPoint `json:"signPoint"`
}

type Quota struct {
	Required  int `json:"required"`
	Completed int `json:"completed"`
}

func (rl ResultLog) JSON() (string, error) {
	b, err := sonic.Marshal(rl)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func maskedBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return redact.Value(v)
}
