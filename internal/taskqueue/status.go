package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Failure はワーカー内の失敗を構造化したもの（ワーカーは落とさない）
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Status struct {
	ID        string          `json:"task_id"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store はタスク結果の置き場
type Store interface {
	Put(ctx context.Context, st Status) error
	Get(ctx context.Context, id string) (Status, error)
}
