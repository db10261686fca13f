package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// Job 队列中的任务，Payload 为具体队列的 JSON 负载
type Job struct {
	ID           string          `json:"id"`
	Queue        vo.QueueName    `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	BackoffBase  time.Duration   `json:"backoff_base"`
	CreatedAt    time.Time       `json:"created_at"`
	LastError    string          `json:"last_error,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Decode 解析负载
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s payload: %w", j.Queue, j.ID, err)
	}
	return nil
}

// HasAttemptsLeft 是否还能重试
func (j *Job) HasAttemptsLeft() bool {
	return j.AttemptsMade < j.Attempts
}

// RetryDelay 第 n 次失败后的等待时间 base·2^(n-1)
func (j *Job) RetryDelay() time.Duration {
	if j.AttemptsMade <= 0 || j.BackoffBase <= 0 {
		return 0
	}
	shift := j.AttemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return j.BackoffBase * time.Duration(1<<uint(shift))
}

func (j *Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	return &cp
}
