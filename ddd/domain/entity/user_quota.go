package entity

import (
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// UserQuota 用户配额
type UserQuota struct {
	UserID      string
	FreeSeconds float64
	PaidSeconds float64
	UsedSeconds float64
	UsedBytes   int64
	UpdatedAt   time.Time
}

// AllowedSeconds 免费与付费额度之和
func (q *UserQuota) AllowedSeconds() float64 {
	return q.FreeSeconds + q.PaidSeconds
}

// RemainingSeconds 剩余时长，可能为负
func (q *UserQuota) RemainingSeconds() float64 {
	return q.AllowedSeconds() - q.UsedSeconds
}

// HasCapacity 增加 secondsDelta 后是否仍在额度内
func (q *UserQuota) HasCapacity(secondsDelta float64) bool {
	return q.UsedSeconds+secondsDelta <= q.AllowedSeconds()
}

// Apply 记入变更，已用值不低于 0，返回是否超额
func (q *UserQuota) Apply(usage vo.QuotaUsage, now time.Time) bool {
	q.UsedSeconds += usage.SecondsDelta
	if q.UsedSeconds < 0 {
		q.UsedSeconds = 0
	}
	q.UsedBytes += usage.BytesDelta
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	q.UpdatedAt = now
	return q.UsedSeconds > q.AllowedSeconds()
}
