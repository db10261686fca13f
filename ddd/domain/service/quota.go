package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

// QuotaAccountant 配额检查与记账。记账使用调用方事务内的仓储
type QuotaAccountant struct {
	now func() time.Time
}

// NewQuotaAccountant 创建配额记账器
func NewQuotaAccountant() *QuotaAccountant {
	return &QuotaAccountant{now: time.Now}
}

// CheckCapacity 增加 secondsDelta 后是否仍在额度内
func (a *QuotaAccountant) CheckCapacity(ctx context.Context, quotas repo.QuotaRepository, userID string, secondsDelta float64) (bool, error) {
	if userID == "" {
		return true, nil
	}
	q, err := quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load quota for %s: %w", userID, err)
	}
	return q.HasCapacity(secondsDelta), nil
}

// Exceeded 以 QuotaExceededError 形式返回当前超额情况，未超额时返回 nil
func (a *QuotaAccountant) Exceeded(ctx context.Context, quotas repo.QuotaRepository, userID string, secondsDelta float64) error {
	if userID == "" {
		return nil
	}
	q, err := quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return fmt.Errorf("load quota for %s: %w", userID, err)
	}
	if q.HasCapacity(secondsDelta) {
		return nil
	}
	return &errno.QuotaExceededError{
		UserID:         userID,
		UsedSeconds:    q.UsedSeconds + secondsDelta,
		AllowedSeconds: q.AllowedSeconds(),
	}
}

// ApplyUsage 记入用量，超额时返回告警，由调用方在事务提交后发送
func (a *QuotaAccountant) ApplyUsage(ctx context.Context, quotas repo.QuotaRepository, userID, trackID, stage string, usage vo.QuotaUsage) (*vo.QuotaWarning, error) {
	if userID == "" || usage.IsZero() {
		return nil, nil
	}
	q, err := quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load quota for %s: %w", userID, err)
	}
	now := a.now()
	over := q.Apply(usage, now)
	if err := quotas.Save(ctx, q); err != nil {
		return nil, fmt.Errorf("save quota for %s: %w", userID, err)
	}
	if !over {
		return nil, nil
	}
	return &vo.QuotaWarning{
		UserID:         userID,
		TrackID:        trackID,
		UsedSeconds:    q.UsedSeconds,
		AllowedSeconds: q.AllowedSeconds(),
		UsedBytes:      q.UsedBytes,
		Stage:          stage,
		Message: fmt.Sprintf("used %.1fs of %.1fs allowed (%s stored)",
			q.UsedSeconds, q.AllowedSeconds(), humanize.Bytes(uint64(q.UsedBytes))),
		CreatedAt: now,
	}, nil
}

// OverQuotaWarning 不记账，只根据当前状态生成告警，用于原始音频路径
func (a *QuotaAccountant) OverQuotaWarning(ctx context.Context, quotas repo.QuotaRepository, userID, trackID, stage string, secondsDelta float64) (*vo.QuotaWarning, error) {
	if userID == "" {
		return nil, nil
	}
	q, err := quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load quota for %s: %w", userID, err)
	}
	if q.HasCapacity(secondsDelta) {
		return nil, nil
	}
	used := q.UsedSeconds + secondsDelta
	return &vo.QuotaWarning{
		UserID:         userID,
		TrackID:        trackID,
		UsedSeconds:    used,
		AllowedSeconds: q.AllowedSeconds(),
		UsedBytes:      q.UsedBytes,
		Stage:          stage,
		Message:        fmt.Sprintf("upload of %.1fs exceeds remaining quota %.1fs", secondsDelta, q.RemainingSeconds()),
		CreatedAt:      a.now(),
	}, nil
}
