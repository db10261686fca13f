package vo

import "time"

// QuotaUsage 一次配额变更，正数增加，负数释放
type QuotaUsage struct {
	SecondsDelta float64
	BytesDelta   int64
}

// IsZero 无变更
func (u QuotaUsage) IsZero() bool {
	return u.SecondsDelta == 0 && u.BytesDelta == 0
}

// QuotaWarning 超额告警，事务提交后发送
type QuotaWarning struct {
	UserID         string    `json:"userId"`
	TrackID        string    `json:"trackId,omitempty"`
	UsedSeconds    float64   `json:"usedSeconds"`
	AllowedSeconds float64   `json:"allowedSeconds"`
	UsedBytes      int64     `json:"usedBytes"`
	Stage          string    `json:"stage"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeletionFailure 删除失败的音轨与文件
type DeletionFailure struct {
	TrackID string   `json:"trackId"`
	URLs    []string `json:"urls"`
	Reason  string   `json:"reason"`
}

// DeletionReport 批量删除结果
type DeletionReport struct {
	Deleted []string          `json:"deleted"`
	Skipped []string          `json:"skipped"`
	Failed  []DeletionFailure `json:"failed"`
}

// CleanupFailure 回收失败的单个文件
type CleanupFailure struct {
	Kind   ArtifactKind `json:"kind"`
	ID     string       `json:"id"`
	Format AudioFormat  `json:"format"`
	URL    string       `json:"url"`
	Reason string       `json:"reason"`
}

// CleanupReport 回收结果
type CleanupReport struct {
	Removed int              `json:"removed"`
	Cleared int              `json:"cleared"`
	Errors  []CleanupFailure `json:"errors"`
}
