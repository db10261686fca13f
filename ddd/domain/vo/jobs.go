package vo

import "time"

// QueueName 队列名称
type QueueName string

const (
	QueueTrackConversion     QueueName = "track-conversion"
	QueueAudioFileConversion QueueName = "audio-file-conversion"
	QueueStemProcessing      QueueName = "stem-processing"
	QueueTrackRegeneration   QueueName = "track-regeneration"
	QueueTrackDeletion       QueueName = "track-deletion"
	QueueFileCleanup         QueueName = "file-cleanup"
)

// AllQueues 全部队列，按处理链路顺序
func AllQueues() []QueueName {
	return []QueueName{
		QueueTrackConversion,
		QueueAudioFileConversion,
		QueueStemProcessing,
		QueueTrackRegeneration,
		QueueTrackDeletion,
		QueueFileCleanup,
	}
}

func (q QueueName) String() string { return string(q) }

// JobOptions 入队参数，零值使用队列默认策略
type JobOptions struct {
	JobID string
	// UniqueFor JobID 的去重时长，0 用队列默认值
	UniqueFor   time.Duration
	Attempts    int
	BackoffBase time.Duration
	Delay       time.Duration
}

// TrackConversionJob 新上传音轨的完整处理
type TrackConversionJob struct {
	TrackID string `json:"trackId"`
}

// AudioFileConversionJob 按需生成 WAV/FLAC
type AudioFileConversionJob struct {
	TrackID string          `json:"trackId"`
	Type    RenditionTarget `json:"type"`
	StemID  string          `json:"stemId,omitempty"`
	Format  AudioFormat     `json:"format"`
}

// StemProcessingJob 替换或新增的分轨文件
type StemProcessingJob struct {
	StemID       string `json:"stemId"`
	StemFileURL  string `json:"stemFileUrl"`
	StemFileName string `json:"stemFileName"`
	TrackID      string `json:"trackId"`
	UserID       string `json:"userId"`
}

// TrackRegenerationJob 分轨变更后重新混音
type TrackRegenerationJob struct {
	TrackID       string `json:"trackId"`
	Reason        string `json:"reason"`
	UpdatedStemID string `json:"updatedStemId,omitempty"`
}

// TrackDeletionJob 批量删除待删除状态的音轨
type TrackDeletionJob struct {
	TrackIDs []string `json:"trackIds"`
}

// FileCleanupJob 定时回收派生文件
type FileCleanupJob struct {
	Type string `json:"type"`
}

const (
	CleanupTypeScheduled = "scheduled-cleanup"

	RegenerationReasonStemUpdated = "stem-updated"
	RegenerationReasonStemRemoved = "stem-removed"
	RegenerationReasonManual      = "manual"
)

// QueueStats 队列与 worker 统计
type QueueStats struct {
	Queue       QueueName `json:"queue"`
	Waiting     int64     `json:"waiting"`
	Active      int64     `json:"active"`
	Delayed     int64     `json:"delayed"`
	Failed      int64     `json:"failed"`
	Concurrency int       `json:"concurrency"`
	Processed   uint64    `json:"processed"`
	Succeeded   uint64    `json:"succeeded"`
	Errored     uint64    `json:"errored"`
	Running     int       `json:"running"`
	LastJobAt   time.Time `json:"last_job_at,omitempty"`
}
