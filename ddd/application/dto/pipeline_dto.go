package dto

import "audio-pipeline/ddd/domain/vo"

// JobDto 入队结果
type JobDto struct {
	JobID string `json:"jobId"`
	Queue string `json:"queue"`
}

// AudioFileDto 按需产物状态，URL 仅在已生成时返回
type AudioFileDto struct {
	TrackID   string `json:"trackId"`
	StemID    string `json:"stemId,omitempty"`
	Format    string `json:"format"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}

// Ready 产物可直接下载
func (d *AudioFileDto) Ready() bool {
	return d.URL != "" && d.Status == vo.ConversionCompleted.String()
}

// QueueStatsDto 各队列统计
type QueueStatsDto struct {
	Queues []vo.QueueStats `json:"queues"`
}
