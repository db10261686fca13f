package entity

import (
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// Track 音轨的媒体字段，其余业务字段由外部服务维护
type Track struct {
	ID             string
	UserID         string
	ParentTrackID  *string
	OriginalURL    string
	OriginalFormat vo.AudioFormat
	Status         vo.TrackStatus
	// ProcessingStatus 整轨转换与重新混音共用
	ProcessingStatus vo.ConversionStatus
	Audio            AudioSet
	// 已计入配额的时长与字节，用于重复投递时按差值记账
	QuotaSecondsCharged float64
	QuotaBytesCharged   int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsPendingDeletion 是否已进入删除流程
func (t *Track) IsPendingDeletion() bool {
	return t.Status == vo.TrackStatusPendingDeletion
}

// IsFork 是否为派生音轨
func (t *Track) IsFork() bool {
	return t.ParentTrackID != nil && *t.ParentTrackID != ""
}

// BeginProcessing 进入 IN_PROGRESS，重入幂等
func (t *Track) BeginProcessing() error {
	if t.ProcessingStatus == vo.ConversionInProgress {
		return nil
	}
	next, err := vo.Transition(t.ProcessingStatus, vo.ConversionInProgress)
	if err != nil {
		return err
	}
	t.ProcessingStatus = next
	t.UpdatedAt = time.Now()
	return nil
}

// FinishProcessing 置为完成或失败
func (t *Track) FinishProcessing(status vo.ConversionStatus) error {
	next, err := vo.Transition(t.ProcessingStatus, status)
	if err != nil {
		return err
	}
	t.ProcessingStatus = next
	t.UpdatedAt = time.Now()
	return nil
}

// ArtifactURLs 整轨相关的全部文件，包括原始文件
func (t *Track) ArtifactURLs() []string {
	urls := t.Audio.URLs()
	if t.OriginalURL != "" {
		urls = append(urls, t.OriginalURL)
	}
	return urls
}

// IsDurable MP3 与原始文件不会被自动清理
func (t *Track) IsDurable(url string) bool {
	return url != "" && (url == t.OriginalURL || url == t.Audio.MP3.URL)
}
