package entity

import (
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// Stem 分轨
type Stem struct {
	ID           string
	TrackID      string
	Index        int
	Name         string
	Type         string
	SourceURL    string
	SourceFormat vo.AudioFormat
	// InheritedFromStemID 派生音轨继承的分轨，产物与上游共享
	InheritedFromStemID *string
	ProcessingStatus    vo.ConversionStatus
	Audio               AudioSet
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsInherited 产物仍与上游共享
func (s *Stem) IsInherited() bool {
	return s.InheritedFromStemID != nil && *s.InheritedFromStemID != ""
}

// BeginProcessing 进入 IN_PROGRESS，重入幂等
func (s *Stem) BeginProcessing() error {
	if s.ProcessingStatus == vo.ConversionInProgress {
		return nil
	}
	next, err := vo.Transition(s.ProcessingStatus, vo.ConversionInProgress)
	if err != nil {
		return err
	}
	s.ProcessingStatus = next
	s.UpdatedAt = time.Now()
	return nil
}

// FinishProcessing 置为完成或失败
func (s *Stem) FinishProcessing(status vo.ConversionStatus) error {
	next, err := vo.Transition(s.ProcessingStatus, status)
	if err != nil {
		return err
	}
	s.ProcessingStatus = next
	s.UpdatedAt = time.Now()
	return nil
}

// ArtifactURLs 分轨的全部文件
func (s *Stem) ArtifactURLs() []string {
	urls := s.Audio.URLs()
	if s.SourceURL != "" {
		urls = append(urls, s.SourceURL)
	}
	return urls
}

// IsDurable MP3 与源文件不会被自动清理
func (s *Stem) IsDurable(url string) bool {
	return url != "" && (url == s.SourceURL || url == s.Audio.MP3.URL)
}
