package entity

import (
	"fmt"
	"time"

	"audio-pipeline/ddd/domain/vo"
)

// Rendition 某一格式的音频产物
type Rendition struct {
	URL             string
	SizeBytes       int64
	Status          vo.ConversionStatus
	CreatedAt       *time.Time
	LastRequestedAt *time.Time
}

// Available 已生成且有地址
func (r *Rendition) Available() bool {
	return r != nil && r.URL != "" && r.Status.OrNotStarted() == vo.ConversionCompleted
}

// AudioSet 一条音频（整轨或分轨）的全部派生产物
type AudioSet struct {
	MP3      Rendition
	WAV      Rendition
	FLAC     Rendition
	Waveform *vo.WaveformSummary
	Duration float64
}

// Rendition 按格式取产物，不支持的格式返回 nil
func (a *AudioSet) Rendition(f vo.AudioFormat) *Rendition {
	switch f {
	case vo.FormatMP3:
		return &a.MP3
	case vo.FormatWAV:
		return &a.WAV
	case vo.FormatFLAC:
		return &a.FLAC
	default:
		return nil
	}
}

// TransitionRendition 推进某一格式的转换状态，IN_PROGRESS 重入视为幂等
func (a *AudioSet) TransitionRendition(f vo.AudioFormat, to vo.ConversionStatus) error {
	r := a.Rendition(f)
	if r == nil {
		return fmt.Errorf("unsupported rendition format %q", f)
	}
	if to == vo.ConversionInProgress && r.Status == vo.ConversionInProgress {
		return nil
	}
	next, err := vo.Transition(r.Status, to)
	if err != nil {
		return err
	}
	r.Status = next
	return nil
}

// CompleteRendition 写入新产物并置为完成
func (a *AudioSet) CompleteRendition(f vo.AudioFormat, url string, size int64, now time.Time) error {
	r := a.Rendition(f)
	if r == nil {
		return fmt.Errorf("unsupported rendition format %q", f)
	}
	if r.Status.OrNotStarted() != vo.ConversionInProgress {
		if err := a.TransitionRendition(f, vo.ConversionInProgress); err != nil {
			return err
		}
	}
	if err := a.TransitionRendition(f, vo.ConversionCompleted); err != nil {
		return err
	}
	created := now
	requested := now
	r.URL = url
	r.SizeBytes = size
	r.CreatedAt = &created
	r.LastRequestedAt = &requested
	return nil
}

// ClearRendition 清空地址与时间戳，状态回到 NOT_STARTED，返回原地址
func (a *AudioSet) ClearRendition(f vo.AudioFormat) string {
	r := a.Rendition(f)
	if r == nil {
		return ""
	}
	old := r.URL
	*r = Rendition{Status: vo.ConversionNotStarted}
	return old
}

// Touch 更新最近请求时间
func (a *AudioSet) Touch(f vo.AudioFormat, now time.Time) {
	if r := a.Rendition(f); r != nil {
		t := now
		r.LastRequestedAt = &t
	}
}

// URLs 全部非空产物地址
func (a *AudioSet) URLs() []string {
	urls := make([]string, 0, 3)
	for _, r := range []*Rendition{&a.MP3, &a.WAV, &a.FLAC} {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// ReplaceDerived 替换 MP3、波形与时长，返回被替换的 MP3 地址
func (a *AudioSet) ReplaceDerived(mp3URL string, mp3Size int64, waveform *vo.WaveformSummary, duration float64, now time.Time) string {
	old := a.MP3.URL
	created := now
	a.MP3 = Rendition{
		URL:       mp3URL,
		SizeBytes: mp3Size,
		Status:    vo.ConversionCompleted,
		CreatedAt: &created,
	}
	a.Waveform = waveform
	a.Duration = duration
	return old
}

// BestSource 选取最优来源：WAV > FLAC > MP3
func (a *AudioSet) BestSource() (vo.AudioFormat, *Rendition) {
	for _, f := range []vo.AudioFormat{vo.FormatWAV, vo.FormatFLAC, vo.FormatMP3} {
		r := a.Rendition(f)
		if r.URL != "" && (f == vo.FormatMP3 || r.Status.OrNotStarted() == vo.ConversionCompleted) {
			return f, r
		}
	}
	return "", nil
}
