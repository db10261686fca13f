package port

import (
	"context"

	"audio-pipeline/ddd/domain/vo"
)

// RenderedStem 模块渲染出的单个通道
type RenderedStem struct {
	Index int
	Name  string
	Data  []byte
}

// ModuleRender 模块渲染结果，Stems 按通道序号升序
type ModuleRender struct {
	FullMix []byte
	Stems   []RenderedStem
}

// AudioConverter 基于外部工具的格式转换，输入输出均为内存数据
type AudioConverter interface {
	ModuleToWav(ctx context.Context, data []byte, format vo.AudioFormat) (*ModuleRender, error)
	WavToMp3(ctx context.Context, wav []byte, bitrateKbps int) ([]byte, error)
	WavToFlac(ctx context.Context, wav []byte) ([]byte, error)
	FlacToWav(ctx context.Context, flac []byte) ([]byte, error)
	// ToWav 任意可解码格式转 16-bit PCM WAV
	ToWav(ctx context.Context, data []byte, format vo.AudioFormat) ([]byte, error)
	// NormalizeWav 重采样并调整声道数
	NormalizeWav(ctx context.Context, wav []byte, sampleRate, channels int) ([]byte, error)
}

// WaveformExtractor 计算波形摘要
type WaveformExtractor interface {
	Extract(ctx context.Context, wav []byte) (*vo.WaveformSummary, error)
}

// MixInput 混音输入
type MixInput struct {
	Name string
	Data []byte
}

// TrackMixer 多分轨等权混音
type TrackMixer interface {
	Mix(ctx context.Context, stems []MixInput) ([]byte, error)
}

// JobQueue 入队与统计
type JobQueue interface {
	Enqueue(ctx context.Context, queue vo.QueueName, payload interface{}, opts *vo.JobOptions) (string, error)
	Stats(ctx context.Context) ([]vo.QueueStats, error)
}
