package service

import (
	"context"
	"fmt"

	"github.com/go-audio/audio"

	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

// TrackMixer 等权平均混音，输出长度取最长分轨，较短分轨末尾视为静音
type TrackMixer struct{}

// NewTrackMixer 创建混音器
func NewTrackMixer() *TrackMixer {
	return &TrackMixer{}
}

// Mix 所有输入必须是相同采样率与声道数的 16-bit WAV，布局不一致需由调用方先行归一化
func (m *TrackMixer) Mix(ctx context.Context, stems []port.MixInput) ([]byte, error) {
	if len(stems) == 0 {
		return nil, &errno.MixError{Reason: "no stems to mix"}
	}

	decoded := make([]*audio.IntBuffer, 0, len(stems))
	var layout *audio.Format
	longest := 0
	for _, s := range stems {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := DecodeWav(s.Data)
		if err != nil {
			return nil, fmt.Errorf("decode stem %q: %w", s.Name, err)
		}
		if buf.SourceBitDepth != 16 {
			return nil, &errno.MixError{Reason: fmt.Sprintf("stem %q is %d-bit, want 16-bit", s.Name, buf.SourceBitDepth)}
		}
		if layout == nil {
			layout = buf.Format
		} else if buf.Format.SampleRate != layout.SampleRate || buf.Format.NumChannels != layout.NumChannels {
			return nil, &errno.MixError{Reason: fmt.Sprintf(
				"stem %q layout %d Hz/%d ch differs from %d Hz/%d ch",
				s.Name, buf.Format.SampleRate, buf.Format.NumChannels, layout.SampleRate, layout.NumChannels)}
		}
		if len(buf.Data) > longest {
			longest = len(buf.Data)
		}
		decoded = append(decoded, buf)
	}

	sum := make([]int, longest)
	for _, buf := range decoded {
		for i, v := range buf.Data {
			sum[i] += v
		}
	}
	n := len(decoded)
	for i, v := range sum {
		sum[i] = clampInt16(v / n)
	}

	logger.Debugf("mixed %d stems into %d samples at %d Hz", n, longest, layout.SampleRate)
	return EncodeWav16(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: layout.NumChannels, SampleRate: layout.SampleRate},
		Data:           sum,
		SourceBitDepth: 16,
	})
}

func clampInt16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
