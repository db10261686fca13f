package service

import (
	"bytes"
	"context"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

const (
	// DefaultSamplesPerPeak 每个峰值对覆盖的样本数
	DefaultSamplesPerPeak = 1000
	waveformChunkSamples  = 8192
)

// WaveformExtractor 流式解码 16-bit PCM 并生成峰值对
type WaveformExtractor struct {
	samplesPerPeak int
}

// NewWaveformExtractor 创建波形提取器，非正数使用默认块大小
func NewWaveformExtractor(samplesPerPeak int) *WaveformExtractor {
	if samplesPerPeak <= 0 {
		samplesPerPeak = DefaultSamplesPerPeak
	}
	return &WaveformExtractor{samplesPerPeak: samplesPerPeak}
}

// SamplesPerPeak 当前块大小
func (e *WaveformExtractor) SamplesPerPeak() int { return e.samplesPerPeak }

// Extract 多声道按交错的原始样本计算峰值，块边界不要求与声道对齐
func (e *WaveformExtractor) Extract(ctx context.Context, data []byte) (*vo.WaveformSummary, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errno.NewConversionError("waveform", "input is not a valid WAV file")
	}
	if dec.BitDepth != 16 {
		return nil, errno.NewConversionError("waveform", "expected 16-bit PCM, got %d-bit", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	sampleRate := int(dec.SampleRate)
	if channels <= 0 || sampleRate <= 0 {
		return nil, errno.NewConversionError("waveform", "invalid layout: %d channels at %d Hz", channels, sampleRate)
	}

	acc := newPeakAccumulator(e.samplesPerPeak)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, waveformChunkSamples),
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.PCMBuffer(buf)
		for _, s := range buf.Data[:n] {
			acc.add(float64(s) / 32768.0)
		}
		total += int64(n)
		if err != nil && err != io.EOF {
			return nil, &errno.ConversionError{Op: "waveform", Reason: "decode pcm", Err: err}
		}
		if n == 0 || err == io.EOF {
			break
		}
	}
	acc.flush()

	return &vo.WaveformSummary{
		Peaks:          acc.peaks,
		SamplesPerPeak: e.samplesPerPeak,
		Duration:       float64(total) / float64(channels) / float64(sampleRate),
	}, nil
}

type peakAccumulator struct {
	block int
	count int
	max   float64
	min   float64
	peaks []float64
}

func newPeakAccumulator(block int) *peakAccumulator {
	a := &peakAccumulator{block: block, peaks: make([]float64, 0)}
	a.reset()
	return a
}

func (a *peakAccumulator) reset() {
	a.count = 0
	a.max = math.Inf(-1)
	a.min = math.Inf(1)
}

func (a *peakAccumulator) add(v float64) {
	if v > a.max {
		a.max = v
	}
	if v < a.min {
		a.min = v
	}
	a.count++
	if a.count == a.block {
		a.flush()
	}
}

// flush 空块不输出
func (a *peakAccumulator) flush() {
	if a.count == 0 {
		return
	}
	a.peaks = append(a.peaks, a.max, a.min)
	a.reset()
}
