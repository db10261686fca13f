package service

import (
	"bytes"
	"errors"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"audio-pipeline/pkg/errno"
)

// WavInfo WAV 头信息
type WavInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// ProbeWav 读取 WAV 头
func ProbeWav(data []byte) (*WavInfo, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errno.NewConversionError("probe", "input is not a valid WAV file")
	}
	return &WavInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}

// WavDuration 按 PCM 数据块长度计算时长（秒），不解码样本
func WavDuration(data []byte) (float64, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errno.NewConversionError("probe", "input is not a valid WAV file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, &errno.ConversionError{Op: "probe", Reason: "locate pcm chunk", Err: err}
	}
	frame := int(dec.NumChans) * int(dec.BitDepth) / 8
	if frame <= 0 || dec.SampleRate == 0 {
		return 0, errno.NewConversionError("probe", "invalid WAV layout")
	}
	return float64(dec.PCMSize/frame) / float64(dec.SampleRate), nil
}

// DecodeWav 解码全部 PCM 样本
func DecodeWav(data []byte) (*audio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errno.NewConversionError("decode", "input is not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &errno.ConversionError{Op: "decode", Reason: "read pcm data", Err: err}
	}
	if buf.Format == nil {
		buf.Format = &audio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)}
	}
	buf.SourceBitDepth = int(dec.BitDepth)
	return buf, nil
}

// EncodeWav16 编码为 16-bit PCM WAV
func EncodeWav16(buf *audio.IntBuffer) ([]byte, error) {
	if buf == nil || buf.Format == nil {
		return nil, errors.New("encode wav: missing format")
	}
	out := &memWriteSeeker{}
	enc := wav.NewEncoder(out, buf.Format.SampleRate, 16, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// memWriteSeeker 内存中的 io.WriteSeeker，供 WAV 编码器回写头部长度
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, end*2)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memWriteSeeker: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("memWriteSeeker: negative position")
	}
	m.pos = int(next)
	return next, nil
}

func (m *memWriteSeeker) Bytes() []byte { return m.buf }
