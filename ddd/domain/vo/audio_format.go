package vo

import (
	"path/filepath"
	"strings"
)

// AudioFormat 音频格式
type AudioFormat string

const (
	FormatWAV  AudioFormat = "wav"
	FormatMP3  AudioFormat = "mp3"
	FormatFLAC AudioFormat = "flac"
	FormatXM   AudioFormat = "xm"
	FormatIT   AudioFormat = "it"
	FormatMOD  AudioFormat = "mod"
	// FormatOther 其他可由通用转码器解码的格式
	FormatOther AudioFormat = "other"
)

// ParseAudioFormat 解析格式名，大小写与前导点不敏感
func ParseAudioFormat(s string) (AudioFormat, bool) {
	f := AudioFormat(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	switch f {
	case FormatWAV, FormatMP3, FormatFLAC, FormatXM, FormatIT, FormatMOD:
		return f, true
	default:
		return FormatOther, false
	}
}

// FormatFromFilename 按扩展名识别格式，无法识别时返回 FormatOther
func FormatFromFilename(name string) AudioFormat {
	f, _ := ParseAudioFormat(filepath.Ext(name))
	return f
}

// String 返回格式字符串
func (f AudioFormat) String() string { return string(f) }

// IsModule 是否为 tracker 模块格式
func (f AudioFormat) IsModule() bool {
	return f == FormatXM || f == FormatIT || f == FormatMOD
}

// IsLossless WAV 与 FLAC
func (f AudioFormat) IsLossless() bool {
	return f == FormatWAV || f == FormatFLAC
}

// IsOnDemand 可按需生成并会被清理的派生格式
func (f AudioFormat) IsOnDemand() bool {
	return f.IsLossless()
}

// Extension 带点的扩展名
func (f AudioFormat) Extension() string {
	if f == FormatOther || f == "" {
		return ".bin"
	}
	return "." + string(f)
}

// ContentType 对象存储使用的 MIME 类型
func (f AudioFormat) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatFLAC:
		return "audio/flac"
	case FormatXM:
		return "audio/xm"
	case FormatIT:
		return "audio/it"
	case FormatMOD:
		return "audio/mod"
	default:
		return "application/octet-stream"
	}
}

// Sibling 另一种无损格式
func (f AudioFormat) Sibling() AudioFormat {
	switch f {
	case FormatWAV:
		return FormatFLAC
	case FormatFLAC:
		return FormatWAV
	default:
		return ""
	}
}
