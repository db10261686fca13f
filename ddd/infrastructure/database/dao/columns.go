package dao

import (
	"fmt"

	"audio-pipeline/ddd/domain/vo"
)

// renditionColumn 产物列名，如 wav_status
func renditionColumn(format vo.AudioFormat, field string) (string, error) {
	switch format {
	case vo.FormatMP3, vo.FormatWAV, vo.FormatFLAC:
		return string(format) + "_" + field, nil
	default:
		return "", fmt.Errorf("unsupported rendition format %q", format)
	}
}

// 可能引用对象存储文件的列
var (
	trackURLColumns = []string{"original_url", "mp3_url", "wav_url", "flac_url"}
	stemURLColumns  = []string{"source_url", "mp3_url", "wav_url", "flac_url"}
)
