package vo

import (
	"encoding/json"
	"errors"
)

// WaveformSummary 波形摘要，Peaks 按 (max, min) 交替排列，取值 [-1, 1]
type WaveformSummary struct {
	Peaks          []float64 `json:"peaks"`
	SamplesPerPeak int       `json:"samples_per_peak"`
	Duration       float64   `json:"duration"`
}

// PairCount 峰值对数量
func (w *WaveformSummary) PairCount() int {
	if w == nil {
		return 0
	}
	return len(w.Peaks) / 2
}

// ToJSON 序列化为持久化格式
func (w *WaveformSummary) ToJSON() ([]byte, error) {
	if w == nil {
		return nil, nil
	}
	return json.Marshal(w)
}

// WaveformFromJSON 反序列化，空值返回 nil
func WaveformFromJSON(data []byte) (*WaveformSummary, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var w WaveformSummary
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if len(w.Peaks)%2 != 0 {
		return nil, errors.New("waveform peaks must come in (max, min) pairs")
	}
	return &w, nil
}
