package cqe

import (
	"errors"

	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

var errStemFileRequired = errors.New("stemFileUrl is required")

// ConvertTrackReq 新上传音轨转换请求
type ConvertTrackReq struct {
	TrackID string `uri:"id" json:"trackId"`
}

func (req *ConvertTrackReq) Validate() error {
	if req.TrackID == "" {
		return errno.ErrTrackIDRequired
	}
	return nil
}

// AudioFileReq 按需获取 WAV/FLAC，StemID 为空时取整轨
type AudioFileReq struct {
	TrackID string `uri:"id"`
	StemID  string `uri:"stemId"`
	Format  string `uri:"format"`

	format vo.AudioFormat
}

func (req *AudioFileReq) Validate() error {
	if req.TrackID == "" {
		return errno.ErrTrackIDRequired
	}
	f, ok := vo.ParseAudioFormat(req.Format)
	if !ok || !f.IsOnDemand() {
		return errno.ErrUnsupportedFormat
	}
	req.format = f
	return nil
}

// AudioFormat Validate 之后可用
func (req *AudioFileReq) AudioFormat() vo.AudioFormat {
	if req.format == "" {
		f, _ := vo.ParseAudioFormat(req.Format)
		return f
	}
	return req.format
}

// Target 整轨或分轨
func (req *AudioFileReq) Target() vo.RenditionTarget {
	if req.StemID != "" {
		return vo.TargetStem
	}
	return vo.TargetFull
}

// ProcessStemReq 分轨文件替换请求
type ProcessStemReq struct {
	StemID       string `uri:"id" json:"stemId"`
	StemFileURL  string `json:"stemFileUrl" binding:"required"`
	StemFileName string `json:"stemFileName"`
	TrackID      string `json:"trackId"`
	UserID       string `json:"userId"`
}

func (req *ProcessStemReq) Validate() error {
	if req.StemID == "" {
		return errno.ErrStemIDRequired
	}
	if req.StemFileURL == "" {
		return errno.NewBizError(errno.ErrInvalidParam, errStemFileRequired)
	}
	return nil
}

// RegenerateTrackReq 手动触发重新混音
type RegenerateTrackReq struct {
	TrackID       string `uri:"id" json:"trackId"`
	Reason        string `json:"reason"`
	UpdatedStemID string `json:"updatedStemId"`
}

func (req *RegenerateTrackReq) Validate() error {
	if req.TrackID == "" {
		return errno.ErrTrackIDRequired
	}
	if req.Reason == "" {
		req.Reason = vo.RegenerationReasonManual
	}
	return nil
}

// DeleteTracksReq 批量删除音轨
type DeleteTracksReq struct {
	TrackIDs []string `json:"trackIds" binding:"required"`
}

func (req *DeleteTracksReq) Validate() error {
	if len(req.TrackIDs) == 0 {
		return errno.ErrTrackIDRequired
	}
	for _, id := range req.TrackIDs {
		if id == "" {
			return errno.ErrTrackIDRequired
		}
	}
	return nil
}
