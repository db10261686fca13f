package http

import (
	"sync"

	"github.com/gin-gonic/gin"

	"audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/application/cqe"
	"audio-pipeline/pkg/assert"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
	"audio-pipeline/pkg/restapi"
)

var (
	pipelineControllerOnce      sync.Once
	singletonPipelineController PipelineController
)

func init() {
	manager.RegisterControllerPlugin(&PipelineControllerPlugin{})
}

type PipelineControllerPlugin struct {
}

func (p *PipelineControllerPlugin) Name() string {
	return "pipelineControllerPlugin"
}

func (p *PipelineControllerPlugin) MustCreateController(deps *manager.Dependencies) manager.Controller {
	assert.NotCircular()
	pipelineControllerOnce.Do(func() {
		pipelineApp, ok := deps.PipelineApp.(app.PipelineApp)
		if !ok {
			panic("pipeline controller requires app.PipelineApp")
		}
		singletonPipelineController = NewPipelineController(pipelineApp)
	})
	assert.NotNil(singletonPipelineController)
	return singletonPipelineController
}

// PipelineController 流水线管理接口
type PipelineController interface {
	manager.Controller
}

type pipelineControllerImpl struct {
	pipelineApp app.PipelineApp
}

// NewPipelineController 创建控制器
func NewPipelineController(pipelineApp app.PipelineApp) PipelineController {
	assert.NotNil(pipelineApp)
	return &pipelineControllerImpl{pipelineApp: pipelineApp}
}

func (c *pipelineControllerImpl) RegisterRoutes(group *gin.RouterGroup) {
	tracks := group.Group("/tracks")
	tracks.POST("/deletions", c.DeleteTracks)
	tracks.POST("/:id/convert", c.ConvertTrack)
	tracks.POST("/:id/regenerate", c.RegenerateTrack)
	tracks.GET("/:id/audio-files/:format", c.RequestAudioFile)
	tracks.GET("/:id/stems/:stemId/audio-files/:format", c.RequestAudioFile)

	group.POST("/stems/:id/process", c.ProcessStem)
	group.POST("/cleanup", c.Cleanup)
	group.GET("/queues/stats", c.QueueStats)
}

// ConvertTrack 新上传音轨入队
func (c *pipelineControllerImpl) ConvertTrack(ctx *gin.Context) {
	var req cqe.ConvertTrackReq
	if err := ctx.ShouldBindUri(&req); err != nil {
		restapi.Failed(ctx, errno.NewBizError(errno.ErrInvalidParam, err))
		return
	}
	job, err := c.pipelineApp.EnqueueTrackConversion(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, job)
}

// RequestAudioFile 已生成则返回地址，否则触发按需转换
func (c *pipelineControllerImpl) RequestAudioFile(ctx *gin.Context) {
	var req cqe.AudioFileReq
	if err := ctx.ShouldBindUri(&req); err != nil {
		restapi.Failed(ctx, errno.NewBizError(errno.ErrInvalidParam, err))
		return
	}
	out, err := c.pipelineApp.RequestAudioFile(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, out)
}

// ProcessStem 分轨文件替换入队
func (c *pipelineControllerImpl) ProcessStem(ctx *gin.Context) {
	var req cqe.ProcessStemReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		restapi.Failed(ctx, errno.NewBizError(errno.ErrInvalidParam, err))
		return
	}
	req.StemID = ctx.Param("id")
	job, err := c.pipelineApp.EnqueueStemProcessing(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, job)
}

// RegenerateTrack 手动重新混音，请求体可为空
func (c *pipelineControllerImpl) RegenerateTrack(ctx *gin.Context) {
	var req cqe.RegenerateTrackReq
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			restapi.Failed(ctx, errno.NewBizError(errno.ErrInvalidParam, err))
			return
		}
	}
	req.TrackID = ctx.Param("id")
	job, err := c.pipelineApp.EnqueueTrackRegeneration(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, job)
}

// DeleteTracks 批量删除
func (c *pipelineControllerImpl) DeleteTracks(ctx *gin.Context) {
	var req cqe.DeleteTracksReq
	if err := ctx.ShouldBindJSON(&req); err != nil {
		restapi.Failed(ctx, errno.NewBizError(errno.ErrInvalidParam, err))
		return
	}
	job, err := c.pipelineApp.DeleteTracks(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	logger.Info("Track deletion requested", map[string]interface{}{
		"request_id": ctx.GetString("request_id"),
		"operator":   ctx.GetString("operator"),
		"track_ids":  req.TrackIDs,
	})
	restapi.Success(ctx, job)
}

// Cleanup 立即触发一次回收
func (c *pipelineControllerImpl) Cleanup(ctx *gin.Context) {
	job, err := c.pipelineApp.EnqueueCleanup(ctx.Request.Context(), "")
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, job)
}

// QueueStats 各队列统计
func (c *pipelineControllerImpl) QueueStats(ctx *gin.Context) {
	stats, err := c.pipelineApp.QueueStats(ctx.Request.Context())
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, stats)
}
