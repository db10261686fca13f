package http

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/application/dto"
	"audio-pipeline/pkg/assert"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/manager"
	"audio-pipeline/pkg/registry"
	"audio-pipeline/pkg/restapi"
)

var (
	workerControllerOnce      sync.Once
	singletonWorkerController *WorkerController
)

func init() {
	manager.RegisterControllerPlugin(&WorkerControllerPlugin{})
}

type WorkerControllerPlugin struct {
}

func (p *WorkerControllerPlugin) Name() string {
	return "workerControllerPlugin"
}

func (p *WorkerControllerPlugin) MustCreateController(deps *manager.Dependencies) manager.Controller {
	assert.NotCircular()
	workerControllerOnce.Do(func() {
		cfg := deps.Config
		if cfg == nil {
			cfg = config.GetGlobalConfig()
		}
		singletonWorkerController = NewWorkerController(app.NewWorkerApp(workerDirectory(cfg)))
	})
	assert.NotNil(singletonWorkerController)
	return singletonWorkerController
}

// workerDirectory 启用注册中心时查询 etcd，否则只返回本进程
func workerDirectory(cfg *config.Config) registry.Directory {
	if cfg.ServiceRegistry.Enabled {
		regCfg, _ := registry.ConfigsFrom(cfg)
		return registry.NewEtcdDirectory(regCfg, cfg.ServiceRegistry.ServiceName)
	}
	host, _ := os.Hostname()
	return registry.StaticDirectory{{
		WorkerID:     cfg.Worker.WorkerID,
		Address:      host + ":" + strconv.Itoa(cfg.Server.Port),
		Queues:       cfg.Worker.Concurrency,
		StartedAt:    time.Now(),
		QueueBackend: cfg.Queue.Backend,
	}}
}

// WorkerController Worker控制器
type WorkerController struct {
	workerApp app.WorkerApp
}

// NewWorkerController 创建Worker控制器
func NewWorkerController(workerApp app.WorkerApp) *WorkerController {
	return &WorkerController{
		workerApp: workerApp,
	}
}

func (c *WorkerController) RegisterRoutes(group *gin.RouterGroup) {
	workers := group.Group("/workers")
	workers.GET("", c.ListWorkers)
	workers.GET("/:worker_id", c.GetWorker)
}

// GetWorker 获取Worker详情
func (c *WorkerController) GetWorker(ctx *gin.Context) {
	resp, err := c.workerApp.GetWorker(ctx.Request.Context(), ctx.Param("worker_id"))
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, resp)
}

// ListWorkers 获取Worker列表
func (c *WorkerController) ListWorkers(ctx *gin.Context) {
	req := dto.ListWorkersRequest{
		Queue: ctx.Query("queue"),
	}
	// 解析分页参数
	req.Limit, _ = strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	req.Offset, _ = strconv.Atoi(ctx.DefaultQuery("offset", "0"))

	resp, err := c.workerApp.ListWorkers(ctx.Request.Context(), &req)
	if err != nil {
		restapi.Failed(ctx, err)
		return
	}
	restapi.Success(ctx, resp)
}
