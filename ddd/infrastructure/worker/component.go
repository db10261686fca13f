package worker

import (
	"fmt"

	"audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/domain/gateway"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/infrastructure/event"
	"audio-pipeline/ddd/infrastructure/executor"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/ddd/infrastructure/storage"
	"audio-pipeline/internal/resource"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/kafka"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
	"audio-pipeline/pkg/task"
)

// ComponentName 组件名，按角色启用时使用
const ComponentName = "pipelineWorker"

func init() {
	manager.RegisterComponentPlugin(&PipelineWorkerComponentPlugin{})
}

// PipelineWorkerComponentPlugin 负责启动六个队列的消费协程
type PipelineWorkerComponentPlugin struct{}

func (p *PipelineWorkerComponentPlugin) Name() string {
	return ComponentName
}

func (p *PipelineWorkerComponentPlugin) MustCreateComponent(deps *manager.Dependencies) manager.Component {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.GetGlobalConfig()
	}
	store, ok := deps.Store.(repo.Store)
	if !ok {
		panic("pipeline worker requires a repo.Store dependency")
	}
	jobs, ok := deps.JobQueue.(*queue.Manager)
	if !ok {
		panic("pipeline worker requires a *queue.Manager dependency")
	}

	storageGateway := storage.NewGateway(
		storage.NewMinioObjectStore(resource.DefaultMinioResource()),
		cfg.Storage,
		cfg.Public.StorageBase,
	)
	converter := executor.NewAudioConverter(
		executor.NewProcessRunner(cfg.Tools.StderrTailLines, cfg.Tools.Timeout),
		cfg.Tools,
		cfg.Audio,
	)

	var (
		notifier  gateway.QuotaNotifier = event.LogQuotaNotifier{}
		publisher *event.JobEventPublisher
	)
	if client := kafka.DefaultClient(); client.Opened() {
		notifier = event.NewQuotaNotifier(client, cfg.Kafka.Topics.QuotaWarnings)
		publisher = event.NewJobEventPublisher(client, cfg.Kafka.Topics.JobEvents)
	}

	workers := app.NewPipelineWorkers(app.PipelineDeps{
		Store:     store,
		Storage:   storageGateway,
		Converter: converter,
		Waveform:  service.NewWaveformExtractor(cfg.Audio.SamplesPerPeak),
		Mixer:     service.NewTrackMixer(),
		Quota:     service.NewQuotaAccountant(),
		Notifier:  notifier,
		Queue:     jobs,
		Audio:     cfg.Audio,
		Cleanup:   cfg.Cleanup,
	})

	return &pipelineWorkerComponent{
		name:        ComponentName,
		workerID:    cfg.Worker.WorkerID,
		jobs:        jobs,
		workers:     workers,
		publisher:   publisher,
		concurrency: cfg.Worker.Concurrency,
		tools:       converter.ToolPaths(),
	}
}

type pipelineWorkerComponent struct {
	name        string
	workerID    string
	jobs        *queue.Manager
	workers     *app.PipelineWorkers
	publisher   *event.JobEventPublisher
	concurrency map[string]int
	tools       map[string]string
}

func (c *pipelineWorkerComponent) Start() error {
	if c.workers == nil || c.jobs == nil {
		return fmt.Errorf("pipeline worker not initialized")
	}
	for _, st := range executor.CheckTools(c.tools) {
		if !st.Found {
			logger.Warnf("External tool not found name=%s path=%s, jobs needing it will fail", st.Name, st.Path)
		}
	}

	c.workers.Register(c.jobs, c.concurrency)
	if c.publisher != nil {
		c.publisher.Start()
		c.jobs.Subscribe(c.publisher.Listen)
	}
	c.jobs.Subscribe(logEvent)

	// 队列协程随后台任务统一启动和停止
	task.Register(&task.Func{TaskName: c.name, StartFunc: c.jobs.Start, StopFunc: c.jobs.Stop})
	logger.Infof("Pipeline worker component registered background tasks name=%s worker_id=%s", c.name, c.workerID)
	return nil
}

func (c *pipelineWorkerComponent) Stop() error {
	if err := c.jobs.Stop(); err != nil {
		logger.Warnf("Stop job queue failed error=%v", err)
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
	logger.Infof("Pipeline worker component stopped name=%s", c.name)
	return nil
}

func (c *pipelineWorkerComponent) GetName() string {
	return c.name
}

// logEvent 记录重试与最终失败
func logEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventRetrying:
		logger.Warn("Job will be retried", map[string]interface{}{
			"queue":   ev.Queue,
			"job_id":  ev.JobID,
			"attempt": ev.Attempt,
			"error":   ev.Error,
		})
	case queue.EventFailed:
		logger.Error("Job failed permanently", map[string]interface{}{
			"queue":   ev.Queue,
			"job_id":  ev.JobID,
			"attempt": ev.Attempt,
			"error":   ev.Error,
		})
	}
}
