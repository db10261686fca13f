package component

import (
	"context"
	"fmt"
	"time"

	appsvc "audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
	"audio-pipeline/pkg/task"
)

// CleanupSchedulerName 组件名
const CleanupSchedulerName = "cleanupScheduler"

func init() {
	manager.RegisterComponentPlugin(&CleanupSchedulerPlugin{})
}

type CleanupSchedulerPlugin struct{}

func (p *CleanupSchedulerPlugin) Name() string { return CleanupSchedulerName }

func (p *CleanupSchedulerPlugin) MustCreateComponent(deps *manager.Dependencies) manager.Component {
	app, ok := deps.PipelineApp.(appsvc.PipelineApp)
	if !ok {
		panic("cleanup scheduler requires app.PipelineApp")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.GetGlobalConfig()
	}
	return newCleanupScheduler(app, cfg.Cleanup)
}

// cleanupScheduler 按周期入队回收任务，任务 ID 按周期取整，多个实例同一周期只入队一次
type cleanupScheduler struct {
	app     appsvc.PipelineApp
	cfg     config.CleanupConfig
	now     func() time.Time
	stopped chan struct{}
	cancel  context.CancelFunc
}

func newCleanupScheduler(app appsvc.PipelineApp, cfg config.CleanupConfig) *cleanupScheduler {
	return &cleanupScheduler{app: app, cfg: cfg, now: time.Now}
}

func (s *cleanupScheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Infof("File cleanup disabled, scheduler inactive")
		return nil
	}
	task.Register(&schedulerTask{s: s})
	return nil
}

// Stop 组件与后台任务共用，可重复调用
func (s *cleanupScheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.stopped
		s.cancel = nil
	}
	return nil
}

func (s *cleanupScheduler) GetName() string { return CleanupSchedulerName }

// jobID 同一周期内相同
func (s *cleanupScheduler) jobID(at time.Time) string {
	if s.cfg.Interval >= 24*time.Hour {
		return fmt.Sprintf("%s:%s", vo.QueueFileCleanup, at.UTC().Format("2006-01-02"))
	}
	slot := at.UTC().Truncate(s.cfg.Interval)
	return fmt.Sprintf("%s:%s", vo.QueueFileCleanup, slot.Format("2006-01-02T15:04"))
}

// tick 入队本周期的回收任务
func (s *cleanupScheduler) tick(ctx context.Context) {
	id := s.jobID(s.now())
	job, err := s.app.EnqueueCleanup(ctx, id)
	if err != nil {
		logger.Warnf("Enqueue scheduled cleanup failed job_id=%s error=%v", id, err)
		return
	}
	logger.Infof("Scheduled cleanup enqueued job_id=%s", job.JobID)
}

// run 启动时先入队一次，之后按周期入队
func (s *cleanupScheduler) run(ctx context.Context) {
	defer close(s.stopped)
	s.tick(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// schedulerTask 以后台任务方式运行调度器
type schedulerTask struct {
	s *cleanupScheduler
}

func (t *schedulerTask) Name() string { return CleanupSchedulerName }

func (t *schedulerTask) Start(ctx context.Context) error {
	if t.s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.s.cancel = cancel
	t.s.stopped = make(chan struct{})
	go t.s.run(runCtx)
	logger.Infof("Cleanup scheduler started interval=%s retention=%s", t.s.cfg.Interval, t.s.cfg.Retention)
	return nil
}

func (t *schedulerTask) Stop() error { return t.s.Stop() }
