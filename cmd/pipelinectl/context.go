package main

import (
	"errors"
	"fmt"
	"os"

	pipelineapp "audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/infrastructure/database/persistence"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/internal/resource"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"
)

const defaultConfigPath = "configs/config.dev.yaml"

// commandContext 命令间共享的配置与懒加载连接
type commandContext struct {
	configFlag *string
	cfg        *config.Config
	jobs       *queue.Manager
	app        pipelineapp.PipelineApp
	closers    []func()
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig 未指定且默认文件不存在时使用内置默认值
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	// 命令行只输出警告以上的日志
	cfg.Log.Level = "warn"
	cfg.Log.Output = "stderr"
	config.SetGlobalConfig(cfg)
	logger.SetGlobalLogger(logger.NewLogger(cfg))
	c.cfg = cfg
	return cfg, nil
}

// pipelineApp 打开 MySQL 与 Redis 后构造入队门面
func (c *commandContext) pipelineApp() (pipelineapp.PipelineApp, error) {
	if c.app != nil {
		return c.app, nil
	}
	jobs, err := c.jobQueue()
	if err != nil {
		return nil, err
	}
	mysql := resource.DefaultMySqlResource()
	if err := mustOpen(mysql.MustOpen); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, mysql.Close)
	c.app = pipelineapp.NewPipelineApp(persistence.NewStore(mysql.MainDB(), c.cfg.Quota.DefaultFreeSeconds), jobs)
	return c.app, nil
}

// jobQueue 只连接 Redis，统计命令不需要数据库
func (c *commandContext) jobQueue() (*queue.Manager, error) {
	if c.jobs != nil {
		return c.jobs, nil
	}
	if c.cfg.Queue.Backend != "redis" {
		return nil, fmt.Errorf("pipelinectl needs the redis queue backend, got %q", c.cfg.Queue.Backend)
	}
	redis := resource.DefaultRedisResource()
	if err := mustOpen(redis.MustOpen); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, redis.Close)
	c.jobs = queue.NewManager(queue.NewRedisBackend(redis.Client(), c.cfg.Queue.KeyPrefix), queue.Options{
		Attempts:    c.cfg.Queue.Attempts,
		BackoffBase: c.cfg.Queue.BackoffBase,
		PollTimeout: c.cfg.Queue.PollTimeout,
	})
	return c.jobs, nil
}

func (c *commandContext) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// mustOpen 资源以 panic 报告连接失败，这里转回错误
func mustOpen(open func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint(r))
		}
	}()
	open()
	return nil
}
