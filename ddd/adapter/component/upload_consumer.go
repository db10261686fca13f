package component

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"

	appsvc "audio-pipeline/ddd/application/app"
	"audio-pipeline/ddd/application/cqe"
	"audio-pipeline/pkg/config"
	pkgkafka "audio-pipeline/pkg/kafka"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
)

// UploadConsumerName 组件名
const UploadConsumerName = "uploadConsumer"

func init() {
	manager.RegisterComponentPlugin(&UploadConsumerPlugin{})
}

var errMalformedUpload = errors.New("malformed upload message")

// UploadMessage 上传服务发出的消息，StemID 非空时为分轨替换
type UploadMessage struct {
	TrackID  string `json:"track_id"`
	StemID   string `json:"stem_id,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

type UploadConsumerPlugin struct{}

func (p *UploadConsumerPlugin) Name() string { return UploadConsumerName }

func (p *UploadConsumerPlugin) MustCreateComponent(deps *manager.Dependencies) manager.Component {
	app, ok := deps.PipelineApp.(appsvc.PipelineApp)
	if !ok {
		panic("upload consumer requires app.PipelineApp")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.GetGlobalConfig()
	}
	return &uploadConsumer{app: app, kafka: cfg.Kafka, retry: defaultUploadRetry}
}

// defaultUploadRetry 处理失败的消息无限重试，退出时由 ctx 中止
func defaultUploadRetry() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	return exp
}

type uploadConsumer struct {
	app    appsvc.PipelineApp
	kafka  config.KafkaConfig
	retry  func() backoff.BackOff
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *uploadConsumer) Start() error {
	client := pkgkafka.DefaultClient()
	if !client.Opened() {
		logger.Infof("Kafka not opened, upload consumer inactive")
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	reader := client.Reader(c.kafka.Topics.Uploads, c.kafka.GroupID)
	go func() {
		defer close(c.done)
		defer reader.Close()
		logger.Infof("Kafka consumer started topic=%s group=%s", c.kafka.Topics.Uploads, c.kafka.GroupID)
		for {
			msg, err := reader.FetchMessage(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					logger.Debug("Kafka reader EOF")
				} else {
					logger.Warnf("Kafka read error error=%s", err.Error())
				}
				continue
			}
			if c.process(c.ctx, msg) {
				if err := reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
					logger.Warnf("Kafka commit failed partition=%d offset=%d error=%v", msg.Partition, msg.Offset, err)
				}
			}
		}
	}()
	return nil
}

// shouldCommit 解码失败与处理失败分别由配置决定是否跳过
func (c *uploadConsumer) shouldCommit(err error, msg kafkago.Message) bool {
	if err == nil {
		return true
	}
	fields := map[string]interface{}{
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"error":     err.Error(),
	}
	if errors.Is(err, errMalformedUpload) {
		logger.Warn("Upload message dropped", fields)
		return c.kafka.CommitOnDecodeError
	}
	logger.Error("Upload message not processed", fields)
	return c.kafka.CommitOnProcessError
}

// process 返回是否提交位点。offset 按分区累积提交，不允许跳过的失败消息
// 在原地按退避重试，不再读取后续消息；退出时不提交，重启后重新投递
func (c *uploadConsumer) process(ctx context.Context, msg kafkago.Message) bool {
	err := c.handle(ctx, msg.Value)
	commit := c.shouldCommit(err, msg)
	if err == nil || commit || errors.Is(err, errMalformedUpload) {
		return commit
	}

	policy := defaultUploadRetry
	if c.retry != nil {
		policy = c.retry
	}
	op := func() error {
		if err := c.handle(ctx, msg.Value); err != nil {
			if errors.Is(err, errMalformedUpload) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("Upload message retry partition=%d offset=%d in %s: %v", msg.Partition, msg.Offset, wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy(), ctx), notify); err != nil {
		return false
	}
	return true
}

// handle 把一条上传消息转为转换或分轨处理任务
func (c *uploadConsumer) handle(ctx context.Context, value []byte) error {
	var m UploadMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return fmt.Errorf("%w: %v", errMalformedUpload, err)
	}
	if m.StemID != "" {
		job, err := c.app.EnqueueStemProcessing(ctx, &cqe.ProcessStemReq{
			StemID:       m.StemID,
			StemFileURL:  m.FileURL,
			StemFileName: m.FileName,
			TrackID:      m.TrackID,
			UserID:       m.UserID,
		})
		if err != nil {
			return err
		}
		logger.Infof("Stem upload enqueued stem_id=%s job_id=%s", m.StemID, job.JobID)
		return nil
	}
	if m.TrackID == "" {
		return fmt.Errorf("%w: track_id is empty", errMalformedUpload)
	}
	job, err := c.app.EnqueueTrackConversion(ctx, &cqe.ConvertTrackReq{TrackID: m.TrackID})
	if err != nil {
		return err
	}
	logger.Infof("Track upload enqueued track_id=%s job_id=%s", m.TrackID, job.JobID)
	return nil
}

func (c *uploadConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

func (c *uploadConsumer) GetName() string { return UploadConsumerName }
