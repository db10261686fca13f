package resource

import (
	"audio-pipeline/pkg/kafka"
	"audio-pipeline/pkg/manager"
)

// KafkaResource 共享的 Kafka 客户端，未启用时 MustOpen 只记录日志
type KafkaResource struct{}

type KafkaResourcePlugin struct{}

func (p *KafkaResourcePlugin) Name() string { return "kafka" }

func (p *KafkaResourcePlugin) MustCreateResource() manager.Resource { return &KafkaResource{} }

func (r *KafkaResource) MustOpen() { kafka.DefaultClient().MustOpen() }

func (r *KafkaResource) Close() { kafka.DefaultClient().Close() }
