package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"

	kafka "github.com/segmentio/kafka-go"
)

// ErrClientClosed Kafka 未启用或尚未打开
var ErrClientClosed = errors.New("kafka client not opened")

type Client struct {
	brokers  []string
	clientID string
	dialer   *kafka.Dialer
	opened   bool
	writers  sync.Map // topic -> *kafka.Writer
}

var (
	once      sync.Once
	singleton *Client
)

func DefaultClient() *Client {
	once.Do(func() {
		singleton = &Client{}
	})
	return singleton
}

func (c *Client) MustOpen() {
	cfg := config.GetGlobalConfig()
	if cfg == nil {
		panic("global config not initialized before Kafka client")
	}
	if !cfg.Kafka.Enabled {
		logger.Infof("Kafka disabled, producer and consumers are inactive")
		return
	}
	c.brokers = cfg.Kafka.BootstrapServers
	c.clientID = cfg.Kafka.ClientID
	c.dialer = &kafka.Dialer{
		Timeout:  10 * time.Second,
		ClientID: c.clientID,
	}
	c.opened = true
	for _, topic := range []string{cfg.Kafka.Topics.Uploads, cfg.Kafka.Topics.JobEvents, cfg.Kafka.Topics.QuotaWarnings} {
		if topic == "" {
			continue
		}
		if err := c.EnsureTopic(topic, 1, 1); err != nil {
			logger.Warnf("Kafka ensure topic failed topic=%s error=%v", topic, err)
		}
	}
	logger.Infof("Kafka client opened brokers=%v client_id=%s", c.brokers, c.clientID)
}

// Opened 是否已连接
func (c *Client) Opened() bool { return c.opened }

func (c *Client) Close() {
	c.writers.Range(func(key, value interface{}) bool {
		if w, ok := value.(*kafka.Writer); ok {
			_ = w.Close()
		}
		return true
	})
	c.opened = false
}

func (c *Client) Writer(topic string) *kafka.Writer {
	if v, ok := c.writers.Load(topic); ok {
		return v.(*kafka.Writer)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(c.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	actual, _ := c.writers.LoadOrStore(topic, w)
	return actual.(*kafka.Writer)
}

func (c *Client) Produce(ctx context.Context, topic string, key, value []byte) error {
	if !c.opened {
		return ErrClientClosed
	}
	w := c.Writer(topic)
	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}
	return w.WriteMessages(ctx, msg)
}

// ProduceJSON 序列化后发送，key 决定分区
func (c *Client) ProduceJSON(ctx context.Context, topic, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Produce(ctx, topic, []byte(key), body)
}

func (c *Client) Reader(topic, groupID string) *kafka.Reader {
	logger.Infof("Kafka reader created topic=%s group=%s brokers=%v", topic, groupID, c.brokers)
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     groupID,
		Topic:       topic,
		Dialer:      c.dialer,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		ErrorLogger: kafka.LoggerFunc(logger.Printf),
	})
}

// EnsureTopic creates the topic if it does not exist.
func (c *Client) EnsureTopic(topic string, numPartitions, replicationFactor int) error {
	if len(c.brokers) == 0 {
		return nil
	}
	conn, err := c.dialer.Dial("tcp", c.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer cc.Close()
	return cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: replicationFactor,
	})
}
