package events

import (
	"context"
	"encoding/json"
	"time"

	"parsnip/internal/common"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventType 作业生命周期事件类型
type EventType string

const (
	EventJobSubmitted    EventType = "job_submitted"
	EventWorkersStarted  EventType = "workers_started"
	EventDeploymentReady EventType = "deployment_ready"
	EventJobFailed       EventType = "job_failed"
	EventJobTerminated   EventType = "job_terminated"
)

// Event 一条作业生命周期事件
type Event struct {
	Type      EventType         `json:"type"`
	JobID     string            `json:"job_id"`
	JobName   string            `json:"job_name"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewPublisher 按配置创建发布器，未配置 broker 时返回空实现
func NewPublisher(cfg common.EventsConfig) Publisher {
	if len(cfg.Brokers) == 0 {
		return NopPublisher{}
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}

// KafkaPublisher 基于 Kafka 的事件发布器
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: common.ComponentLogger("event-publisher"),
	}
}

// Publish 发布一条事件
//
// 事件发布失败只记日志，不影响作业本身。
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.JobID),
		Value: value,
	})
	if err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("job_id", event.JobID),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Event published",
		zap.String("type", string(event.Type)),
		zap.String("job_id", event.JobID))
	return nil
}

// Close 关闭底层 writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher 空实现，事件发布未启用时使用
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
