package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/services"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// KafkaJournal 把群组事件写入 Kafka, 以群组 id 为 key, 同一群组的事件落在同一分区
type KafkaJournal struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logger.Logger
}

var _ services.Journal = (*KafkaJournal)(nil)

func NewKafkaJournal(cfg *config.KafkaConfig, log *logger.Logger) (*KafkaJournal, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("启动 Sarama 生产者失败: %w", err)
	}
	return NewKafkaJournalWithProducer(producer, cfg.Topic, log), nil
}

func NewKafkaJournalWithProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *KafkaJournal {
	return &KafkaJournal{
		producer: producer,
		topic:    topic,
		logger:   log.Named("journal"),
	}
}

func (k *KafkaJournal) Record(ctx context.Context, event services.GroupEvent) error {
	bytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.GroupID),
		Value: sarama.ByteEncoder(bytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(event.Type)},
			{Key: []byte("trace_id"), Value: []byte(logger.GetTraceID(ctx))},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送事件到 kafka 失败: %w", err)
	}

	k.logger.DebugContext(ctx, "event stored",
		zap.String("topic", k.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("type", event.Type),
	)
	return nil
}

func (k *KafkaJournal) Close() error {
	return k.producer.Close()
}
