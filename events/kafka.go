// Package events publishes dues lifecycle events outside the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/warp/dues-engine/dues"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	RequiredAcks string // none | leader | all
	RetryMax     int
}

// KafkaSink publishes every dues.Event as JSON, keyed by member id so all
// events of one member land on the same partition in order.
//
// Publishing never fails the lifecycle operation that produced the event;
// delivery errors are logged.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaSink connects a synchronous producer to cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers must be specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic must be specified")
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

func (k *KafkaSink) Publish(_ context.Context, ev dues.Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("Failed to encode dues event", zap.String("due_id", string(ev.DueID)), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.MemberID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.logger.Error("Failed to produce dues event to Kafka",
			zap.String("topic", k.topic),
			zap.String("event_type", string(ev.Type)),
			zap.String("due_id", string(ev.DueID)),
			zap.Error(err),
		)
		return
	}
	k.logger.Debug("Dues event sent to Kafka",
		zap.String("topic", k.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

func saramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	acks, err := parseRequiredAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	sc.Producer.RequiredAcks = acks
	if cfg.RetryMax > 0 {
		sc.Producer.Retry.Max = cfg.RetryMax
	}
	// Required by SyncProducer.
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc, nil
}

func parseRequiredAcks(v string) (sarama.RequiredAcks, error) {
	switch strings.ToLower(v) {
	case "none", "no_response":
		return sarama.NoResponse, nil
	case "", "leader", "local", "wait_for_local", "1":
		return sarama.WaitForLocal, nil
	case "all", "wait_for_all", "-1":
		return sarama.WaitForAll, nil
	default:
		return sarama.WaitForAll, fmt.Errorf("invalid kafka required_acks: %s", v)
	}
}
