package relay

import (
	"context"

	sarama "github.com/IBM/sarama"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
)

// DefaultKafkaTopic is the journal topic.
const DefaultKafkaTopic = "todolock-events"

// KafkaSink appends every event to a Kafka topic, keyed by item id so one
// item's events stay in one partition and in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	owned    sarama.Client
}

// NewKafkaSink connects a SyncProducer to brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s := NewKafkaSinkFromProducer(producer, topic)
	s.owned = client
	return s, nil
}

// NewKafkaSinkFromProducer wraps an existing producer. An empty topic means
// DefaultKafkaTopic.
func NewKafkaSinkFromProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaSink{producer: p, topic: topic}
}

// Name implements broadcast.Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Forward implements broadcast.Sink.
func (s *KafkaSink) Forward(_ context.Context, ev broadcast.ChangeEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.ItemID),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Close closes the producer and, if NewKafkaSink created it, the client.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	if s.owned != nil {
		if cerr := s.owned.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
