package notify

import (
	"context"
	"errors"

	"github.com/IBM/sarama"

	"github.com/michaelayoade/dotmac-platform-services-sub023/codec"
)

// Kafka notifier construction errors.
var (
	ErrClientRequired     = errors.New("kafka client required")
	ErrReturnSuccessesOff = errors.New("kafka client must set Producer.Return.Successes = true")
	ErrProducerFailed     = errors.New("failed to create kafka producer")
)

// Kafka publishes lifecycle events to a single Kafka topic.
//
// Messages are keyed by workflow ID so every event for one workflow lands
// in the same partition and is consumed in order. The default topic is
// "workflow-events".
//
// The sarama client must have Producer.Return.Successes enabled:
//
//	config := sarama.NewConfig()
//	config.Producer.Return.Successes = true
//	client, _ := sarama.NewClient(brokers, config)
//	notifier, _ := notify.NewKafka(client)
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	codec    codec.Codec
	onError  func(error)
}

// KafkaOption configures the Kafka notifier.
type KafkaOption func(*Kafka)

// WithTopic sets the destination topic. Default "workflow-events".
func WithTopic(topic string) KafkaOption {
	return func(k *Kafka) {
		if topic != "" {
			k.topic = topic
		}
	}
}

// WithKafkaCodec sets the event payload codec. Default JSON.
func WithKafkaCodec(c codec.Codec) KafkaOption {
	return func(k *Kafka) {
		if c != nil {
			k.codec = c
		}
	}
}

// WithKafkaErrorHandler sets a callback invoked on publish errors.
func WithKafkaErrorHandler(fn func(error)) KafkaOption {
	return func(k *Kafka) {
		if fn != nil {
			k.onError = fn
		}
	}
}

// NewKafka creates a Kafka notifier from an established client.
func NewKafka(client sarama.Client, opts ...KafkaOption) (*Kafka, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if !client.Config().Producer.Return.Successes {
		return nil, ErrReturnSuccessesOff
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}

	k := &Kafka{
		producer: producer,
		topic:    "workflow-events",
		codec:    codec.Default(),
		onError:  func(error) {},
	}

	for _, opt := range opts {
		opt(k)
	}

	return k, nil
}

// Notify publishes the event, keyed by workflow ID.
func (k *Kafka) Notify(ctx context.Context, event Event) error {
	data, err := k.codec.Encode(event)
	if err != nil {
		return err
	}

	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.WorkflowID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		k.onError(err)
		return err
	}
	return nil
}

// Close shuts down the underlying producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}

// Compile-time check.
var _ Notifier = (*Kafka)(nil)
