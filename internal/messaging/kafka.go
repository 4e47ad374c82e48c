// Package messaging publishes wallet outcome events to Kafka and can tail them back.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/lightmine/pkg/circuit"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
	"github.com/bardlex/lightmine/pkg/retry"
)

type readerKey struct {
	topic string
	group string
}

// KafkaClient wraps kafka-go with protobuf support. Writers and readers are
// created on first use and reused until Close.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[readerKey]*kafka.Reader

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a client for the given brokers. No connection is
// made until the first publish or Health call.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[readerKey]*kafka.Reader),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.NetworkConfig(),
	}
}

// Health dials the brokers in order and succeeds on the first that answers.
func (k *KafkaClient) Health(ctx context.Context) error {
	var last error
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			last = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	if last == nil {
		return errors.New(errors.ErrorTypeConfiguration, "kafka_health", "no brokers configured")
	}
	return errors.Wrap(last, errors.ErrorTypeMessaging, "kafka_health", "no broker reachable")
}

// GetProducer returns the writer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}

	// Hash balancing keeps each wallet's events on one partition, in order.
	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              10,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// GetConsumer returns the reader for a topic and consumer group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := readerKey{topic: topic, group: groupID}
	if r, ok := k.readers[key]; ok {
		return r
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     time.Second,
	})
	k.readers[key] = r
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return r
}

// PublishProto marshals msg and publishes it
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal", "failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes an already encoded JSON message
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	msg := kafka.Message{Key: []byte(key), Value: data}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg.Time = time.Now()
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, op, "failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeProto reads one message into msg and returns its key
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (string, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeMessaging, "read_message", "failed to read message from Kafka")
			}

			if err := proto.Unmarshal(m.Value, msg); err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeApplication, "protobuf_unmarshal", "failed to unmarshal protobuf message").
					WithContext("topic", m.Topic).
					WithContext("offset", m.Offset)
			}

			k.logger.Debug("consumed message", "topic", m.Topic, "key", string(m.Key), "offset", m.Offset)
			return string(m.Key), nil
		})
	})
}

// MessageHandler handles one consumed message
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer feeds messages to handler until ctx is done. Read and handler
// errors are logged and the loop continues.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for ctx.Err() == nil {
		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			k.logger.Error("failed to consume message", "topic", topic, "error", err.Error())
		default:
			if err := handler.HandleMessage(ctx, key, msg); err != nil {
				k.logger.Error("failed to handle message", "topic", topic, "key", key, "error", err.Error())
			}
		}
	}

	k.logger.Info("consumer stopping", "topic", topic)
	return ctx.Err()
}

// Close closes every writer and reader and returns the last error seen
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var last error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err.Error())
			last = err
		}
	}
	for key, r := range k.readers {
		if err := r.Close(); err != nil {
			k.logger.Error("failed to close consumer", "topic", key.topic, "group_id", key.group, "error", err.Error())
			last = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[readerKey]*kafka.Reader)
	return last
}
