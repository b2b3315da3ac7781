package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	EventIDHeader = "event_id"

	defaultDeliveryTimeout = 10 * time.Second
	flushTimeoutMs         = 5000
)

type producerClient interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

type topicAdmin interface {
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	Close()
}

// Producer publishes post creation events and provisions their topic.
type Producer struct {
	client            producerClient
	admin             topicAdmin
	topic             string
	partitions        int
	replicationFactor int
	deliveryTimeout   time.Duration
	now               func() time.Time
	metrics           *metrics.Metrics
	logger            *zap.Logger
}

func NewProducer(config models.KafkaConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": config.BootStrapServers,
		"client.id":         "blog_service-" + uuid.NewString(),
		// a post is only accepted once every in-sync replica has it
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		logger.Error("Error in intiallizing a kafka producer", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrBroker, err)
	}
	admin, err := kafka.NewAdminClientFromProducer(p)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrBroker, err)
	}

	// drain the library's event channel so broker level errors get logged
	go func() {
		for ev := range p.Events() {
			if e, ok := ev.(kafka.Error); ok {
				logger.Warn("Kafka producer error", zap.String("error", e.Error()), zap.Bool("fatal", e.IsFatal()))
			}
		}
	}()

	return newProducer(p, admin, config, m, logger), nil
}

func newProducer(client producerClient, admin topicAdmin, config models.KafkaConfig, m *metrics.Metrics, logger *zap.Logger) *Producer {
	timeout := config.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Producer{
		client:            client,
		admin:             admin,
		topic:             config.Topic,
		partitions:        config.Partitions,
		replicationFactor: config.ReplicationFactor,
		deliveryTimeout:   timeout,
		now:               time.Now,
		metrics:           m,
		logger:            logger.Named("producer"),
	}
}

// Publish sends one post and blocks until the broker acknowledges it.
// It returns the message key.
func (p *Producer) Publish(ctx context.Context, userID int64, payload models.PostInput) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode post: %w", err)
	}
	key := EventKey(userID, p.now())
	eventID := ulid.Make().String()

	deliveries := make(chan kafka.Event, 1)
	err = p.client.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
		Headers:        []kafka.Header{{Key: EventIDHeader, Value: []byte(eventID)}},
	}, deliveries)
	if err != nil {
		p.metrics.Published("failed")
		return "", fmt.Errorf("produce %s: %w: %v", key, models.ErrBroker, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
	defer cancel()
	select {
	case ev := <-deliveries:
		msg, ok := ev.(*kafka.Message)
		if !ok {
			p.metrics.Published("failed")
			return "", fmt.Errorf("produce %s: %w: unexpected delivery event %v", key, models.ErrBroker, ev)
		}
		if msg.TopicPartition.Error != nil {
			p.metrics.Published("failed")
			return "", fmt.Errorf("deliver %s: %w: %v", key, models.ErrBroker, msg.TopicPartition.Error)
		}
		p.logger.Debug("Post event delivered",
			zap.String("key", key),
			zap.String("event_id", eventID),
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)))
	case <-ctx.Done():
		p.metrics.Published("failed")
		return "", fmt.Errorf("deliver %s: %w: %v", key, models.ErrBroker, ctx.Err())
	}
	p.metrics.Published("delivered")
	return key, nil
}

// EnsureTopic creates the posts topic. An existing topic is not an error.
func (p *Producer) EnsureTopic(ctx context.Context) error {
	results, err := p.admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             p.topic,
		NumPartitions:     p.partitions,
		ReplicationFactor: p.replicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("create topic %s: %w: %v", p.topic, models.ErrBroker, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			p.logger.Info("Topic created", zap.String("topic", r.Topic),
				zap.Int("partitions", p.partitions), zap.Int("replication_factor", p.replicationFactor))
		case kafka.ErrTopicAlreadyExists:
			p.logger.Info("Topic already exists", zap.String("topic", r.Topic))
		default:
			return fmt.Errorf("create topic %s: %w: %v", r.Topic, models.ErrBroker, r.Error)
		}
	}
	return nil
}

func (p *Producer) Close() {
	if left := p.client.Flush(flushTimeoutMs); left > 0 {
		p.logger.Warn("Producer closed with undelivered events", zap.Int("pending", left))
	}
	p.admin.Close()
	p.client.Close()
}
