package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/alimx07/blog_service/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProducerClient struct {
	produced   []*kafka.Message
	produceErr error
	deliverErr error
	silent     bool
	flushed    bool
	closed     bool
}

func (f *fakeProducerClient) Produce(msg *kafka.Message, deliveries chan kafka.Event) error {
	if f.produceErr != nil {
		return f.produceErr
	}
	f.produced = append(f.produced, msg)
	if f.silent {
		return nil
	}
	report := *msg
	report.TopicPartition.Partition = 1
	report.TopicPartition.Offset = 42
	report.TopicPartition.Error = f.deliverErr
	go func() { deliveries <- &report }()
	return nil
}

func (f *fakeProducerClient) Flush(int) int { f.flushed = true; return 0 }
func (f *fakeProducerClient) Close()        { f.closed = true }

type fakeAdmin struct {
	specs   []kafka.TopicSpecification
	results []kafka.TopicResult
	closed  bool
}

func (f *fakeAdmin) CreateTopics(_ context.Context, topics []kafka.TopicSpecification, _ ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error) {
	f.specs = append(f.specs, topics...)
	return f.results, nil
}

func (f *fakeAdmin) Close() { f.closed = true }

func testKafkaConfig() models.KafkaConfig {
	return models.KafkaConfig{Topic: "posts", Partitions: 2, ReplicationFactor: 2, DeliveryTimeout: 50 * time.Millisecond}
}

func TestProducer_Publish(t *testing.T) {
	client := &fakeProducerClient{}
	p := newProducer(client, &fakeAdmin{}, testKafkaConfig(), nil, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	key, err := p.Publish(context.Background(), 7, models.PostInput{Id: "abc123", Title: "A", Content: "B"})
	require.NoError(t, err)
	assert.Equal(t, "7_1700000000.0", key)

	require.Len(t, client.produced, 1)
	msg := client.produced[0]
	assert.Equal(t, "posts", *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, "7_1700000000.0", string(msg.Key))
	assert.JSONEq(t, `{"id":"abc123","title":"A","content":"B"}`, string(msg.Value))

	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventIDHeader, msg.Headers[0].Key)
	_, err = ulid.Parse(string(msg.Headers[0].Value))
	assert.NoError(t, err)

	userID, err := ParseUserID(msg.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)
}

func TestProducer_PublishFailures(t *testing.T) {
	in := models.PostInput{Title: "A", Content: "B"}

	t.Run("produce rejected", func(t *testing.T) {
		client := &fakeProducerClient{produceErr: kafka.NewError(kafka.ErrQueueFull, "queue full", false)}
		p := newProducer(client, &fakeAdmin{}, testKafkaConfig(), nil, zap.NewNop())
		_, err := p.Publish(context.Background(), 7, in)
		assert.ErrorIs(t, err, models.ErrBroker)
	})

	t.Run("delivery failed", func(t *testing.T) {
		client := &fakeProducerClient{deliverErr: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)}
		p := newProducer(client, &fakeAdmin{}, testKafkaConfig(), nil, zap.NewNop())
		_, err := p.Publish(context.Background(), 7, in)
		assert.ErrorIs(t, err, models.ErrBroker)
	})

	t.Run("no delivery report in time", func(t *testing.T) {
		client := &fakeProducerClient{silent: true}
		p := newProducer(client, &fakeAdmin{}, testKafkaConfig(), nil, zap.NewNop())
		_, err := p.Publish(context.Background(), 7, in)
		assert.ErrorIs(t, err, models.ErrBroker)
	})
}

func TestProducer_EnsureTopic(t *testing.T) {
	t.Run("creates with configured layout", func(t *testing.T) {
		admin := &fakeAdmin{results: []kafka.TopicResult{{Topic: "posts", Error: kafka.NewError(kafka.ErrNoError, "", false)}}}
		p := newProducer(&fakeProducerClient{}, admin, testKafkaConfig(), nil, zap.NewNop())

		require.NoError(t, p.EnsureTopic(context.Background()))
		require.Len(t, admin.specs, 1)
		assert.Equal(t, kafka.TopicSpecification{Topic: "posts", NumPartitions: 2, ReplicationFactor: 2}, admin.specs[0])
	})

	t.Run("existing topic is fine", func(t *testing.T) {
		admin := &fakeAdmin{results: []kafka.TopicResult{{Topic: "posts", Error: kafka.NewError(kafka.ErrTopicAlreadyExists, "exists", false)}}}
		p := newProducer(&fakeProducerClient{}, admin, testKafkaConfig(), nil, zap.NewNop())
		assert.NoError(t, p.EnsureTopic(context.Background()))
	})

	t.Run("other errors surface", func(t *testing.T) {
		admin := &fakeAdmin{results: []kafka.TopicResult{{Topic: "posts", Error: kafka.NewError(kafka.ErrInvalidReplicationFactor, "rf", false)}}}
		p := newProducer(&fakeProducerClient{}, admin, testKafkaConfig(), nil, zap.NewNop())
		assert.ErrorIs(t, p.EnsureTopic(context.Background()), models.ErrBroker)
	})
}

func TestProducer_Close(t *testing.T) {
	client := &fakeProducerClient{}
	admin := &fakeAdmin{}
	p := newProducer(client, admin, testKafkaConfig(), nil, zap.NewNop())
	p.Close()
	assert.True(t, client.flushed)
	assert.True(t, client.closed)
	assert.True(t, admin.closed)
}
