package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StatePolling     State = "POLLING"
	StatePersisting  State = "PERSISTING"
	StateCommitting  State = "COMMITTING"
	StateErrorLogged State = "ERROR_LOGGED"

	defaultPollTimeout    = time.Second
	defaultPause          = 500 * time.Millisecond
	defaultPersistTimeout = 10 * time.Second
)

var allStates = []string{string(StatePolling), string(StatePersisting), string(StateCommitting), string(StateErrorLogged)}

type source interface {
	Poll(timeoutMs int) kafka.Event
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// Persister stores a consumed post on behalf of its owner. Get is used to
// tell a redelivered event from a different post holding the same id.
type Persister interface {
	Create(ctx context.Context, ownerID int64, in models.PostInput) (models.PostWithLikes, error)
	Get(ctx context.Context, id string) (models.PostWithLikes, error)
}

// Consumer drains post creation events into the system of record.
// Offsets are committed only after the post is stored, so a crash between
// the two redelivers the event instead of losing it.
type Consumer struct {
	src            source
	persister      Persister
	pollTimeout    time.Duration
	pause          time.Duration
	persistTimeout time.Duration
	state          atomic.Value
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

func NewConsumer(config models.KafkaConfig, persister Persister, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  config.BootStrapServers,
		"group.id":           config.GroupID,
		"client.id":          "blog_service-" + uuid.NewString(),
		"auto.offset.reset":  config.OffsetReset,
		"enable.auto.commit": false,
	})
	if err != nil {
		logger.Error("Error in intiallizing a kafka consumer", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrBroker, err)
	}
	if err := c.SubscribeTopics([]string{config.Topic}, nil); err != nil {
		c.Close()
		logger.Error("Error in subcribtion to topic", zap.String("topic", config.Topic), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrBroker, err)
	}
	consumer := newConsumer(c, persister, config.PollTimeout, config.Pause, m, logger)
	if config.PersistTimeout > 0 {
		consumer.persistTimeout = config.PersistTimeout
	}
	return consumer, nil
}

func newConsumer(src source, persister Persister, pollTimeout, pause time.Duration, m *metrics.Metrics, logger *zap.Logger) *Consumer {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	if pause < 0 {
		pause = defaultPause
	}
	c := &Consumer{
		src:            src,
		persister:      persister,
		pollTimeout:    pollTimeout,
		pause:          pause,
		persistTimeout: defaultPersistTimeout,
		metrics:        m,
		logger:         logger.Named("consumer"),
	}
	c.setState(StatePolling)
	return c
}

func (c *Consumer) State() State {
	return c.state.Load().(State)
}

func (c *Consumer) setState(s State) {
	c.state.Store(s)
	c.metrics.ConsumerState(string(s), allStates)
}

// Run polls until ctx is cancelled or the broker reports a fatal error.
// Cancellation is only observed between messages.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped")
			return nil
		}
		c.setState(StatePolling)

		switch e := c.src.Poll(int(c.pollTimeout.Milliseconds())).(type) {
		case nil:
			// empty poll
		case *kafka.Message:
			c.handle(ctx, e)
			c.sleep(ctx)
		case kafka.Error:
			if e.IsFatal() {
				c.setState(StateErrorLogged)
				c.logger.Error("Fatal error in consuming events", zap.String("error", e.Error()))
				return fmt.Errorf("%w: %v", models.ErrBroker, e)
			}
			c.logger.Warn("Error in consuming events", zap.String("error", e.Error()))
		default:
			c.logger.Debug("Ignored consumer event", zap.String("event", e.String()))
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	if c.pause == 0 {
		return
	}
	t := time.NewTimer(c.pause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func messageFields(msg *kafka.Message) []zap.Field {
	fields := []zap.Field{
		zap.ByteString("key", msg.Key),
		zap.Int32("partition", msg.TopicPartition.Partition),
		zap.Int64("offset", int64(msg.TopicPartition.Offset)),
	}
	for _, h := range msg.Headers {
		if h.Key == EventIDHeader {
			fields = append(fields, zap.ByteString("event_id", h.Value))
		}
	}
	return fields
}

func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) {
	fields := messageFields(msg)

	userID, err := ParseUserID(msg.Key)
	if err != nil {
		c.skip(msg, fields, err)
		return
	}
	var in models.PostInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.skip(msg, fields, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}

	c.setState(StatePersisting)
	outcome, err := c.persist(ctx, userID, in)
	if errors.Is(err, models.ErrConflict) {
		outcome, err = c.resolveConflict(ctx, userID, in, fields)
	}
	switch {
	case err == nil:
		c.metrics.Processed(outcome)
	case errors.Is(err, models.ErrInvalidInput):
		c.skip(msg, fields, err)
		return
	default:
		c.setState(StateErrorLogged)
		c.logger.Error("Failed to persist post event", append(fields, zap.Error(err))...)
		c.metrics.Processed("failed")
		c.rewind(msg, fields)
		return
	}
	c.commit(msg, fields)
}

// bound detaches a persist from shutdown but caps how long it may run. A
// timed out persist is never committed, so the event is redelivered.
func (c *Consumer) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.persistTimeout)
}

func (c *Consumer) persist(ctx context.Context, userID int64, in models.PostInput) (string, error) {
	pctx, cancel := c.bound(ctx)
	defer cancel()
	if _, err := c.persister.Create(pctx, userID, in); err != nil {
		return "", err
	}
	return "persisted", nil
}

// resolveConflict handles a taken post id. The stored row is either this
// event's post, written by an earlier delivery, or a different post. Only the
// first is committed as a duplicate; the second is stored again under a fresh
// id. A row that cannot be read back leaves the event uncommitted.
func (c *Consumer) resolveConflict(ctx context.Context, userID int64, in models.PostInput, fields []zap.Field) (string, error) {
	if in.Id != "" {
		pctx, cancel := c.bound(ctx)
		stored, err := c.persister.Get(pctx, in.Id)
		cancel()
		if err != nil {
			return "", fmt.Errorf("read back conflicting post %s: %w", in.Id, err)
		}
		if sameEvent(stored.Post, userID, in) {
			c.logger.Info("Post already stored, committing duplicate event", fields...)
			return "duplicate", nil
		}
		c.logger.Warn("Post id held by another post, storing under a fresh id",
			append(fields, zap.String("post_id", in.Id), zap.Int64("holder_id", stored.Owner_id))...)
	}
	in.Id = ""
	if _, err := c.persist(ctx, userID, in); err != nil {
		return "", err
	}
	return "reassigned", nil
}

func sameEvent(stored models.Post, userID int64, in models.PostInput) bool {
	return stored.Owner_id == userID && stored.Title == in.Title && stored.Content == in.Content
}

// skip commits an event that can never be stored so it does not block the partition.
func (c *Consumer) skip(msg *kafka.Message, fields []zap.Field, err error) {
	c.logger.Warn("Skipping undecodable post event", append(fields, zap.Error(err))...)
	c.metrics.Processed("poison")
	c.commit(msg, fields)
}

func (c *Consumer) commit(msg *kafka.Message, fields []zap.Field) {
	c.setState(StateCommitting)
	if _, err := c.src.CommitMessage(msg); err != nil {
		c.logger.Error("Failed to commit offset", append(fields, zap.Error(fmt.Errorf("%w: %v", models.ErrBroker, err)))...)
	}
}

// rewind moves the partition back to the failed message so the next poll returns it again.
func (c *Consumer) rewind(msg *kafka.Message, fields []zap.Field) {
	tp := kafka.TopicPartition{
		Topic:     msg.TopicPartition.Topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    msg.TopicPartition.Offset,
	}
	if err := c.src.Seek(tp, 0); err != nil {
		c.logger.Error("Failed to seek back to failed event", append(fields, zap.Error(err))...)
	}
}

func (c *Consumer) Close() error {
	return c.src.Close()
}
