package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alimx07/blog_service/models"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLog is a single partition with a committed offset, enough to replay
// what a consumer group would see after a restart.
type fakeLog struct {
	mu         sync.Mutex
	topic      string
	msgs       []*kafka.Message
	events     []kafka.Event
	pos        int
	committed  int
	commitErrs []error
	commits    []int64
	seeks      []int64
	onEmpty    func()
}

func newFakeLog(records ...[2]string) *fakeLog {
	l := &fakeLog{topic: "posts"}
	for i, r := range records {
		l.msgs = append(l.msgs, &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &l.topic, Partition: 0, Offset: kafka.Offset(i)},
			Key:            []byte(r[0]),
			Value:          []byte(r[1]),
			Headers:        []kafka.Header{{Key: EventIDHeader, Value: []byte("01HF7YAT0000000000000000")}},
		})
	}
	return l
}

func (l *fakeLog) Poll(int) kafka.Event {
	l.mu.Lock()
	if len(l.events) > 0 {
		ev := l.events[0]
		l.events = l.events[1:]
		l.mu.Unlock()
		return ev
	}
	if l.pos < len(l.msgs) {
		m := l.msgs[l.pos]
		l.pos++
		l.mu.Unlock()
		return m
	}
	l.mu.Unlock()
	if l.onEmpty != nil {
		l.onEmpty()
	}
	return nil
}

func (l *fakeLog) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.commitErrs) > 0 {
		err := l.commitErrs[0]
		l.commitErrs = l.commitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	l.committed = int(m.TopicPartition.Offset) + 1
	l.commits = append(l.commits, int64(m.TopicPartition.Offset))
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (l *fakeLog) Seek(tp kafka.TopicPartition, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos = int(tp.Offset)
	l.seeks = append(l.seeks, int64(tp.Offset))
	return nil
}

func (l *fakeLog) Close() error { return nil }

// restart resumes from the committed offset like a fresh group member would.
func (l *fakeLog) restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos = l.committed
}

type storedPost struct {
	owner int64
	in    models.PostInput
}

// fakePersister keys posts by id like the posts table does. Events without an
// id get a generated one; an id already taken is a conflict.
type fakePersister struct {
	mu     sync.Mutex
	stored []storedPost
	rows   map[string]models.Post
	errs   []error
	// number of upcoming Create calls that hang until their context ends
	hang int
}

func (p *fakePersister) Create(ctx context.Context, ownerID int64, in models.PostInput) (models.PostWithLikes, error) {
	p.mu.Lock()
	if p.hang > 0 {
		p.hang--
		p.mu.Unlock()
		<-ctx.Done()
		return models.PostWithLikes{}, fmt.Errorf("insert post: %w", ctx.Err())
	}
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return models.PostWithLikes{}, err
		}
	}
	if p.rows == nil {
		p.rows = map[string]models.Post{}
	}
	id := in.Id
	if id == "" {
		id = fmt.Sprintf("gen%03d", len(p.rows))
	}
	if _, ok := p.rows[id]; ok {
		return models.PostWithLikes{}, fmt.Errorf("insert post: %w", models.ErrConflict)
	}
	post := models.Post{Id: id, Title: in.Title, Content: in.Content, Owner_id: ownerID}
	p.rows[id] = post
	p.stored = append(p.stored, storedPost{owner: ownerID, in: in})
	return models.PostWithLikes{Post: post}, nil
}

func (p *fakePersister) Get(_ context.Context, id string) (models.PostWithLikes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	post, ok := p.rows[id]
	if !ok {
		return models.PostWithLikes{}, fmt.Errorf("get post: %w", models.ErrNotFound)
	}
	return models.PostWithLikes{Post: post}, nil
}

func (p *fakePersister) ownedBy(owner int64) []models.Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Post
	for _, post := range p.rows {
		if post.Owner_id == owner {
			out = append(out, post)
		}
	}
	return out
}

// drain runs the consumer until the log has nothing left to hand out.
func drain(t *testing.T, log *fakeLog, p *fakePersister) *Consumer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log.onEmpty = cancel
	c := newConsumer(log, p, 0, 0, nil, zap.NewNop())
	require.NoError(t, c.Run(ctx))
	return c
}

func TestConsumer_PersistsAndCommits(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
	p := &fakePersister{}

	c := drain(t, log, p)

	require.Len(t, p.stored, 1)
	assert.Equal(t, int64(7), p.stored[0].owner)
	assert.Equal(t, "A", p.stored[0].in.Title)
	assert.Equal(t, "B", p.stored[0].in.Content)
	assert.Equal(t, []int64{0}, log.commits)
	assert.Equal(t, StatePolling, c.State())
}

func TestConsumer_PersistFailureRedeliversWithoutCommit(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
	p := &fakePersister{errs: []error{models.ErrPersistence}}

	drain(t, log, p)

	assert.Len(t, p.stored, 1)
	assert.Equal(t, []int64{0}, log.seeks)
	assert.Equal(t, []int64{0}, log.commits, "only the successful attempt commits")
}

func TestConsumer_CrashBeforeCommitYieldsDuplicateNotLoss(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
	// the commit never reaches the broker, as if the process died right after persisting
	log.commitErrs = []error{kafka.NewError(kafka.ErrTransport, "broker down", false)}
	p := &fakePersister{}

	drain(t, log, p)
	require.Len(t, p.stored, 1)
	assert.Empty(t, log.commits)

	log.restart()
	drain(t, log, p)

	require.Len(t, p.stored, 2)
	assert.Equal(t, p.stored[0], p.stored[1])
	assert.Equal(t, []int64{0}, log.commits)
}

func TestConsumer_AlreadyStoredEventIsCommitted(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"id":"abc123","title":"A","content":"B"}`})
	p := &fakePersister{rows: map[string]models.Post{
		"abc123": {Id: "abc123", Title: "A", Content: "B", Owner_id: 7},
	}}

	drain(t, log, p)

	assert.Empty(t, p.stored)
	assert.Empty(t, log.seeks)
	assert.Equal(t, []int64{0}, log.commits)
}

func TestConsumer_RedeliveredEventWithIDIsStoredOnce(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"id":"abc123","title":"A","content":"B"}`})
	log.commitErrs = []error{kafka.NewError(kafka.ErrTransport, "broker down", false)}
	p := &fakePersister{}

	drain(t, log, p)
	assert.Empty(t, log.commits)

	log.restart()
	drain(t, log, p)

	assert.Len(t, p.stored, 1)
	assert.Len(t, p.ownedBy(7), 1)
	assert.Equal(t, []int64{0}, log.commits)
}

func TestConsumer_IDHeldByAnotherPostIsStoredUnderFreshID(t *testing.T) {
	log := newFakeLog([2]string{"8_1700000000.0", `{"id":"abc123","title":"Mine","content":"B"}`})
	p := &fakePersister{rows: map[string]models.Post{
		"abc123": {Id: "abc123", Title: "Theirs", Content: "B", Owner_id: 1},
	}}

	drain(t, log, p)

	owned := p.ownedBy(8)
	require.Len(t, owned, 1)
	assert.NotEqual(t, "abc123", owned[0].Id)
	assert.Equal(t, "Mine", owned[0].Title)
	assert.Equal(t, "Theirs", p.rows["abc123"].Title)
	assert.Empty(t, log.seeks)
	assert.Equal(t, []int64{0}, log.commits)
}

func TestConsumer_SameOwnerDifferentPostIsNotADuplicate(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"id":"abc123","title":"New","content":"B"}`})
	p := &fakePersister{rows: map[string]models.Post{
		"abc123": {Id: "abc123", Title: "Old", Content: "B", Owner_id: 7},
	}}

	drain(t, log, p)

	assert.Len(t, p.ownedBy(7), 2)
	assert.Equal(t, []int64{0}, log.commits)
}

func TestConsumer_FailedReassignIsNotCommitted(t *testing.T) {
	log := newFakeLog([2]string{"8_1700000000.0", `{"id":"abc123","title":"Mine","content":"B"}`})
	p := &fakePersister{
		rows: map[string]models.Post{"abc123": {Id: "abc123", Title: "Theirs", Content: "B", Owner_id: 1}},
		// the first insert hits the taken id, the fresh id insert then fails once
		errs: []error{nil, models.ErrPersistence},
	}

	drain(t, log, p)

	assert.Equal(t, []int64{0}, log.seeks)
	assert.Equal(t, []int64{0}, log.commits, "only the redelivery commits")
	assert.Len(t, p.ownedBy(8), 1)
}

func TestConsumer_HungPersistTimesOutAndRedelivers(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
	p := &fakePersister{hang: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log.onEmpty = cancel
	c := newConsumer(log, p, 0, 0, nil, zap.NewNop())
	c.persistTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer blocked on a hung persist")
	}

	assert.Equal(t, []int64{0}, log.seeks)
	assert.Equal(t, []int64{0}, log.commits)
	assert.Len(t, p.stored, 1)
}

func TestConsumer_UndecodableEventsAreSkipped(t *testing.T) {
	log := newFakeLog(
		[2]string{"nokey", `{"title":"A","content":"B"}`},
		[2]string{"x_1700000000.0", `{"title":"A","content":"B"}`},
		[2]string{"7_1700000000.0", `not json`},
		[2]string{"7_1700000001.0", `{"title":"C","content":"D"}`},
	)
	p := &fakePersister{}

	drain(t, log, p)

	require.Len(t, p.stored, 1)
	assert.Equal(t, "C", p.stored[0].in.Title)
	assert.Equal(t, []int64{0, 1, 2, 3}, log.commits)
}

func TestConsumer_CommitFailureDoesNotStopTheLoop(t *testing.T) {
	log := newFakeLog(
		[2]string{"7_1700000000.0", `{"title":"A","content":"B"}`},
		[2]string{"8_1700000001.0", `{"title":"C","content":"D"}`},
	)
	log.commitErrs = []error{errors.New("commit timed out")}
	p := &fakePersister{}

	drain(t, log, p)

	assert.Len(t, p.stored, 2)
	assert.Equal(t, []int64{1}, log.commits)
}

func TestConsumer_BrokerErrors(t *testing.T) {
	t.Run("transient error keeps polling", func(t *testing.T) {
		log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
		log.events = []kafka.Event{kafka.NewError(kafka.ErrTransport, "connection reset", false)}
		p := &fakePersister{}

		drain(t, log, p)
		assert.Len(t, p.stored, 1)
	})

	t.Run("fatal error ends the loop", func(t *testing.T) {
		log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
		log.events = []kafka.Event{kafka.NewError(kafka.ErrFatal, "fenced", true)}
		p := &fakePersister{}
		c := newConsumer(log, p, 0, 0, nil, zap.NewNop())

		err := c.Run(context.Background())
		assert.ErrorIs(t, err, models.ErrBroker)
		assert.Empty(t, p.stored)
		assert.Equal(t, StateErrorLogged, c.State())
	})
}

func TestConsumer_StopsOnCancelledContext(t *testing.T) {
	log := newFakeLog([2]string{"7_1700000000.0", `{"title":"A","content":"B"}`})
	p := &fakePersister{}
	c := newConsumer(log, p, 0, 0, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, p.stored)
}
