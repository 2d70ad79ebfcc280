package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-pipeline/internal/consumer"
	"order-pipeline/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource replays queued messages and then blocks until cancellation,
// like an idle Kafka reader.
type fakeSource struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		msg := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Topic() string { return "orders-test" }
func (s *fakeSource) Close() error  { return nil }

func (s *fakeSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// fakeAcker records applied acknowledgments and can fail requeues a
// configured number of times (forever when negative).
type fakeAcker struct {
	mu           sync.Mutex
	acked        []string
	requeued     []string
	deadLettered []string
	requeueFails int
}

func (a *fakeAcker) Ack(_ context.Context, msg kafka.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, string(msg.Key))
	return nil
}

func (a *fakeAcker) Requeue(_ context.Context, msg kafka.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requeueFails != 0 {
		if a.requeueFails > 0 {
			a.requeueFails--
		}
		return errors.New("broker unreachable")
	}
	a.requeued = append(a.requeued, string(msg.Key))
	return nil
}

func (a *fakeAcker) DeadLetter(_ context.Context, msg kafka.Message, _ *models.DLQRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deadLettered = append(a.deadLettered, string(msg.Key))
	return nil
}

// fakePipeline returns a scripted decision per message key.
type fakePipeline struct {
	mu        sync.Mutex
	decisions map[string]consumer.Decision
	processed []string
}

func (p *fakePipeline) Process(_ context.Context, messageID, _ string, _ []byte) consumer.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, messageID)

	decision, ok := p.decisions[messageID]
	if !ok {
		decision = consumer.Ack
	}
	outcome := consumer.Outcome{Decision: decision}
	if decision == consumer.DeadLetter {
		outcome.DLQ = &models.DLQRecord{MessageID: messageID, FailureType: models.FailureTypeUnknown}
	}
	return outcome
}

func msg(key string) kafka.Message {
	return kafka.Message{Key: []byte(key), Value: []byte("body")}
}

func newTestWorker(source *fakeSource, acker *fakeAcker, pipeline *fakePipeline) *OrderWorker {
	w := NewOrderWorker(source, acker, pipeline)
	w.ackBackoff = time.Millisecond
	return w
}

func TestAppliesVerdictsInOrder(t *testing.T) {
	source := &fakeSource{msgs: []kafka.Message{msg("ORDER-A"), msg("ORDER-B"), msg("ORDER-C")}}
	acker := &fakeAcker{}
	pipeline := &fakePipeline{decisions: map[string]consumer.Decision{
		"ORDER-B": consumer.Requeue,
		"ORDER-C": consumer.DeadLetter,
	}}
	w := newTestWorker(source, acker, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return source.remaining() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"ORDER-A"}, acker.acked)
	assert.Equal(t, []string{"ORDER-B"}, acker.requeued)
	assert.Equal(t, []string{"ORDER-C"}, acker.deadLettered)
}

func TestUnappliableAcknowledgmentStopsWorker(t *testing.T) {
	// A requeue that keeps failing must stop the worker before any later
	// message is committed; moving on would advance the group offset past
	// the stuck message and lose it.
	source := &fakeSource{msgs: []kafka.Message{msg("ORDER-A"), msg("ORDER-B")}}
	acker := &fakeAcker{requeueFails: -1}
	pipeline := &fakePipeline{decisions: map[string]consumer.Decision{
		"ORDER-A": consumer.Requeue,
	}}
	w := newTestWorker(source, acker, pipeline)

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "ORDER-A")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after exhausting acknowledgment retries")
	}

	// The later message was never processed or acknowledged.
	assert.Equal(t, []string{"ORDER-A"}, pipeline.processed)
	assert.Empty(t, acker.acked)
	assert.Equal(t, 1, source.remaining())
}

func TestAcknowledgmentRetriedUntilItSucceeds(t *testing.T) {
	source := &fakeSource{msgs: []kafka.Message{msg("ORDER-A"), msg("ORDER-B")}}
	acker := &fakeAcker{requeueFails: 2}
	pipeline := &fakePipeline{decisions: map[string]consumer.Decision{
		"ORDER-A": consumer.Requeue,
	}}
	w := newTestWorker(source, acker, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return source.remaining() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	// The transient failures were absorbed and both messages settled.
	assert.Equal(t, []string{"ORDER-A"}, acker.requeued)
	assert.Equal(t, []string{"ORDER-B"}, acker.acked)
}
