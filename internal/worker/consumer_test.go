package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardwire/internal/broker"
	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
	"github.com/gosuda/boardwire/internal/worker"
)

// --- Fakes ---

type ackRecord struct {
	acks, nacks, rejects int
	requeued             bool
}

type fakeAcknowledger struct {
	mu  sync.Mutex
	rec ackRecord
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.nacks++
	a.rec.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.rejects++
	return nil
}

func (a *fakeAcknowledger) record() ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil, nil
}

func (f *fakeChannel) last(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeIdempotency struct {
	mu        sync.Mutex
	processed map[string]bool
	lookupErr error
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{processed: make(map[string]bool)}
}

func (f *fakeIdempotency) IsProcessed(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.processed[key], nil
}

func (f *fakeIdempotency) MarkProcessed(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[key] = true
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	err    error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, ev domain.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type harness struct {
	consumer *worker.Consumer
	ch       *fakeChannel
	idem     *fakeIdempotency
	fanout   *fakeBroadcaster
	metrics  *metrics.WorkerMetrics
	topo     broker.Topology
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()

	topo := broker.Topology{
		Exchange:        "board.events",
		Queue:           "board.events",
		RoutingKey:      "board.event",
		RetryExchange:   "board.events.retry",
		RetryQueue:      "board.events.retry",
		RetryRoutingKey: "board.event.retry",
		DLQExchange:     "board.events.dlq",
		DLQQueue:        "board.events.dlq",
		DLQRoutingKey:   "board.event.dlq",
		RetryDelay:      time.Second,
	}

	h := &harness{
		ch:      &fakeChannel{},
		idem:    newFakeIdempotency(),
		fanout:  &fakeBroadcaster{},
		metrics: metrics.NewWorkerMetrics(prometheus.NewRegistry()),
		topo:    topo,
	}
	h.consumer = worker.NewConsumer(worker.ConsumerConfig{Topology: topo, MaxRetries: maxRetries, Prefetch: 4}, h.ch, h.idem, h.fanout, h.metrics)
	return h
}

func (h *harness) outcome(name string) float64 {
	return testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues(name))
}

func envelopeDelivery(t *testing.T, headers amqp.Table) (amqp.Delivery, *fakeAcknowledger, domain.BoardEventEnvelope) {
	t.Helper()

	msg, err := domain.NewBoardMessage("card.moved", map[string]any{"column": "doing"}, "alex", "", "")
	require.NoError(t, err)
	env := domain.NewEnvelope("board-123", msg)
	body, err := env.Encode()
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		ContentType:  "application/json",
		MessageId:    env.EventID,
		Headers:      headers,
		Body:         body,
	}, ack, env
}

// ---------------------------------------------------------------------------
// Happy path and duplicates
// ---------------------------------------------------------------------------

func TestConsumer_FansOutAndMarks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	d, ack, env := envelopeDelivery(t, amqp.Table{broker.HeaderCorrelationID: "x"})

	h.consumer.Handle(context.Background(), d)

	assert.Equal(t, ackRecord{acks: 1}, ack.record())
	require.Equal(t, 1, h.fanout.count())
	ev := h.fanout.events[0]
	assert.Equal(t, env.EventID, ev.ID)
	assert.Equal(t, "board-123", ev.Board)
	assert.Equal(t, env.CorrelationID, ev.CorrelationID)
	assert.True(t, h.idem.processed[env.IdempotencyKey])
	assert.Equal(t, 0, h.ch.count())
	assert.InDelta(t, 1, h.outcome(metrics.OutcomeAcked), 0)
}

func TestConsumer_SkipsDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	d, ack, env := envelopeDelivery(t, nil)
	h.idem.processed[env.IdempotencyKey] = true

	h.consumer.Handle(context.Background(), d)

	assert.Equal(t, ackRecord{acks: 1}, ack.record())
	assert.Equal(t, 0, h.fanout.count())
	assert.InDelta(t, 1, h.outcome(metrics.OutcomeDuplicate), 0)
}

func TestConsumer_RedeliveryAfterSuccessIsDeduplicated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	d, _, _ := envelopeDelivery(t, nil)

	h.consumer.Handle(context.Background(), d)
	again := d
	again.Acknowledger = &fakeAcknowledger{}
	h.consumer.Handle(context.Background(), again)

	assert.Equal(t, 1, h.fanout.count())
}

// ---------------------------------------------------------------------------
// Invalid payloads
// ---------------------------------------------------------------------------

func TestConsumer_InvalidPayloadGoesToDLQ(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("definitely not json")},
		{name: "bad utf-8", body: []byte{0xff, 0xfe}},
		{name: "missing fields", body: []byte(`{"board_id":"b"}`)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 3)
			ack := &fakeAcknowledger{}
			d := amqp.Delivery{Acknowledger: ack, Body: tc.body, Headers: amqp.Table{"trace": "abc"}}

			h.consumer.Handle(context.Background(), d)

			assert.Equal(t, ackRecord{acks: 1}, ack.record())
			assert.Equal(t, 0, h.fanout.count())

			out := h.ch.last(t)
			assert.Equal(t, h.topo.DLQExchange, out.exchange)
			assert.Equal(t, h.topo.DLQRoutingKey, out.key)
			assert.Equal(t, broker.FailureInvalidPayload, out.msg.Headers[broker.HeaderFailureReason])
			assert.NotEmpty(t, out.msg.Headers[broker.HeaderError])
			assert.Equal(t, "abc", out.msg.Headers["trace"])
			assert.NotEmpty(t, out.msg.MessageId)
			assert.Equal(t, amqp.Persistent, out.msg.DeliveryMode)
			assert.Equal(t, tc.body, out.msg.Body)
			assert.InDelta(t, 1, h.outcome(metrics.OutcomeInvalid), 0)
		})
	}
}

// ---------------------------------------------------------------------------
// Retry and dead-letter
// ---------------------------------------------------------------------------

func TestConsumer_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fanout.err = errors.New("redis: connection refused")
	d, ack, env := envelopeDelivery(t, amqp.Table{
		broker.HeaderCorrelationID:  "corr",
		broker.HeaderIdempotencyKey: "corr",
	})

	h.consumer.Handle(context.Background(), d)

	assert.Equal(t, ackRecord{acks: 1}, ack.record())
	out := h.ch.last(t)
	assert.Equal(t, h.topo.RetryExchange, out.exchange)
	assert.Equal(t, h.topo.RetryRoutingKey, out.key)
	assert.Equal(t, int32(1), out.msg.Headers[broker.HeaderRetryCount])
	assert.Contains(t, out.msg.Headers[broker.HeaderLastError], "connection refused")
	assert.Equal(t, "corr", out.msg.Headers[broker.HeaderCorrelationID])
	assert.Equal(t, "corr", out.msg.Headers[broker.HeaderIdempotencyKey])
	assert.Equal(t, env.EventID, out.msg.MessageId)
	assert.False(t, h.idem.processed[env.IdempotencyKey], "failed fan-out must not be marked")
	assert.InDelta(t, 1, h.outcome(metrics.OutcomeRetried), 0)
}

func TestConsumer_EscalatesToDLQAfterMaxRetries(t *testing.T) {
	t.Parallel()

	const maxRetries = 3
	h := newHarness(t, maxRetries)
	h.fanout.err = errors.New("redis unavailable")

	d, _, _ := envelopeDelivery(t, nil)

	// Every retry publish is fed back as the next delivery, the way the retry
	// queue dead-letters onto the primary exchange after its TTL.
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ack := &fakeAcknowledger{}
		d.Acknowledger = ack
		h.consumer.Handle(context.Background(), d)

		out := h.ch.last(t)
		require.Equal(t, h.topo.RetryExchange, out.exchange, "attempt %d", attempt)
		require.Equal(t, int32(attempt), out.msg.Headers[broker.HeaderRetryCount])
		require.Equal(t, ackRecord{acks: 1}, ack.record())

		d.Headers = out.msg.Headers
		d.Body = out.msg.Body
	}

	ack := &fakeAcknowledger{}
	d.Acknowledger = ack
	h.consumer.Handle(context.Background(), d)

	out := h.ch.last(t)
	assert.Equal(t, h.topo.DLQExchange, out.exchange)
	assert.Equal(t, h.topo.DLQRoutingKey, out.key)
	assert.Equal(t, int32(maxRetries), out.msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, "redis unavailable", out.msg.Headers[broker.HeaderLastError])
	assert.Equal(t, ackRecord{acks: 1}, ack.record())
	assert.Equal(t, maxRetries+1, h.ch.count())
	assert.InDelta(t, maxRetries, h.outcome(metrics.OutcomeRetried), 0)
	assert.InDelta(t, 1, h.outcome(metrics.OutcomeDeadLettered), 0)
}

func TestConsumer_IdempotencyErrorIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.idem.lookupErr = errors.New("i/o timeout")
	d, ack, _ := envelopeDelivery(t, nil)

	h.consumer.Handle(context.Background(), d)

	assert.Equal(t, 0, h.fanout.count())
	assert.Equal(t, ackRecord{acks: 1}, ack.record())
	assert.Equal(t, h.topo.RetryExchange, h.ch.last(t).exchange)
}

func TestConsumer_RepublishFailureRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fanout.err = errors.New("redis down")
	h.ch.err = amqp.ErrClosed
	d, ack, _ := envelopeDelivery(t, nil)

	h.consumer.Handle(context.Background(), d)

	assert.Equal(t, ackRecord{nacks: 1, requeued: true}, ack.record())
	assert.InDelta(t, 1, h.outcome(metrics.OutcomeRequeued), 0)
}

func TestConsumer_InvalidPayloadRequeuedWhenDLQUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.ch.err = amqp.ErrClosed
	ack := &fakeAcknowledger{}

	h.consumer.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("garbage")})

	assert.Equal(t, ackRecord{nacks: 1, requeued: true}, ack.record())
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestConsumer_RunDrainsUntilClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	deliveries := make(chan amqp.Delivery, 8)
	acks := make([]*fakeAcknowledger, 0, 8)
	for range 8 {
		d, ack, _ := envelopeDelivery(t, nil)
		acks = append(acks, ack)
		deliveries <- d
	}
	close(deliveries)

	require.NoError(t, h.consumer.Run(context.Background(), deliveries))

	for _, ack := range acks {
		assert.Equal(t, 1, ack.record().acks)
	}
	assert.Equal(t, 8, h.fanout.count())
}

func TestConsumer_RunStopsOnContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	deliveries := make(chan amqp.Delivery)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx, deliveries) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
