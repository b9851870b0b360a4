package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emmyhack/osem-sub002/internal/circuitbreaker"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

type funcSink struct {
	name string
	fn   func(ctx context.Context, env event.EventEnvelope) error
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	return s.fn(ctx, env)
}

type recordingSink struct {
	name   string
	mu     sync.Mutex
	got    []event.EventEnvelope
	jitter bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, env event.EventEnvelope) error {
	if s.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	s.mu.Lock()
	s.got = append(s.got, env)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) slots() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.got))
	for i, e := range s.got {
		out[i] = e.Slot
	}
	return out
}

// dedupSink counts distinct occurrences keyed by signature and kind.
type dedupSink struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	distinct int
}

func (s *dedupSink) Name() string { return "notifier" }

func (s *dedupSink) Deliver(_ context.Context, env event.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[env.DedupKey()]; ok {
		return nil
	}
	s.seen[env.DedupKey()] = struct{}{}
	s.distinct++
	return nil
}

func testEnvelope(sig string, slot uint64) event.EventEnvelope {
	return event.EventEnvelope{
		Event: event.DomainEvent{
			Kind:    event.KindGroupCreated,
			Payload: map[string]any{"groupId": "7"},
		},
		Signature:  sig,
		Slot:       slot,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		Source:     event.SourceStream,
	}
}

func newTestPipeline(t *testing.T, sinks []Sink, opts ...Option) *Pipeline {
	t.Helper()
	p := New(sinks, opts...)
	t.Cleanup(p.Close)
	return p
}

func noRetry() Option {
	return WithRetry(1, retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond})
}

func TestDeliver_SinkIsolation(t *testing.T) {
	store := &funcSink{name: "store", fn: func(context.Context, event.EventEnvelope) error {
		return errors.New("connection refused")
	}}
	webhook := &recordingSink{name: "webhook"}

	p := newTestPipeline(t, []Sink{store, webhook}, noRetry())
	res := p.Deliver(context.Background(), testEnvelope("sig1", 100))

	require.Len(t, res.Outcomes, 2)
	storeOut, ok := res.Outcome("store")
	require.True(t, ok)
	assert.False(t, storeOut.Delivered)
	assert.EqualError(t, storeOut.Err, "connection refused")

	webhookOut, ok := res.Outcome("webhook")
	require.True(t, ok)
	assert.True(t, webhookOut.Delivered)
	assert.Equal(t, []uint64{100}, webhook.slots())

	assert.False(t, res.OK())
	assert.ErrorContains(t, res.Err(), "store: connection refused")
}

func TestDeliver_SlowSinkDoesNotDelaySiblingOutcome(t *testing.T) {
	release := make(chan struct{})
	slow := &funcSink{name: "slow", fn: func(ctx context.Context, _ event.EventEnvelope) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	fast := &recordingSink{name: "fast"}

	p := newTestPipeline(t, []Sink{slow, fast}, noRetry())
	done := make(chan Result)
	go func() { done <- p.Deliver(context.Background(), testEnvelope("sig", 1)) }()

	require.Eventually(t, func() bool { return len(fast.slots()) == 1 }, time.Second, time.Millisecond)
	close(release)
	res := <-done
	assert.True(t, res.OK())
}

func TestDeliver_RecoversPanics(t *testing.T) {
	boom := &funcSink{name: "boom", fn: func(context.Context, event.EventEnvelope) error {
		panic("nil map write")
	}}
	ok := &recordingSink{name: "ok"}

	p := newTestPipeline(t, []Sink{boom, ok}, WithRetry(3, retry.Backoff{Initial: time.Millisecond}))
	var res Result
	require.NotPanics(t, func() { res = p.Deliver(context.Background(), testEnvelope("sig", 1)) })

	out, _ := res.Outcome("boom")
	assert.False(t, out.Delivered)
	assert.Equal(t, 1, out.Attempts, "panics are not retried")
	assert.ErrorContains(t, out.Err, "panicked")
	assert.Len(t, ok.slots(), 1)
}

func TestDeliver_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := &funcSink{name: "flaky", fn: func(context.Context, event.EventEnvelope) error {
		if calls.Add(1) < 3 {
			return &retry.HTTPStatusError{StatusCode: 503}
		}
		return nil
	}}

	p := newTestPipeline(t, []Sink{flaky}, WithRetry(3, retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond}))
	res := p.Deliver(context.Background(), testEnvelope("sig", 1))

	out, _ := res.Outcome("flaky")
	assert.True(t, out.Delivered)
	assert.Equal(t, 3, out.Attempts)
}

func TestDeliver_DoesNotRetryTerminalErrors(t *testing.T) {
	var calls atomic.Int32
	bad := &funcSink{name: "bad", fn: func(context.Context, event.EventEnvelope) error {
		calls.Add(1)
		return &retry.HTTPStatusError{StatusCode: 400}
	}}

	p := newTestPipeline(t, []Sink{bad}, WithRetry(5, retry.Backoff{Initial: time.Millisecond}))
	res := p.Deliver(context.Background(), testEnvelope("sig", 1))

	out, _ := res.Outcome("bad")
	assert.False(t, out.Delivered)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliver_SinkTimeout(t *testing.T) {
	hang := &funcSink{name: "hang", fn: func(ctx context.Context, _ event.EventEnvelope) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	p := newTestPipeline(t, []Sink{hang}, noRetry(), WithSinkTimeout(10*time.Millisecond))
	start := time.Now()
	res := p.Deliver(context.Background(), testEnvelope("sig", 1))

	assert.Less(t, time.Since(start), time.Second)
	out, _ := res.Outcome("hang")
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestDeliver_OpenBreakerSkipsSink(t *testing.T) {
	var calls atomic.Int32
	failing := &funcSink{name: "kafka", fn: func(context.Context, event.EventEnvelope) error {
		calls.Add(1)
		return errors.New("broker unavailable")
	}}
	healthy := &recordingSink{name: "store"}

	p := newTestPipeline(t, []Sink{failing, healthy}, noRetry(),
		WithBreakerConfig(circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour}))

	p.Deliver(context.Background(), testEnvelope("a", 1))
	p.Deliver(context.Background(), testEnvelope("b", 2))
	res := p.Deliver(context.Background(), testEnvelope("c", 3))

	out, _ := res.Outcome("kafka")
	assert.True(t, out.Skipped)
	assert.Equal(t, "skipped", out.Status())
	assert.ErrorIs(t, out.Err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []uint64{1, 2, 3}, healthy.slots())
}

func TestDeliverBatch_PreservesOrderPerSink(t *testing.T) {
	a := &recordingSink{name: "a", jitter: true}
	b := &recordingSink{name: "b", jitter: true}
	p := newTestPipeline(t, []Sink{a, b}, noRetry())

	envs := make([]event.EventEnvelope, 0, 20)
	want := make([]uint64, 0, 20)
	for slot := uint64(100); slot < 120; slot++ {
		envs = append(envs, testEnvelope("sig", slot))
		want = append(want, slot)
	}

	results := p.DeliverBatch(context.Background(), envs)
	require.Len(t, results, 20)
	assert.Equal(t, want, a.slots())
	assert.Equal(t, want, b.slots())
}

func TestDeliver_DuplicateEnvelopeCountedOnce(t *testing.T) {
	notifier := &dedupSink{}
	p := newTestPipeline(t, []Sink{notifier}, noRetry())

	env := testEnvelope("sig1", 100)
	p.Deliver(context.Background(), env)
	p.Deliver(context.Background(), env)

	assert.Equal(t, 1, notifier.distinct)
}

func TestNew_IgnoresNilSinks(t *testing.T) {
	p := newTestPipeline(t, []Sink{nil, &recordingSink{name: "only"}})
	assert.Equal(t, []string{"only"}, p.Sinks())
	states := p.SinkStates()
	require.Len(t, states, 1)
	assert.Equal(t, "only", states[0].Name)

	empty := newTestPipeline(t, nil)
	res := empty.Deliver(context.Background(), testEnvelope("sig", 1))
	assert.True(t, res.OK())
	assert.NoError(t, res.Err())
}

func TestDeliver_BreakerObserver(t *testing.T) {
	type change struct{ sink, from, to string }
	var (
		mu      sync.Mutex
		changes []change
	)
	failing := &funcSink{name: "archive", fn: func(context.Context, event.EventEnvelope) error {
		return errors.New("access denied")
	}}

	p := newTestPipeline(t, []Sink{failing}, noRetry(),
		WithBreakerConfig(circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour}),
		WithBreakerObserver(func(sink string, from, to circuitbreaker.State) {
			mu.Lock()
			changes = append(changes, change{sink, from.String(), to.String()})
			mu.Unlock()
		}))

	p.Deliver(context.Background(), testEnvelope("a", 1))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, "archive", changes[0].sink)
	assert.Equal(t, circuitbreaker.StateOpen.String(), changes[0].to)
}

type timedSink struct {
	name string
	mu   sync.Mutex
	at   []time.Time
}

func (s *timedSink) Name() string { return s.name }

func (s *timedSink) Deliver(context.Context, event.EventEnvelope) error {
	s.mu.Lock()
	s.at = append(s.at, time.Now())
	s.mu.Unlock()
	return nil
}

func (s *timedSink) times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.at...)
}

func TestDeliverBatch_HungSinkDoesNotDelaySiblingsNextEnvelope(t *testing.T) {
	webhook := &funcSink{name: "webhook", fn: func(ctx context.Context, _ event.EventEnvelope) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	store := &timedSink{name: "store"}

	p := newTestPipeline(t, []Sink{webhook, store},
		WithSinkTimeout(200*time.Millisecond),
		WithRetry(3, retry.Backoff{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond}))

	start := time.Now()
	results := p.DeliverBatch(context.Background(), []event.EventEnvelope{
		testEnvelope("sig1", 100),
		testEnvelope("sig2", 101),
	})

	got := store.times()
	require.Len(t, got, 2)
	assert.Less(t, got[1].Sub(start), 150*time.Millisecond, "store saw slot 101 only after the webhook gave up")

	require.Len(t, results, 2)
	for _, res := range results {
		out, ok := res.Outcome("webhook")
		require.True(t, ok)
		assert.False(t, out.Delivered)
		assert.Equal(t, 3, out.Attempts)
		storeOut, _ := res.Outcome("store")
		assert.True(t, storeOut.Delivered)
	}
}

func TestSubmit_ReturnsBeforeSlowSinkFinishes(t *testing.T) {
	release := make(chan struct{})
	slow := &funcSink{name: "slow", fn: func(ctx context.Context, _ event.EventEnvelope) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	fast := &recordingSink{name: "fast"}
	p := newTestPipeline(t, []Sink{slow, fast}, noRetry())

	first := p.Submit(context.Background(), testEnvelope("a", 1))
	second := p.Submit(context.Background(), testEnvelope("b", 2))
	require.Eventually(t, func() bool { return len(fast.slots()) == 2 }, time.Second, time.Millisecond)

	select {
	case <-first.Done():
		t.Fatal("envelope settled while a sink was still working")
	default:
	}

	close(release)
	assert.True(t, first.Result().OK())
	assert.True(t, second.Result().OK())
	assert.Equal(t, []uint64{1, 2}, fast.slots())
}

func TestSubmit_FullQueueHonoursContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocked := &funcSink{name: "blocked", fn: func(context.Context, event.EventEnvelope) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	p := newTestPipeline(t, []Sink{blocked}, noRetry(), WithQueueSize(1))
	defer close(release)

	p.Submit(context.Background(), testEnvelope("a", 1))
	<-started
	p.Submit(context.Background(), testEnvelope("b", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := p.Submit(ctx, testEnvelope("c", 3)).Result()

	out, _ := res.Outcome("blocked")
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.False(t, res.Settled())
}

func TestClose_DrainsQueueAndRejectsLateEnvelopes(t *testing.T) {
	sink := &recordingSink{name: "store", jitter: true}
	p := New([]Sink{sink}, noRetry())

	var pending []*Pending
	for slot := uint64(1); slot <= 5; slot++ {
		pending = append(pending, p.Submit(context.Background(), testEnvelope("sig", slot)))
	}
	p.Close()
	p.Close()

	for _, pd := range pending {
		assert.True(t, pd.Result().OK())
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.slots())

	res := p.Deliver(context.Background(), testEnvelope("late", 6))
	out, _ := res.Outcome("store")
	assert.ErrorIs(t, out.Err, ErrClosed)
	assert.Len(t, sink.slots(), 5)
}

func TestSubmit_CanceledContextSkipsSinkCall(t *testing.T) {
	var calls atomic.Int32
	s := &funcSink{name: "store", fn: func(context.Context, event.EventEnvelope) error {
		calls.Add(1)
		return nil
	}}
	p := newTestPipeline(t, []Sink{s}, noRetry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Deliver(ctx, testEnvelope("sig", 1))

	out, _ := res.Outcome("store")
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestResult_SettledIgnoresBreakerSkips(t *testing.T) {
	res := Result{Outcomes: []Outcome{
		{Sink: "store", Delivered: true},
		{Sink: "kafka", Skipped: true, Err: circuitbreaker.ErrCircuitOpen},
	}}
	assert.False(t, res.OK())
	assert.True(t, res.Settled())
	assert.Equal(t, []string{"kafka"}, res.Skipped())

	res.Outcomes = append(res.Outcomes, Outcome{Sink: "webhook", Err: errors.New("503")})
	assert.False(t, res.Settled())
}
