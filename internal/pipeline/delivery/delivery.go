// Package delivery fans each envelope out to every configured sink.
//
// Every sink owns a FIFO queue drained by a single worker, so a sink sees
// envelopes in submission order while its timeouts, retries and breaker
// never hold back another sink. A failing or panicking sink only affects
// its own Outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Emmyhack/osem-sub002/internal/circuitbreaker"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
	"github.com/Emmyhack/osem-sub002/internal/tracing"
)

const (
	DefaultSinkTimeout = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultQueueSize   = 1024
)

var ErrClosed = errors.New("delivery pipeline closed")

// Sink consumes envelopes. Implementations must tolerate receiving the same
// envelope more than once.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env event.EventEnvelope) error
}

// Deliverer hands a run of envelopes to every sink and waits for all of
// their outcomes.
type Deliverer interface {
	DeliverBatch(ctx context.Context, envs []event.EventEnvelope) []Result
}

// Outcome is one sink's result for one envelope.
type Outcome struct {
	Sink      string
	Delivered bool
	Skipped   bool
	Attempts  int
	Duration  time.Duration
	Err       error
}

func (o Outcome) Status() string {
	switch {
	case o.Delivered:
		return "delivered"
	case o.Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

type Result struct {
	Envelope event.EventEnvelope
	Outcomes []Outcome
}

// OK reports whether every sink accepted the envelope.
func (r Result) OK() bool {
	for _, o := range r.Outcomes {
		if !o.Delivered {
			return false
		}
	}
	return true
}

// Settled reports whether every sink either accepted the envelope or was
// skipped by an open breaker.
func (r Result) Settled() bool {
	for _, o := range r.Outcomes {
		if !o.Delivered && !o.Skipped {
			return false
		}
	}
	return true
}

// Skipped lists the sinks an open breaker kept from seeing the envelope.
func (r Result) Skipped() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Skipped {
			out = append(out, o.Sink)
		}
	}
	return out
}

// Err joins the errors of every sink that did not accept the envelope.
func (r Result) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Delivered {
			continue
		}
		err := o.Err
		if err == nil {
			err = errors.New("not delivered")
		}
		errs = append(errs, fmt.Errorf("%s: %w", o.Sink, err))
	}
	return errors.Join(errs...)
}

// Outcome returns the outcome for the named sink.
func (r Result) Outcome(sink string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Sink == sink {
			return o, true
		}
	}
	return Outcome{}, false
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithQueueSize bounds each sink's queue. Submit blocks while a sink's
// queue is full.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithRetry bounds in-call retries of transient sink errors.
func WithRetry(maxAttempts int, backoff retry.Backoff) Option {
	return func(p *Pipeline) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		p.backoff = backoff
	}
}

// WithBreakerConfig sets the template for every sink's breaker. Name and
// OnStateChange are filled in per sink.
func WithBreakerConfig(cfg circuitbreaker.Config) Option {
	return func(p *Pipeline) { p.breakerCfg = cfg }
}

// WithBreakerObserver is called on every sink breaker transition.
func WithBreakerObserver(fn func(sink string, from, to circuitbreaker.State)) Option {
	return func(p *Pipeline) { p.breakerObserver = fn }
}

type job struct {
	ctx     context.Context
	pending *Pending
	index   int
}

type sinkRunner struct {
	sink    Sink
	breaker *circuitbreaker.Breaker
	queue   chan job
}

// Pending is the eventual Result of one submitted envelope.
type Pending struct {
	env      event.EventEnvelope
	outcomes []Outcome
	left     atomic.Int32
	span     trace.Span
	done     chan struct{}
}

// Done is closed once every sink has an outcome.
func (pd *Pending) Done() <-chan struct{} {
	return pd.done
}

// Result blocks until every sink has an outcome.
func (pd *Pending) Result() Result {
	<-pd.done
	return Result{Envelope: pd.env, Outcomes: pd.outcomes}
}

type Pipeline struct {
	runners     []*sinkRunner
	timeout     time.Duration
	maxAttempts int
	backoff     retry.Backoff
	breakerCfg  circuitbreaker.Config
	queueSize   int
	logger      *slog.Logger

	breakerObserver func(sink string, from, to circuitbreaker.State)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Deliverer = (*Pipeline)(nil)

// New starts one worker per sink. Close stops them.
func New(sinks []Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		timeout:     DefaultSinkTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     retry.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second},
		queueSize:   DefaultQueueSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "delivery")

	for _, s := range sinks {
		if s == nil {
			continue
		}
		cfg := p.breakerCfg
		cfg.Name = s.Name()
		cfg.OnStateChange = p.onBreakerChange
		metrics.SinkCircuitState.WithLabelValues(s.Name()).Set(float64(circuitbreaker.StateClosed))
		metrics.SinkQueueDepth.WithLabelValues(s.Name()).Set(0)
		r := &sinkRunner{sink: s, breaker: circuitbreaker.New(cfg), queue: make(chan job, p.queueSize)}
		p.runners = append(p.runners, r)
		p.wg.Add(1)
		go p.work(r)
	}
	return p
}

// Sinks lists the configured sink names in invocation order.
func (p *Pipeline) Sinks() []string {
	out := make([]string, len(p.runners))
	for i, r := range p.runners {
		out[i] = r.sink.Name()
	}
	return out
}

// SinkStates reports every sink's breaker, in invocation order.
func (p *Pipeline) SinkStates() []circuitbreaker.Snapshot {
	out := make([]circuitbreaker.Snapshot, len(p.runners))
	for i, r := range p.runners {
		out[i] = r.breaker.Snapshot()
	}
	return out
}

// Submit queues env behind every sink's earlier envelopes and returns
// without waiting for any sink. If ctx ends while a queue is full, that
// sink's outcome is the context error.
func (p *Pipeline) Submit(ctx context.Context, env event.EventEnvelope) *Pending {
	ctx, span := tracing.Start(ctx, "delivery", "delivery.deliver",
		attribute.String("kind", env.Kind().String()),
		attribute.String("signature", env.Signature),
		attribute.Int64("slot", int64(env.Slot)),
	)
	pd := &Pending{
		env:      env,
		outcomes: make([]Outcome, len(p.runners)),
		span:     span,
		done:     make(chan struct{}),
	}
	pd.left.Store(int32(len(p.runners)))
	if len(p.runners) == 0 {
		p.complete(pd)
		return pd
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, r := range p.runners {
		name := r.sink.Name()
		if p.closed {
			p.settle(pd, i, Outcome{Sink: name, Err: ErrClosed})
			continue
		}
		select {
		case r.queue <- job{ctx: ctx, pending: pd, index: i}:
			metrics.SinkQueueDepth.WithLabelValues(name).Set(float64(len(r.queue)))
		case <-ctx.Done():
			p.settle(pd, i, Outcome{Sink: name, Err: ctx.Err()})
		}
	}
	return pd
}

// Deliver submits env and waits for every sink.
func (p *Pipeline) Deliver(ctx context.Context, env event.EventEnvelope) Result {
	return p.Submit(ctx, env).Result()
}

// DeliverBatch submits every envelope before waiting on any, so a slow sink
// only delays its own progress through the run.
func (p *Pipeline) DeliverBatch(ctx context.Context, envs []event.EventEnvelope) []Result {
	pending := make([]*Pending, 0, len(envs))
	for _, env := range envs {
		pending = append(pending, p.Submit(ctx, env))
	}
	out := make([]Result, 0, len(envs))
	for _, pd := range pending {
		out = append(out, pd.Result())
	}
	return out
}

// Close stops accepting envelopes and waits for every queued one to get an
// outcome. Safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, r := range p.runners {
		close(r.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) work(r *sinkRunner) {
	defer p.wg.Done()
	name := r.sink.Name()
	for j := range r.queue {
		metrics.SinkQueueDepth.WithLabelValues(name).Set(float64(len(r.queue)))
		var out Outcome
		if err := j.ctx.Err(); err != nil {
			out = Outcome{Sink: name, Err: err}
			metrics.SinkOutcomes.WithLabelValues(name, out.Status()).Inc()
		} else {
			out = p.deliverTo(j.ctx, r, j.pending.env)
		}
		p.settle(j.pending, j.index, out)
	}
}

func (p *Pipeline) settle(pd *Pending, i int, out Outcome) {
	pd.outcomes[i] = out
	if pd.left.Add(-1) == 0 {
		p.complete(pd)
	}
}

func (p *Pipeline) complete(pd *Pending) {
	metrics.EnvelopesDelivered.WithLabelValues(pd.env.Kind().String(), string(pd.env.Source)).Inc()
	tracing.End(pd.span, Result{Envelope: pd.env, Outcomes: pd.outcomes}.Err())
	close(pd.done)
}

func (p *Pipeline) deliverTo(ctx context.Context, r *sinkRunner, env event.EventEnvelope) Outcome {
	name := r.sink.Name()
	out := Outcome{Sink: name}

	if err := r.breaker.Allow(); err != nil {
		out.Skipped = true
		out.Err = err
		metrics.SinkOutcomes.WithLabelValues(name, out.Status()).Inc()
		p.logger.Debug("sink skipped, circuit open", "sink", name, "signature", env.Signature, "kind", env.Kind())
		return out
	}

	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		err = p.invoke(ctx, r.sink, env)
		if err == nil || attempt >= p.maxAttempts || ctx.Err() != nil || !retry.IsTransient(err) {
			break
		}
		if retry.Sleep(ctx, p.backoff.Delay(attempt)) != nil {
			break
		}
	}
	out.Duration = time.Since(start)
	metrics.SinkLatency.WithLabelValues(name).Observe(out.Duration.Seconds())

	if err != nil {
		r.breaker.RecordFailure()
		out.Err = err
		p.logger.Warn("sink delivery failed",
			"sink", name,
			"signature", env.Signature,
			"slot", env.Slot,
			"kind", env.Kind(),
			"attempt", out.Attempts,
			"error", err,
		)
	} else {
		r.breaker.RecordSuccess()
		out.Delivered = true
	}
	metrics.SinkOutcomes.WithLabelValues(name, out.Status()).Inc()
	return out
}

func (p *Pipeline) invoke(ctx context.Context, s Sink, env event.EventEnvelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = retry.Terminal(fmt.Errorf("sink %s panicked: %v", s.Name(), r))
		}
	}()
	return s.Deliver(ctx, env)
}

func (p *Pipeline) onBreakerChange(name string, from, to circuitbreaker.State) {
	metrics.SinkCircuitState.WithLabelValues(name).Set(float64(to))
	p.logger.Warn("sink circuit state changed", "sink", name, "from", from.String(), "to", to.String())
	if p.breakerObserver != nil {
		p.breakerObserver(name, from, to)
	}
}
