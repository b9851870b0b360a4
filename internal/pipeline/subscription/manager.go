// Package subscription keeps one log stream open per monitored program and
// hands every received batch to a handler, in arrival order per program.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/chain"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

var (
	ErrAlreadyStarted = errors.New("subscription manager already started")
	ErrStopped        = errors.New("subscription manager stopped")
	ErrNoPrograms     = errors.New("no programs to subscribe to")
)

// Handler receives one batch at a time for a given program. Calls for the
// same program never overlap; calls for different programs may.
type Handler func(ctx context.Context, batch event.RawLogBatch)

// ProgramSource lists the programs to subscribe to.
type ProgramSource interface {
	Programs() []model.Program
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithBackoff(b retry.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithStateObserver is called with a copy of the state after every transition.
func WithStateObserver(fn func(model.SubscriptionState)) Option {
	return func(m *Manager) { m.observer = fn }
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFn = now }
}

type Manager struct {
	stream   chain.LogStream
	programs []model.Program
	handler  Handler
	backoff  retry.Backoff
	logger   *slog.Logger
	observer func(model.SubscriptionState)
	nowFn    func() time.Time

	mu      sync.Mutex
	states  map[string]model.SubscriptionState
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewManager(stream chain.LogStream, registry ProgramSource, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		stream:  stream,
		handler: handler,
		backoff: retry.Backoff{Initial: retry.DefaultBackoffInitial, Max: retry.DefaultBackoffMax},
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "subscription_manager")
	if m.handler == nil {
		m.handler = func(context.Context, event.RawLogBatch) {}
	}

	if registry != nil {
		m.programs = registry.Programs()
	}
	m.states = make(map[string]model.SubscriptionState, len(m.programs))
	for _, p := range m.programs {
		m.states[p.ID] = model.SubscriptionState{
			ProgramID:    p.ID,
			ProgramLabel: p.Label,
			Status:       model.SubscriptionDisconnected,
			UpdatedAt:    m.nowFn(),
		}
	}
	return m
}

// Start launches one task per program and returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	if len(m.programs) == 0 {
		return ErrNoPrograms
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	for _, p := range m.programs {
		m.wg.Add(1)
		go func(p model.Program) {
			defer m.wg.Done()
			m.run(runCtx, p)
		}(p)
	}

	m.logger.Info("subscription manager started", "programs", len(m.programs))
	return nil
}

// Stop cancels every task and waits for them to exit. Once Stop returns the
// handler is not called again. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, st := range m.states {
		if st.Status != model.SubscriptionDisconnected || st.Connected {
			st.Status = model.SubscriptionDisconnected
			st.Connected = false
			st.UpdatedAt = m.nowFn()
			m.states[id] = st
			metrics.SubscriptionStatus.WithLabelValues(st.ProgramLabel).Set(float64(st.Status))
		}
	}
	m.mu.Unlock()
	m.logger.Info("subscription manager stopped")
}

// States returns a snapshot of every program's state, ordered by label.
func (m *Manager) States() []model.SubscriptionState {
	m.mu.Lock()
	out := make([]model.SubscriptionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProgramLabel != out[j].ProgramLabel {
			return out[i].ProgramLabel < out[j].ProgramLabel
		}
		return out[i].ProgramID < out[j].ProgramID
	})
	return out
}

func (m *Manager) run(ctx context.Context, p model.Program) {
	logger := m.logger.With("program", p.Label, "program_id", p.ID)
	st := m.snapshot(p.ID)

	for ctx.Err() == nil {
		st.Status = model.SubscriptionConnecting
		m.publish(st)

		sub, err := m.stream.Subscribe(ctx, p.ID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			st = m.fail(st, err)
			m.wait(ctx, logger, st, err)
			continue
		}

		st.Status = model.SubscriptionSubscribed
		st.Connected = true
		st.LastError = ""
		m.publish(st)
		logger.Info("subscribed", "retry_count", st.RetryCount)

		st, err = m.consume(ctx, p, sub, st)
		_ = sub.Close()
		if ctx.Err() != nil {
			break
		}
		st = m.fail(st, err)
		m.wait(ctx, logger, st, err)
	}

	st.Status = model.SubscriptionDisconnected
	st.Connected = false
	m.publish(st)
}

// consume reads batches until the stream fails or ctx is cancelled.
func (m *Manager) consume(ctx context.Context, p model.Program, sub chain.Subscription, st model.SubscriptionState) (model.SubscriptionState, error) {
	for {
		batch, err := sub.Recv(ctx)
		if err != nil {
			return st, err
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}

		batch.ProgramID = p.ID
		batch.ProgramLabel = p.Label
		metrics.SubscriptionBatches.WithLabelValues(p.Label).Inc()

		if batch.Failed {
			metrics.SubscriptionFailedTxSkipped.WithLabelValues(p.Label).Inc()
		} else {
			m.handler(ctx, batch)
		}

		if batch.Slot > st.LastProcessedSlot {
			st.LastProcessedSlot = batch.Slot
			metrics.SubscriptionLastSlot.WithLabelValues(p.Label).Set(float64(batch.Slot))
		}
		st.RetryCount = 0
		m.publish(st)
	}
}

func (m *Manager) fail(st model.SubscriptionState, err error) model.SubscriptionState {
	st.Status = model.SubscriptionDisconnected
	st.Connected = false
	st.RetryCount++
	if err != nil {
		st.LastError = err.Error()
	}
	m.publish(st)
	metrics.SubscriptionReconnects.WithLabelValues(st.ProgramLabel).Inc()
	return st
}

func (m *Manager) wait(ctx context.Context, logger *slog.Logger, st model.SubscriptionState, err error) {
	delay := m.backoff.Delay(st.RetryCount)
	logger.Warn("subscription lost, reconnecting",
		"error", err,
		"attempt", st.RetryCount,
		"backoff", delay,
	)
	_ = retry.Sleep(ctx, delay)
}

func (m *Manager) snapshot(programID string) model.SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[programID]
}

func (m *Manager) publish(st model.SubscriptionState) {
	st.UpdatedAt = m.nowFn()
	m.mu.Lock()
	m.states[st.ProgramID] = st
	m.mu.Unlock()

	metrics.SubscriptionStatus.WithLabelValues(st.ProgramLabel).Set(float64(st.Status))
	if m.observer != nil {
		m.observer(st)
	}
}
