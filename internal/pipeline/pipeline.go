// Package pipeline wires the subscription, normalization, delivery and
// reconciliation stages into one Indexer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Emmyhack/osem-sub002/internal/alert"
	"github.com/Emmyhack/osem-sub002/internal/chain"
	"github.com/Emmyhack/osem-sub002/internal/circuitbreaker"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/delivery"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/normalizer"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/reconciler"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/subscription"
	"github.com/Emmyhack/osem-sub002/internal/tracing"
)

var (
	ErrAlreadyRunning = errors.New("indexer already running")
	ErrNoStream       = errors.New("indexer requires a log stream")
)

const alertTimeout = 15 * time.Second

type Config struct {
	Programs           []model.Program
	SubscribeBackoff   retry.Backoff
	SinkTimeout        time.Duration
	SinkMaxAttempts    int
	SinkQueueSize      int
	ReconcileInterval  time.Duration
	MaxSlotSpan        uint64
	StartSlot          uint64
	UnhealthyThreshold int
}

// Deps are the external collaborators of an Indexer. Source may be nil to
// run without reconciliation; Cursors may be nil for an in-memory cursor.
type Deps struct {
	Stream  chain.LogStream
	Source  chain.LogSource
	Sinks   []delivery.Sink
	Cursors reconciler.CursorStore
	Alerter alert.Alerter
	Logger  *slog.Logger
}

// Stats is the JSON view served at /stats.
type Stats struct {
	IsRunning      bool                      `json:"isRunning"`
	ProgramsLoaded int                       `json:"programsLoaded"`
	LatestSlot     uint64                    `json:"latestSlot"`
	Subscriptions  []model.SubscriptionState `json:"subscriptions"`
	Reconciler     *ReconcilerStats          `json:"reconciler,omitempty"`
	Sinks          []circuitbreaker.Snapshot `json:"sinks"`
	Health         []HealthSnapshot          `json:"health"`
}

type ReconcilerStats struct {
	LastSyncedSlot uint64    `json:"lastSyncedSlot"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Indexer struct {
	cfg        Config
	registry   *Registry
	normalizer *normalizer.Normalizer
	delivery   *delivery.Pipeline
	subs       *subscription.Manager
	reconciler *reconciler.Reconciler
	alerter    alert.Alerter
	logger     *slog.Logger

	health          map[string]*ComponentHealth
	healthOrder     []string
	reconcileHealth *ComponentHealth

	latestSlot atomic.Uint64

	mu        sync.Mutex
	running   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	alertWG   sync.WaitGroup
	retrySeen map[string]int
}

func NewIndexer(cfg Config, deps Deps) (*Indexer, error) {
	if deps.Stream == nil {
		return nil, ErrNoStream
	}
	if len(cfg.Programs) == 0 {
		return nil, subscription.ErrNoPrograms
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}

	ix := &Indexer{
		cfg:        cfg,
		registry:   NewRegistry(cfg.Programs),
		normalizer: normalizer.New(),
		alerter:    alerter,
		logger:     logger.With("component", "indexer"),
		health:     make(map[string]*ComponentHealth),
		retrySeen:  make(map[string]int),
	}

	for _, p := range ix.registry.Programs() {
		ix.health[p.ID] = NewComponentHealth(p.Label, cfg.UnhealthyThreshold)
		ix.healthOrder = append(ix.healthOrder, p.ID)
	}

	deliveryOpts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithSinkTimeout(cfg.SinkTimeout),
		delivery.WithQueueSize(cfg.SinkQueueSize),
		delivery.WithBreakerObserver(ix.onBreakerChange),
	}
	if cfg.SinkMaxAttempts > 0 {
		deliveryOpts = append(deliveryOpts, delivery.WithRetry(cfg.SinkMaxAttempts,
			retry.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second}))
	}
	ix.delivery = delivery.New(deps.Sinks, deliveryOpts...)

	subOpts := []subscription.Option{
		subscription.WithLogger(logger),
		subscription.WithStateObserver(ix.onSubscriptionState),
	}
	if cfg.SubscribeBackoff.Initial > 0 {
		subOpts = append(subOpts, subscription.WithBackoff(cfg.SubscribeBackoff))
	}
	ix.subs = subscription.NewManager(deps.Stream, ix.registry, ix.handleBatch, subOpts...)

	if deps.Source != nil {
		ix.reconcileHealth = NewComponentHealth("reconciler", cfg.UnhealthyThreshold)
		ix.reconciler = reconciler.New(deps.Source, deps.Cursors, ix.normalizer, ix.delivery,
			reconciler.WithLogger(logger),
			reconciler.WithPrograms(ix.registry.Programs()),
			reconciler.WithInterval(cfg.ReconcileInterval),
			reconciler.WithMaxSlotSpan(cfg.MaxSlotSpan),
			reconciler.WithStartSlot(cfg.StartSlot),
			reconciler.WithTickObserver(ix.onTick),
		)
	}
	return ix, nil
}

// Start launches the subscriptions and the reconciler and returns at once.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running {
		return ErrAlreadyRunning
	}
	if ix.stopped {
		return subscription.ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := ix.subs.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start subscriptions: %w", err)
	}
	ix.cancel = cancel
	ix.running = true

	if ix.reconciler != nil {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			_ = ix.reconciler.Run(runCtx)
		}()
	}

	ix.logger.Info("indexer started",
		"programs", ix.registry.Len(),
		"sinks", ix.delivery.Sinks(),
		"reconciler", ix.reconciler != nil,
	)
	return nil
}

// Stop cancels the subscriptions and the reconciler timer, waits for them
// and then drains the sink queues. Envelopes still queued settle with the
// cancellation error without reaching their sink. Safe to call more than
// once.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if ix.stopped {
		ix.mu.Unlock()
		return
	}
	ix.stopped = true
	cancel := ix.cancel
	ix.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ix.subs.Stop()
	ix.wg.Wait()
	ix.delivery.Close()
	ix.alertWG.Wait()

	ix.mu.Lock()
	ix.running = false
	ix.mu.Unlock()
	ix.logger.Info("indexer stopped")
}

func (ix *Indexer) IsRunning() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running
}

// Healthy reports whether the indexer is running and no component is
// unhealthy.
func (ix *Indexer) Healthy() bool {
	if !ix.IsRunning() {
		return false
	}
	for _, id := range ix.healthOrder {
		if ix.health[id].Status() == HealthStatusUnhealthy {
			return false
		}
	}
	return ix.reconcileHealth == nil || ix.reconcileHealth.Status() != HealthStatusUnhealthy
}

func (ix *Indexer) Stats() Stats {
	s := Stats{
		IsRunning:      ix.IsRunning(),
		ProgramsLoaded: ix.registry.Len(),
		LatestSlot:     ix.latestSlot.Load(),
		Subscriptions:  ix.subs.States(),
		Sinks:          ix.delivery.SinkStates(),
	}
	for _, id := range ix.healthOrder {
		s.Health = append(s.Health, ix.health[id].Snapshot())
	}
	if ix.reconciler != nil {
		c := ix.reconciler.Cursor()
		s.Reconciler = &ReconcilerStats{LastSyncedSlot: c.LastSyncedSlot, UpdatedAt: c.UpdatedAt}
		s.Health = append(s.Health, ix.reconcileHealth.Snapshot())
	}
	return s
}

// handleBatch runs on the program's subscription task. It queues the
// batch's envelopes behind every sink's earlier work and returns without
// waiting for any sink, so stream order per sink follows slot order and a
// slow sink never stalls the stream.
func (ix *Indexer) handleBatch(ctx context.Context, batch event.RawLogBatch) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "indexer", "indexer.handle_batch",
		attribute.String("program", batch.ProgramLabel),
		attribute.String("signature", batch.Signature),
		attribute.Int64("slot", int64(batch.Slot)),
	)

	envs := ix.normalizer.NormalizeBatch(batch)
	for _, env := range envs {
		ix.delivery.Submit(ctx, env)
	}
	span.SetAttributes(attribute.Int("envelopes", len(envs)))
	tracing.End(span, nil)

	ix.advanceLatestSlot(batch.Slot)
	if h, ok := ix.health[batch.ProgramID]; ok {
		h.RecordLatency(time.Since(start))
	}
	if len(envs) > 0 {
		ix.logger.Debug("batch queued for delivery",
			"program", batch.ProgramLabel,
			"signature", batch.Signature,
			"slot", batch.Slot,
			"events", len(envs),
		)
	}
}

func (ix *Indexer) advanceLatestSlot(slot uint64) {
	for {
		cur := ix.latestSlot.Load()
		if slot <= cur || ix.latestSlot.CompareAndSwap(cur, slot) {
			return
		}
	}
}

func (ix *Indexer) onSubscriptionState(st model.SubscriptionState) {
	h, ok := ix.health[st.ProgramID]
	if !ok {
		return
	}

	ix.mu.Lock()
	prev := ix.retrySeen[st.ProgramID]
	ix.retrySeen[st.ProgramID] = st.RetryCount
	ix.mu.Unlock()

	switch {
	case st.RetryCount > prev:
		if h.RecordFailure() {
			ix.sendAlert(alert.Alert{
				Type:      alert.AlertTypeSubscriptionDown,
				Component: "subscription",
				Subject:   st.ProgramLabel,
				Title:     "Log subscription down",
				Message:   st.LastError,
				Fields: map[string]string{
					"program_id":          st.ProgramID,
					"retry_count":         strconv.Itoa(st.RetryCount),
					"last_processed_slot": strconv.FormatUint(st.LastProcessedSlot, 10),
				},
			})
		}
	case st.Status == model.SubscriptionSubscribed:
		if h.RecordSuccess() {
			ix.sendAlert(alert.Alert{
				Type:      alert.AlertTypeRecovery,
				Component: "subscription",
				Subject:   st.ProgramLabel,
				Title:     "Log subscription recovered",
				Message:   "subscription re-established",
				Fields:    map[string]string{"program_id": st.ProgramID},
			})
		}
	}
}

func (ix *Indexer) onTick(r reconciler.TickReport) {
	if r.Err == nil {
		if ix.reconcileHealth.RecordSuccess() {
			ix.sendAlert(alert.Alert{
				Type:      alert.AlertTypeRecovery,
				Component: "reconciler",
				Subject:   "reconciler",
				Title:     "Reconciler recovered",
				Message:   fmt.Sprintf("reconciled through slot %d", r.ToSlot),
			})
		}
		return
	}
	if ix.reconcileHealth.RecordFailure() {
		ix.sendAlert(alert.Alert{
			Type:      alert.AlertTypeReconcileFailed,
			Component: "reconciler",
			Subject:   "reconciler",
			Title:     "Reconcile ticks failing",
			Message:   r.Err.Error(),
			Fields: map[string]string{
				"from_slot": strconv.FormatUint(r.FromSlot, 10),
				"to_slot":   strconv.FormatUint(r.ToSlot, 10),
				"head_slot": strconv.FormatUint(r.HeadSlot, 10),
			},
		})
	}
}

func (ix *Indexer) onBreakerChange(sink string, from, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.StateOpen:
		ix.sendAlert(alert.Alert{
			Type:      alert.AlertTypeSinkOpen,
			Component: "delivery",
			Subject:   sink,
			Title:     "Sink circuit open",
			Message:   fmt.Sprintf("sink %s is failing; deliveries are skipped until it recovers", sink),
		})
	case circuitbreaker.StateClosed:
		if from == circuitbreaker.StateHalfOpen {
			ix.sendAlert(alert.Alert{
				Type:      alert.AlertTypeRecovery,
				Component: "delivery",
				Subject:   sink,
				Title:     "Sink recovered",
				Message:   fmt.Sprintf("sink %s accepted deliveries again", sink),
			})
		}
	}
}

// sendAlert dispatches off the caller's goroutine; observers run on
// subscription tasks and under breaker locks.
func (ix *Indexer) sendAlert(a alert.Alert) {
	ix.alertWG.Add(1)
	go func() {
		defer ix.alertWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := ix.alerter.Send(ctx, a); err != nil {
			ix.logger.Warn("alert delivery failed", "type", a.Type, "subject", a.Subject, "error", err)
		}
	}()
}
