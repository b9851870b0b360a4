// Package reconciler periodically re-derives program events from the chain
// for the slots the stream may have missed and feeds them to the same
// delivery path as streamed events.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Emmyhack/osem-sub002/internal/chain"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/delivery"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/normalizer"
	"github.com/Emmyhack/osem-sub002/internal/tracing"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultMaxSlotSpan = 5000
)

// CursorStore persists the reconcile cursor. Advance must never lower a
// stored value.
type CursorStore interface {
	Get(ctx context.Context, name string) (*model.ReconcileCursor, error)
	Advance(ctx context.Context, name string, slot uint64) error
}

// TickReport summarizes one tick for observers.
type TickReport struct {
	FromSlot  uint64
	ToSlot    uint64
	HeadSlot  uint64
	Batches   int
	Envelopes int
	Failed    int
	// Skipped counts envelopes some sink missed because its breaker was open.
	Skipped int
	Seeded    bool
	Err       error
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithPrograms(programs []model.Program) Option {
	return func(r *Reconciler) { r.programs = append([]model.Program(nil), programs...) }
}

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMaxSlotSpan(span uint64) Option {
	return func(r *Reconciler) {
		if span > 0 {
			r.maxSpan = span
		}
	}
}

// WithStartSlot seeds the cursor when none is stored. Zero seeds from head.
func WithStartSlot(slot uint64) Option {
	return func(r *Reconciler) { r.startSlot = slot }
}

func WithCursorName(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.name = name
		}
	}
}

// WithTickObserver is called after every tick, successful or not.
func WithTickObserver(fn func(TickReport)) Option {
	return func(r *Reconciler) { r.observer = fn }
}

type Reconciler struct {
	source     chain.LogSource
	cursors    CursorStore
	normalizer *normalizer.Normalizer
	deliverer  delivery.Deliverer
	programs   []model.Program
	interval   time.Duration
	maxSpan    uint64
	startSlot  uint64
	name       string
	observer   func(TickReport)
	logger     *slog.Logger

	tickMu sync.Mutex

	mu     sync.RWMutex
	cursor model.ReconcileCursor
	loaded bool
}

func New(source chain.LogSource, cursors CursorStore, norm *normalizer.Normalizer, deliverer delivery.Deliverer, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:     source,
		cursors:    cursors,
		normalizer: norm,
		deliverer:  deliverer,
		interval:   DefaultInterval,
		maxSpan:    DefaultMaxSlotSpan,
		name:       model.DefaultCursorName,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cursors == nil {
		r.cursors = NewMemoryCursorStore()
	}
	if r.normalizer == nil {
		r.normalizer = normalizer.New()
	}
	r.logger = r.logger.With("component", "reconciler")
	r.cursor.Name = r.name
	return r
}

// Run ticks once immediately and then on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.interval, "max_slot_span", r.maxSpan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		_ = r.Tick(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cursor returns the last cursor value this reconciler loaded or wrote.
func (r *Reconciler) Cursor() model.ReconcileCursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// Tick reconciles at most one span of slots. If any sink fails an envelope
// the cursor is left where it was and the same range is retried on the next
// tick. A sink whose breaker is open does not hold the cursor.
func (r *Reconciler) Tick(ctx context.Context) (err error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := time.Now()
	ctx, span := tracing.Start(ctx, "reconciler", "reconciler.tick")
	report := TickReport{}
	defer func() {
		report.Err = err
		result := "success"
		if err != nil {
			result = "error"
			r.logger.Error("reconcile tick failed",
				"from_slot", report.FromSlot,
				"to_slot", report.ToSlot,
				"error", err,
			)
		}
		metrics.ReconcileTicks.WithLabelValues(result).Inc()
		metrics.ReconcileTickLatency.Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int64("from_slot", int64(report.FromSlot)),
			attribute.Int64("to_slot", int64(report.ToSlot)),
			attribute.Int("envelopes", report.Envelopes),
		)
		tracing.End(span, err)
		if r.observer != nil {
			r.observer(report)
		}
	}()

	last, known, err := r.loadCursor(ctx)
	if err != nil {
		return err
	}

	head, err := r.source.HeadSlot(ctx)
	if err != nil {
		return fmt.Errorf("head slot: %w", err)
	}
	report.HeadSlot = head
	metrics.ReconcileHeadSlot.Set(float64(head))

	if !known {
		seed := r.startSlot
		if seed == 0 || seed > head {
			seed = head
		}
		report.Seeded = true
		report.FromSlot, report.ToSlot = seed, seed
		if err := r.advance(ctx, seed); err != nil {
			return err
		}
		r.logger.Info("reconcile cursor seeded", "slot", seed, "head", head)
		return nil
	}

	report.FromSlot, report.ToSlot = last, last
	if head <= last {
		return nil
	}

	to := head
	if head-last > r.maxSpan {
		to = last + r.maxSpan
	}
	report.ToSlot = to
	metrics.ReconcileGapSlots.Add(float64(to - last))

	batches, err := r.fetch(ctx, last, to)
	if err != nil {
		return err
	}
	report.Batches = len(batches)

	var envs []event.EventEnvelope
	for _, b := range batches {
		envs = append(envs, r.normalizer.NormalizeBatch(b)...)
	}
	skippedBy := make(map[string]int)
	for _, res := range r.deliverer.DeliverBatch(ctx, envs) {
		report.Envelopes++
		if !res.Settled() {
			report.Failed++
			continue
		}
		if skipped := res.Skipped(); len(skipped) > 0 {
			report.Skipped++
			for _, name := range skipped {
				skippedBy[name]++
			}
		}
	}
	metrics.ReconcileEnvelopes.Add(float64(report.Envelopes))
	if err := ctx.Err(); err != nil {
		return err
	}

	if report.Failed > 0 {
		return fmt.Errorf("reconcile slots (%d, %d]: %d of %d envelopes not fully delivered",
			last, to, report.Failed, report.Envelopes)
	}
	for name, n := range skippedBy {
		r.logger.Warn("sink circuit open, reconciled envelopes not redelivered to it",
			"sink", name,
			"from_slot", last,
			"to_slot", to,
			"envelopes", n,
		)
	}

	if err := r.advance(ctx, to); err != nil {
		return err
	}
	r.logger.Info("reconciled slot range",
		"from_slot", last,
		"to_slot", to,
		"head", head,
		"batches", report.Batches,
		"envelopes", report.Envelopes,
	)
	return nil
}

// fetch gathers batches for every program and orders them by slot. Batches
// of one program keep their relative order.
func (r *Reconciler) fetch(ctx context.Context, from, to uint64) ([]event.RawLogBatch, error) {
	var all []event.RawLogBatch
	for _, p := range r.programs {
		batches, err := r.source.FetchLogBatches(ctx, p.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("fetch %s logs (%d, %d]: %w", p.Label, from, to, err)
		}
		for i := range batches {
			batches[i].ProgramID = p.ID
			batches[i].ProgramLabel = p.Label
			batches[i].Source = event.SourceReconcile
		}
		all = append(all, batches...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Slot < all[j].Slot })
	return all, nil
}

func (r *Reconciler) loadCursor(ctx context.Context) (uint64, bool, error) {
	r.mu.RLock()
	if r.loaded {
		slot := r.cursor.LastSyncedSlot
		r.mu.RUnlock()
		return slot, true, nil
	}
	r.mu.RUnlock()

	stored, err := r.cursors.Get(ctx, r.name)
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	if stored == nil {
		return 0, false, nil
	}

	r.mu.Lock()
	r.cursor = *stored
	r.loaded = true
	r.mu.Unlock()
	metrics.ReconcileCursorSlot.Set(float64(stored.LastSyncedSlot))
	return stored.LastSyncedSlot, true, nil
}

func (r *Reconciler) advance(ctx context.Context, slot uint64) error {
	if err := r.cursors.Advance(ctx, r.name, slot); err != nil {
		return fmt.Errorf("advance cursor to %d: %w", slot, err)
	}

	r.mu.Lock()
	if !r.loaded || slot > r.cursor.LastSyncedSlot {
		r.cursor.LastSyncedSlot = slot
	}
	r.cursor.UpdatedAt = time.Now().UTC()
	r.loaded = true
	current := r.cursor.LastSyncedSlot
	r.mu.Unlock()

	metrics.ReconcileCursorSlot.Set(float64(current))
	return nil
}
