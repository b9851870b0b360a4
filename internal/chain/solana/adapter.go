package solana

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Emmyhack/osem-sub002/internal/chain"
	"github.com/Emmyhack/osem-sub002/internal/chain/ratelimit"
	"github.com/Emmyhack/osem-sub002/internal/chain/solana/rpc"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/metrics"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

const (
	maxPageSize      = 1000
	maxConcurrentTxs = 8
)

// Adapter re-derives program log output over JSON-RPC.
type Adapter struct {
	client           rpc.RPCClient
	limiter          *ratelimit.Limiter
	labels           map[string]string
	logger           *slog.Logger
	maxPageSize      int
	maxConcurrentTxs int
}

var _ chain.LogSource = (*Adapter)(nil)

type AdapterOption func(*Adapter)

// WithRateLimit throttles every RPC call made by the adapter.
func WithRateLimit(l *ratelimit.Limiter) AdapterOption {
	return func(a *Adapter) { a.limiter = l }
}

// WithProgramLabels attaches labels to the batches of known programs.
func WithProgramLabels(labels map[string]string) AdapterOption {
	return func(a *Adapter) {
		a.labels = make(map[string]string, len(labels))
		for id, label := range labels {
			a.labels[id] = label
		}
	}
}

func NewAdapter(client rpc.RPCClient, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client:           client,
		logger:           logger.With("component", "solana_adapter"),
		maxPageSize:      maxPageSize,
		maxConcurrentTxs: maxConcurrentTxs,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) HeadSlot(ctx context.Context) (uint64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	slot, err := a.client.GetSlot(ctx)
	ratelimit.RecordRPCCall("getSlot", err)
	if err != nil {
		return 0, fmt.Errorf("head slot: %w", err)
	}
	return slot, nil
}

// FetchLogBatches walks the program's signatures newest-first until it
// passes fromSlot, then fetches the logs of every successful transaction.
func (a *Adapter) FetchLogBatches(ctx context.Context, programID string, fromSlot, toSlot uint64) ([]event.RawLogBatch, error) {
	if toSlot <= fromSlot {
		return nil, nil
	}

	sigs, err := a.collectSignatures(ctx, programID, fromSlot, toSlot)
	if err != nil {
		return nil, err
	}

	label := a.labels[programID]
	batches := make([]event.RawLogBatch, len(sigs))
	var toFetch []int
	for i, sig := range sigs {
		batches[i] = event.RawLogBatch{
			ProgramID:    programID,
			ProgramLabel: label,
			Signature:    sig.Signature,
			Slot:         sig.Slot,
			Source:       event.SourceReconcile,
			Failed:       sig.Err != nil,
		}
		if sig.Err == nil {
			toFetch = append(toFetch, i)
		}
	}

	if err := a.fetchLogs(ctx, batches, toFetch); err != nil {
		return nil, err
	}

	a.logger.Debug("fetched log batches",
		"program_id", programID,
		"from_slot", fromSlot,
		"to_slot", toSlot,
		"signatures", len(sigs),
		"fetched", len(toFetch),
	)
	return batches, nil
}

// collectSignatures returns signatures with fromSlot < slot <= toSlot, oldest first.
func (a *Adapter) collectSignatures(ctx context.Context, programID string, fromSlot, toSlot uint64) ([]rpc.SignatureInfo, error) {
	var collected []rpc.SignatureInfo
	before := ""

	for {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		page, err := a.client.GetSignaturesForAddress(ctx, programID, &rpc.GetSignaturesOpts{
			Limit:  a.maxPageSize,
			Before: before,
		})
		ratelimit.RecordRPCCall("getSignaturesForAddress", err)
		if err != nil {
			return nil, fmt.Errorf("fetch signatures page: %w", err)
		}
		if len(page) == 0 {
			break
		}

		reachedStart := false
		for _, sig := range page {
			if sig.Slot > toSlot {
				continue
			}
			if sig.Slot <= fromSlot {
				reachedStart = true
				break
			}
			collected = append(collected, sig)
		}
		if reachedStart || len(page) < a.maxPageSize {
			break
		}
		before = page[len(page)-1].Signature
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func (a *Adapter) fetchLogs(ctx context.Context, batches []event.RawLogBatch, indexes []int) error {
	if len(indexes) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, a.maxConcurrentTxs)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, idx := range indexes {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			signature := batches[idx].Signature
			if err := a.wait(ctx); err != nil {
				fail(err)
				return
			}
			tx, err := a.client.GetTransaction(ctx, signature)
			ratelimit.RecordRPCCall("getTransaction", err)
			if err != nil {
				fail(fmt.Errorf("fetch tx %s: %w", signature, err))
				return
			}
			if tx == nil {
				// Not yet visible at this commitment; the range must be retried.
				fail(retry.Transient(fmt.Errorf("transaction %s not found", signature)))
				return
			}

			batches[idx].LogLines = tx.Logs()
			batches[idx].Failed = tx.Failed()
		}(idx)
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, b := range batches {
		if b.Failed {
			metrics.SubscriptionFailedTxSkipped.WithLabelValues(b.ProgramLabel).Inc()
		}
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return ctx.Err()
	}
	return a.limiter.Wait(ctx)
}
