package chain

import (
	"context"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

// LogStream opens live log subscriptions keyed by program id.
type LogStream interface {
	// Subscribe returns once the subscription is acknowledged by the node.
	Subscribe(ctx context.Context, programID string) (Subscription, error)
}

// Subscription yields the log output of one transaction at a time, in
// the order the node delivered them.
type Subscription interface {
	// Recv blocks for the next batch. Any error ends the subscription.
	Recv(ctx context.Context) (event.RawLogBatch, error)
	Close() error
}

// LogSource re-derives historical log output for the reconciler.
type LogSource interface {
	// HeadSlot returns the latest slot at the configured commitment.
	HeadSlot(ctx context.Context) (uint64, error)

	// FetchLogBatches returns every transaction of programID with
	// fromSlot < slot <= toSlot, oldest first.
	FetchLogBatches(ctx context.Context, programID string, fromSlot, toSlot uint64) ([]event.RawLogBatch, error)
}
