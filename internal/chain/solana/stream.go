package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	solanago "github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/Emmyhack/osem-sub002/internal/chain"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

// ErrSubscriptionClosed is returned by Recv after the node ends the stream.
var ErrSubscriptionClosed = errors.New("log subscription closed")

// Stream opens logsSubscribe websocket subscriptions, one connection per program.
type Stream struct {
	wsURL      string
	commitment solrpc.CommitmentType
	logger     *slog.Logger
}

var _ chain.LogStream = (*Stream)(nil)

func NewStream(wsURL, commitment string, logger *slog.Logger) *Stream {
	if commitment == "" {
		commitment = string(solrpc.CommitmentConfirmed)
	}
	return &Stream{
		wsURL:      wsURL,
		commitment: solrpc.CommitmentType(commitment),
		logger:     logger.With("component", "solana_stream"),
	}
}

func (s *Stream) Subscribe(ctx context.Context, programID string) (chain.Subscription, error) {
	if err := ValidateProgramID(programID); err != nil {
		return nil, err
	}
	pk := solanago.MustPublicKeyFromBase58(programID)

	client, err := ws.Connect(ctx, s.wsURL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.wsURL, err)
	}

	sub, err := client.LogsSubscribeMentions(pk, s.commitment)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("logsSubscribe %s: %w", programID, err)
	}

	s.logger.Debug("log subscription acknowledged", "program_id", programID)
	return &logSubscription{programID: programID, client: client, sub: sub}, nil
}

type logSubscription struct {
	programID string
	client    *ws.Client
	sub       *ws.LogSubscription
	closeOnce sync.Once
}

func (l *logSubscription) Recv(ctx context.Context) (event.RawLogBatch, error) {
	res, err := l.sub.Recv(ctx)
	if err != nil {
		return event.RawLogBatch{}, err
	}
	if res == nil {
		return event.RawLogBatch{}, ErrSubscriptionClosed
	}
	return toRawLogBatch(l.programID, res), nil
}

func (l *logSubscription) Close() error {
	l.closeOnce.Do(func() {
		l.sub.Unsubscribe()
		l.client.Close()
	})
	return nil
}

func toRawLogBatch(programID string, res *ws.LogResult) event.RawLogBatch {
	lines := make([]string, len(res.Value.Logs))
	copy(lines, res.Value.Logs)
	return event.RawLogBatch{
		ProgramID: programID,
		Signature: res.Value.Signature.String(),
		Slot:      res.Context.Slot,
		LogLines:  lines,
		Source:    event.SourceStream,
		Failed:    res.Value.Err != nil,
	}
}

// ValidateProgramID reports whether id is a base58 encoded 32-byte public key.
func ValidateProgramID(id string) error {
	if _, err := solanago.PublicKeyFromBase58(id); err != nil {
		return fmt.Errorf("invalid public key %q: %w", id, err)
	}
	return nil
}
