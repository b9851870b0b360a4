package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/Emmyhack/osem-sub002/internal/chain/solana/rpc"
	rpcmocks "github.com/Emmyhack/osem-sub002/internal/chain/solana/rpc/mocks"
	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testProgram = "GrpProg11111111111111111111111111111111111"

func newTestAdapter(ctrl *gomock.Controller) (*Adapter, *rpcmocks.MockRPCClient) {
	mockClient := rpcmocks.NewMockRPCClient(ctrl)
	adapter := NewAdapter(mockClient, slog.Default(), WithProgramLabels(map[string]string{testProgram: "group"}))
	return adapter, mockClient
}

func txWithLogs(slot uint64, lines ...string) *rpc.TransactionResponse {
	return &rpc.TransactionResponse{Slot: slot, Meta: &rpc.TransactionMeta{LogMessages: lines}}
}

func TestAdapter_RPCClientContractParity(t *testing.T) {
	t.Parallel()

	var _ rpc.RPCClient = (*rpc.Client)(nil)
	var _ rpc.RPCClient = (*rpcmocks.MockRPCClient)(nil)
}

func TestAdapter_HeadSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().GetSlot(gomock.Any()).Return(uint64(123456), nil)

	slot, err := adapter.HeadSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), slot)
}

func TestAdapter_HeadSlot_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().GetSlot(gomock.Any()).Return(uint64(0), errors.New("rpc unavailable"))

	_, err := adapter.HeadSlot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc unavailable")
}

func TestAdapter_FetchLogBatches_EmptyRange(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, _ := newTestAdapter(ctrl)

	batches, err := adapter.FetchLogBatches(context.Background(), testProgram, 100, 100)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestAdapter_FetchLogBatches_FiltersRangeAndOrdersOldestFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().
		GetSignaturesForAddress(gomock.Any(), testProgram, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			assert.Equal(t, maxPageSize, opts.Limit)
			assert.Empty(t, opts.Before)
			return []rpc.SignatureInfo{
				{Signature: "sig-105", Slot: 105},
				{Signature: "sig-103", Slot: 103},
				{Signature: "sig-102-failed", Slot: 102, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
				{Signature: "sig-101", Slot: 101},
				{Signature: "sig-100", Slot: 100},
				{Signature: "sig-99", Slot: 99},
			}, nil
		})
	mockClient.EXPECT().GetTransaction(gomock.Any(), "sig-101").
		Return(txWithLogs(101, `Program log: MemberJoined: {"member":"A"}`), nil)
	mockClient.EXPECT().GetTransaction(gomock.Any(), "sig-103").
		Return(txWithLogs(103, `Program log: ContributionMade: {"member":"A"}`), nil)

	batches, err := adapter.FetchLogBatches(context.Background(), testProgram, 100, 104)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, "sig-101", batches[0].Signature)
	assert.Equal(t, uint64(101), batches[0].Slot)
	assert.Equal(t, "group", batches[0].ProgramLabel)
	assert.Equal(t, event.SourceReconcile, batches[0].Source)
	assert.Len(t, batches[0].LogLines, 1)

	assert.Equal(t, "sig-102-failed", batches[1].Signature)
	assert.True(t, batches[1].Failed)
	assert.Empty(t, batches[1].LogLines)

	assert.Equal(t, "sig-103", batches[2].Signature)
	assert.False(t, batches[2].Failed)
}

func TestAdapter_FetchLogBatches_Paginates(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)
	adapter.maxPageSize = 2

	gomock.InOrder(
		mockClient.EXPECT().
			GetSignaturesForAddress(gomock.Any(), testProgram, &rpc.GetSignaturesOpts{Limit: 2}).
			Return([]rpc.SignatureInfo{{Signature: "s4", Slot: 14}, {Signature: "s3", Slot: 13}}, nil),
		mockClient.EXPECT().
			GetSignaturesForAddress(gomock.Any(), testProgram, &rpc.GetSignaturesOpts{Limit: 2, Before: "s3"}).
			Return([]rpc.SignatureInfo{{Signature: "s2", Slot: 12}, {Signature: "s1", Slot: 10}}, nil),
	)
	for _, sig := range []string{"s4", "s3", "s2"} {
		mockClient.EXPECT().GetTransaction(gomock.Any(), sig).Return(txWithLogs(1), nil)
	}

	batches, err := adapter.FetchLogBatches(context.Background(), testProgram, 10, 20)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"s2", "s3", "s4"}, []string{batches[0].Signature, batches[1].Signature, batches[2].Signature})
}

func TestAdapter_FetchLogBatches_MissingTransactionIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().GetSignaturesForAddress(gomock.Any(), testProgram, gomock.Any()).
		Return([]rpc.SignatureInfo{{Signature: "late", Slot: 50}}, nil)
	mockClient.EXPECT().GetTransaction(gomock.Any(), "late").Return(nil, nil)

	_, err := adapter.FetchLogBatches(context.Background(), testProgram, 40, 60)
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
}

func TestAdapter_FetchLogBatches_TransactionError(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().GetSignaturesForAddress(gomock.Any(), testProgram, gomock.Any()).
		Return([]rpc.SignatureInfo{{Signature: "a", Slot: 50}, {Signature: "b", Slot: 49}}, nil)
	mockClient.EXPECT().GetTransaction(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("http status 503: busy")).MinTimes(1).MaxTimes(2)

	_, err := adapter.FetchLogBatches(context.Background(), testProgram, 40, 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestAdapter_FetchLogBatches_SignaturePageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter, mockClient := newTestAdapter(ctrl)

	mockClient.EXPECT().GetSignaturesForAddress(gomock.Any(), testProgram, gomock.Any()).
		Return(nil, errors.New("connection reset"))

	_, err := adapter.FetchLogBatches(context.Background(), testProgram, 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch signatures page")
}
