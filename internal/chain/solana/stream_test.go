package solana

import (
	"context"
	"log/slog"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

func TestToRawLogBatch(t *testing.T) {
	t.Parallel()

	var sig solanago.Signature
	sig[0] = 7

	res := &ws.LogResult{}
	res.Context.Slot = 321
	res.Value.Signature = sig
	res.Value.Logs = []string{"Program log: GroupCreated: {\"groupId\":1}"}

	batch := toRawLogBatch("prog", res)
	assert.Equal(t, "prog", batch.ProgramID)
	assert.Equal(t, sig.String(), batch.Signature)
	assert.Equal(t, uint64(321), batch.Slot)
	assert.Equal(t, event.SourceStream, batch.Source)
	assert.False(t, batch.Failed)
	assert.Equal(t, res.Value.Logs, batch.LogLines)

	res.Value.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	assert.True(t, toRawLogBatch("prog", res).Failed)
}

func TestStream_SubscribeRejectsInvalidProgramID(t *testing.T) {
	t.Parallel()

	s := NewStream("ws://127.0.0.1:1", "", slog.Default())
	_, err := s.Subscribe(context.Background(), "not-a-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid public key")
}

func TestValidateProgramID(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateProgramID(solanago.SystemProgramID.String()))
	assert.Error(t, ValidateProgramID(""))
	assert.Error(t, ValidateProgramID("0OIl"))
}
