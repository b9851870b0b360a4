package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_WritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink(w, "oseme.events")

	require.NoError(t, s.Deliver(context.Background(), contribution()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "5h3sig", string(msg.Key))

	var body eventMessage
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "ContributionMade", body.Kind)
	assert.Equal(t, "group", body.ProgramLabel)
	assert.Equal(t, uint64(245_678_901), body.Slot)
	assert.Equal(t, "stream", body.Source)
	assert.JSONEq(t, `{"group":"GrpPda111","contributor":"Alice111","amount":2500000}`, string(body.Payload))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "ContributionMade", headers["kind"])
	assert.Equal(t, "stream", headers["source"])

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteErrorIsTransient(t *testing.T) {
	s := newKafkaSink(&fakeWriter{err: errors.New("leader not available")}, "oseme.events")
	err := s.Deliver(context.Background(), contribution())
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.ErrorContains(t, err, "oseme.events")
}

func TestParseRequiredAcks(t *testing.T) {
	tests := map[string]kafka.RequiredAcks{
		"":     kafka.RequireOne,
		"one":  kafka.RequireOne,
		"none": kafka.RequireNone,
		"all":  kafka.RequireAll,
	}
	for in, want := range tests {
		got, err := ParseRequiredAcks(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRequiredAcks("quorum")
	assert.Error(t, err)
}

func TestNewKafkaSink_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", RequiredAcks: "all"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
	require.NoError(t, s.Close())
}
