package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"LogLinesParsed", LogLinesParsed},
		{"EventsParsed", EventsParsed},
		{"LogLinesMalformed", LogLinesMalformed},
		{"SubscriptionStatus", SubscriptionStatus},
		{"SubscriptionReconnects", SubscriptionReconnects},
		{"SubscriptionBatches", SubscriptionBatches},
		{"SubscriptionLastSlot", SubscriptionLastSlot},
		{"SubscriptionFailedTxSkipped", SubscriptionFailedTxSkipped},
		{"EnvelopesDelivered", EnvelopesDelivered},
		{"SinkOutcomes", SinkOutcomes},
		{"SinkLatency", SinkLatency},
		{"SinkCircuitState", SinkCircuitState},
		{"NotificationsDeduplicated", NotificationsDeduplicated},
		{"PayloadSchemaViolations", PayloadSchemaViolations},
		{"ReconcileTicks", ReconcileTicks},
		{"ReconcileGapSlots", ReconcileGapSlots},
		{"ReconcileEnvelopes", ReconcileEnvelopes},
		{"ReconcileCursorSlot", ReconcileCursorSlot},
		{"ReconcileHeadSlot", ReconcileHeadSlot},
		{"ReconcileTickLatency", ReconcileTickLatency},
		{"RPCCallsTotal", RPCCallsTotal},
		{"RPCRateLimitWaits", RPCRateLimitWaits},
		{"AlertsSentTotal", AlertsSentTotal},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
		{"DBPoolOpen", DBPoolOpen},
		{"DBPoolInUse", DBPoolInUse},
		{"DBPoolIdle", DBPoolIdle},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrementNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { LogLinesParsed.WithLabelValues("group").Inc() })
	assert.NotPanics(t, func() { EventsParsed.WithLabelValues("group", "GroupCreated").Inc() })
	assert.NotPanics(t, func() { LogLinesMalformed.WithLabelValues("group", "GroupCreated").Inc() })
	assert.NotPanics(t, func() { SubscriptionReconnects.WithLabelValues("group").Inc() })
	assert.NotPanics(t, func() { SubscriptionBatches.WithLabelValues("group").Inc() })
	assert.NotPanics(t, func() { EnvelopesDelivered.WithLabelValues("GroupCreated", "stream").Inc() })
	assert.NotPanics(t, func() { SinkOutcomes.WithLabelValues("webhook", "ok").Inc() })
	assert.NotPanics(t, func() { NotificationsDeduplicated.Inc() })
	assert.NotPanics(t, func() { ReconcileTicks.WithLabelValues("ok").Inc() })
	assert.NotPanics(t, func() { ReconcileGapSlots.Add(3) })
	assert.NotPanics(t, func() { RPCCallsTotal.WithLabelValues("getSlot", "ok").Inc() })
}

func TestMetrics_HistogramObserveNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { SinkLatency.WithLabelValues("store").Observe(0.2) })
	assert.NotPanics(t, func() { ReconcileTickLatency.Observe(1.5) })
}

func TestMetrics_GaugeSetNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { SubscriptionStatus.WithLabelValues("group").Set(2) })
	assert.NotPanics(t, func() { SubscriptionLastSlot.WithLabelValues("group").Set(100) })
	assert.NotPanics(t, func() { SinkCircuitState.WithLabelValues("webhook").Set(1) })
	assert.NotPanics(t, func() { ReconcileCursorSlot.Set(42) })
	assert.NotPanics(t, func() { ReconcileHeadSlot.Set(43) })
	assert.NotPanics(t, func() { DBPoolOpen.Set(4) })
	assert.NotPanics(t, func() { DBPoolInUse.Set(2) })
	assert.NotPanics(t, func() { DBPoolIdle.Set(2) })
}
