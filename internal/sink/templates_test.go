package sink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

func TestFormatUSDC(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{json.Number("2500000"), "2.5"},
		{json.Number("1000000"), "1"},
		{json.Number("1"), "0.000001"},
		{json.Number("18446744073709551615"), "18446744073709.551615"},
		{"750000", "0.75"},
		{float64(3000000), "3"},
		{int64(-1500000), "-1.5"},
		{nil, "0"},
		{"not-a-number", "not-a-number"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatUSDC(tc.in), "%v", tc.in)
	}
}

func TestRecipientOf(t *testing.T) {
	assert.Equal(t, "c", recipientOf(map[string]any{"group": "g", "creator": "c"}))
	assert.Equal(t, "m", recipientOf(map[string]any{"group": "g", "member": "m"}))
	assert.Equal(t, "k", recipientOf(map[string]any{"group": "g", "contributor": "k"}))
	assert.Equal(t, "r", recipientOf(map[string]any{"group": "g", "recipient": "r"}))
	assert.Equal(t, "g", recipientOf(map[string]any{"group": "g", "member": ""}))
	assert.Empty(t, recipientOf(map[string]any{"member": json.Number("5")}))
	assert.Empty(t, recipientOf(nil))
}

func TestTemplates_CoverEveryKind(t *testing.T) {
	for _, k := range event.AllKinds() {
		tmpl, ok := templates[k]
		if assert.True(t, ok, k.String()) {
			assert.NotEmpty(t, tmpl.Title)
			assert.NotEmpty(t, tmpl.Message(map[string]any{}))
		}
	}
}

func TestGracePeriodMessage(t *testing.T) {
	msg := templates[event.KindGracePeriodStarted].Message(map[string]any{"grace_until": json.Number("1772366400")})
	assert.Contains(t, msg, "2026-03-01 12:00 UTC")
}
