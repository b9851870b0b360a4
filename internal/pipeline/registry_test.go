package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry([]model.Program{
		{Label: model.ProgramLabelGroup, ID: "G1"},
		{Label: model.ProgramLabelTrust, ID: "T1"},
		{Label: "dup", ID: "G1"},
	})

	assert.Equal(t, 2, r.Len())
	p, ok := r.Get("G1")
	require.True(t, ok)
	assert.Equal(t, model.ProgramLabelGroup, p.Label)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.True(t, r.Register(model.Program{Label: model.ProgramLabelTreasury, ID: "R1"}))
	assert.False(t, r.Register(model.Program{Label: "again", ID: "R1"}))
	assert.Equal(t, []string{"G1", "T1", "R1"}, ids(r.Programs()))
}

func TestRegistry_ProgramsReturnsCopy(t *testing.T) {
	r := NewRegistry([]model.Program{{Label: "group", ID: "G1"}})
	ps := r.Programs()
	ps[0].ID = "mutated"

	p, ok := r.Get("G1")
	require.True(t, ok)
	assert.Equal(t, "G1", p.ID)
	assert.Equal(t, "G1", r.Programs()[0].ID)
}

func ids(ps []model.Program) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
