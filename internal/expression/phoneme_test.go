package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/rig"
)

func TestPhonemeShape(t *testing.T) {
	tests := []struct {
		symbol string
		want   rig.Channel
		ok     bool
	}{
		{"AA", rig.Aa, true},
		{"aa1", rig.Aa, true},
		{"UW0", rig.Ou, true},
		{"IY", rig.Ih, true},
		{"EH2", rig.Ee, true},
		{"OW", rig.Oh, true},
		{"M", 0, false},
		{"sil", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			ch, w, ok := PhonemeShape(tt.symbol)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, ch)
				assert.Positive(t, w)
				assert.LessOrEqual(t, w, float32(1))
			}
		})
	}
}

func TestPhonemesToVisemes(t *testing.T) {
	track := PhonemesToVisemes([]Phoneme{
		{Symbol: "HH", StartMs: 0, EndMs: 80},
		{Symbol: "AH0", StartMs: 80, EndMs: 200},
		{Symbol: "L", StartMs: 200, EndMs: 260},
		{Symbol: "M", StartMs: 260, EndMs: 300},
		{Symbol: "OW1", StartMs: 300, EndMs: 300},
	})
	require.Len(t, track, 3)
	assert.Equal(t, rig.Aa, track[1].Shape)
	assert.InDelta(t, 0.08, track[1].Offset, 1e-6)
	assert.InDelta(t, 0.12, track[1].Duration, 1e-6)
	assert.Equal(t, rig.Ih, track[2].Shape)
}

func TestPhonemeTrackDrivesMouth(t *testing.T) {
	m, r := attached(t, immediate())
	m.SetSpeaking(true)
	m.QueueVisemes(PhonemesToVisemes([]Phoneme{{Symbol: "UW", StartMs: 0, EndMs: 500}}))
	for i := 0; i < 20; i++ {
		m.Update(0.01)
	}
	assert.Greater(t, r.Weights[rig.Ou], float32(0.3))
	assert.Zero(t, r.Weights[rig.Ih])
}
