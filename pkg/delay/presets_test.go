package delay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

func TestPresets_Ascending(t *testing.T) {
	list := Presets()

	require.Len(t, list, 13)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Offset, list[i].Offset)
	}
	assert.Equal(t, "No Delay", list[5].Label)
}

func TestPresets_ReturnsCopy(t *testing.T) {
	list := Presets()
	list[0].Label = "changed"

	assert.Equal(t, "-1.0s", Presets()[0].Label)
}

func TestLabelFor(t *testing.T) {
	tests := []struct {
		offset time.Duration
		want   string
	}{
		{0, "No Delay"},
		{500 * ms, "+500ms"},
		{-1000 * ms, "-1.0s"},
		{2000 * ms, "+2.0s"},
		{300 * ms, "+300ms"},
		{-42 * ms, "-42ms"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, LabelFor(tt.offset))
		})
	}
}

func TestStepPreset(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		steps   int
		want    time.Duration
	}{
		{"no steps", 300 * ms, 0, 300 * ms},
		{"up from zero", 0, 1, 100 * ms},
		{"down from zero", 0, -1, -100 * ms},
		{"two up", 250 * ms, 2, 750 * ms},
		{"clamped at top", 1500 * ms, 5, 2000 * ms},
		{"clamped at bottom", -750 * ms, -9, -1000 * ms},
		{"between presets snaps up", 300 * ms, 1, 500 * ms},
		{"between presets snaps down", 300 * ms, -1, 250 * ms},
		{"between presets two up", 300 * ms, 2, 750 * ms},
		{"below table stepping down", -5 * time.Second, -1, -1000 * ms},
		{"above table stepping down", 5 * time.Second, -1, 2000 * ms},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StepPreset(tt.current, tt.steps))
		})
	}
}

func TestPreset_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Preset{Offset: -250 * ms, Label: "-250ms"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"offset_ms":-250,"label":"-250ms"}`, string(data))
}

func TestPreset_UnmarshalJSON(t *testing.T) {
	var decoded []Preset
	data, err := json.Marshal(Presets())
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, Presets(), decoded)
}
