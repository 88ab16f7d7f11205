package delay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Preset is a named offset offered to viewers
type Preset struct {
	Offset time.Duration `json:"-"`
	Label  string        `json:"label"`
}

type presetJSON struct {
	OffsetMs int64  `json:"offset_ms"`
	Label    string `json:"label"`
}

// MarshalJSON exposes the offset in milliseconds
func (p Preset) MarshalJSON() ([]byte, error) {
	return json.Marshal(presetJSON{OffsetMs: p.Offset.Milliseconds(), Label: p.Label})
}

// UnmarshalJSON reads the millisecond form written by MarshalJSON
func (p *Preset) UnmarshalJSON(data []byte) error {
	var raw presetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Offset = time.Duration(raw.OffsetMs) * time.Millisecond
	p.Label = raw.Label
	return nil
}

var presets = []Preset{
	{-1000 * time.Millisecond, "-1.0s"},
	{-750 * time.Millisecond, "-750ms"},
	{-500 * time.Millisecond, "-500ms"},
	{-250 * time.Millisecond, "-250ms"},
	{-100 * time.Millisecond, "-100ms"},
	{0, "No Delay"},
	{100 * time.Millisecond, "+100ms"},
	{250 * time.Millisecond, "+250ms"},
	{500 * time.Millisecond, "+500ms"},
	{750 * time.Millisecond, "+750ms"},
	{1000 * time.Millisecond, "+1.0s"},
	{1500 * time.Millisecond, "+1.5s"},
	{2000 * time.Millisecond, "+2.0s"},
}

// Presets returns the preset offsets in ascending order
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// LabelFor returns the preset label for d, or a signed millisecond rendering
func LabelFor(d time.Duration) string {
	for _, p := range presets {
		if p.Offset == d {
			return p.Label
		}
	}
	return fmt.Sprintf("%+dms", d.Milliseconds())
}

// StepPreset moves steps presets away from current, clamped to the table.
// A current value between presets counts as one step toward its neighbour.
func StepPreset(current time.Duration, steps int) time.Duration {
	if steps == 0 {
		return current
	}

	idx := -1
	for i, p := range presets {
		if p.Offset == current {
			idx = i
			break
		}
	}

	if idx < 0 {
		// Snap onto the neighbour in the direction of travel.
		if steps > 0 {
			idx = len(presets)
			for i, p := range presets {
				if p.Offset > current {
					idx = i
					break
				}
			}
			steps--
		} else {
			idx = -1
			for i := len(presets) - 1; i >= 0; i-- {
				if presets[i].Offset < current {
					idx = i
					break
				}
			}
			steps++
		}
	}

	idx += steps
	idx = max(0, min(idx, len(presets)-1))
	return presets[idx].Offset
}
