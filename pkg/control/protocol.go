package control

import (
	"fmt"
	"math"
	"time"

	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

// ProtocolVersion is the only protocol version the server speaks
const ProtocolVersion = "1.0"

// MaxOffsetMs is the largest offset magnitude, in milliseconds, that fits a time.Duration
const MaxOffsetMs = math.MaxInt64 / int64(time.Millisecond)

// OffsetFromMs converts a wire offset to a duration, rejecting values that would overflow
func OffsetFromMs(ms int64) (time.Duration, error) {
	if ms > MaxOffsetMs || ms < -MaxOffsetMs {
		return 0, fmt.Errorf("offset_ms %d out of range (must be within ±%d)", ms, MaxOffsetMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Message types
const (
	TypeHandshake         = "handshake"
	TypeHandshakeResponse = "handshake_response"
	TypeGetOffset         = "get_offset"
	TypeSetOffset         = "set_offset"
	TypeStepOffset        = "step_offset"
	TypeOffsetResponse    = "offset_response"
	TypeStats             = "stats"
	TypeStatsResponse     = "stats_response"
	TypePresets           = "presets"
	TypePresetsResponse   = "presets_response"
	TypeError             = "error"
)

// Line-delimited JSON messages exchanged over the control socket

// HandshakeRequest opens a session
type HandshakeRequest struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Client  string `json:"client"`
}

// HandshakeResponse accepts a session
type HandshakeResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"message,omitempty"`
}

// GetOffsetRequest asks for the current offset
type GetOffsetRequest struct {
	Type string `json:"type"`
}

// SetOffsetRequest replaces the offset
type SetOffsetRequest struct {
	Type     string `json:"type"`
	OffsetMs int64  `json:"offset_ms"`
}

// StepOffsetRequest moves the offset along the preset table
type StepOffsetRequest struct {
	Type  string `json:"type"`
	Steps int    `json:"steps"`
}

// OffsetResponse reports the offset after a get, set or step
type OffsetResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	OffsetMs int64  `json:"offset_ms"`
	Label    string `json:"label"`
}

// StatsRequest asks for scheduler counters
type StatsRequest struct {
	Type string `json:"type"`
}

// StatsResponse carries scheduler counters
type StatsResponse struct {
	Type   string                 `json:"type"`
	Status string                 `json:"status"`
	Stats  metrics.SchedulerStats `json:"stats"`
}

// PresetsRequest asks for the preset table
type PresetsRequest struct {
	Type string `json:"type"`
}

// PresetsResponse carries the preset table
type PresetsResponse struct {
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Presets []delay.Preset `json:"presets"`
}

// ErrorResponse reports a failed request
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Message is implemented by every protocol message
type Message interface {
	GetType() string
}

func (m HandshakeRequest) GetType() string  { return m.Type }
func (m HandshakeResponse) GetType() string { return m.Type }
func (m GetOffsetRequest) GetType() string  { return m.Type }
func (m SetOffsetRequest) GetType() string  { return m.Type }
func (m StepOffsetRequest) GetType() string { return m.Type }
func (m OffsetResponse) GetType() string    { return m.Type }
func (m StatsRequest) GetType() string      { return m.Type }
func (m StatsResponse) GetType() string     { return m.Type }
func (m PresetsRequest) GetType() string    { return m.Type }
func (m PresetsResponse) GetType() string   { return m.Type }
func (m ErrorResponse) GetType() string     { return m.Type }
