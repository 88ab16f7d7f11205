package metrics

import (
	"encoding/json"
	"time"
)

// SchedulerStats counts what a delay scheduler has done since it was created
type SchedulerStats struct {
	Submitted  int           `json:"submitted"`  // batches received from the producer
	Immediate  int           `json:"immediate"`  // batches shown without delay
	Queued     int           `json:"queued"`     // batches held for a positive offset
	Delivered  int           `json:"delivered"`  // held batches shown after their due time
	Discarded  int           `json:"discarded"`  // held batches dropped by a reset or release
	Resets     int           `json:"resets"`     // offset changes and releases
	Clears     int           `json:"clears"`     // empty displays issued
	Pending    int           `json:"pending"`    // batches currently held
	TimerArmed bool          `json:"timer_armed"`
	Offset     time.Duration `json:"-"`
	MaxLate    time.Duration `json:"-"` // worst observed delivery lateness
	Released   bool          `json:"released"`
}

// OffsetMs returns the configured offset in milliseconds
func (s SchedulerStats) OffsetMs() int64 {
	return s.Offset.Milliseconds()
}

// Displayed returns the number of non-empty display updates, immediate and delayed
func (s SchedulerStats) Displayed() int {
	return s.Immediate + s.Delivered
}

// MarshalJSON implements custom JSON marshaling for SchedulerStats
func (s SchedulerStats) MarshalJSON() ([]byte, error) {
	type Alias SchedulerStats
	return json.Marshal(&struct {
		OffsetMs  int64 `json:"offset_ms"`
		MaxLateMs int64 `json:"max_late_ms"`
		Alias
	}{
		OffsetMs:  s.OffsetMs(),
		MaxLateMs: s.MaxLate.Milliseconds(),
		Alias:     Alias(s),
	})
}

// UnmarshalJSON restores the millisecond fields written by MarshalJSON
func (s *SchedulerStats) UnmarshalJSON(data []byte) error {
	type Alias SchedulerStats
	aux := &struct {
		OffsetMs  int64 `json:"offset_ms"`
		MaxLateMs int64 `json:"max_late_ms"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	s.Offset = time.Duration(aux.OffsetMs) * time.Millisecond
	s.MaxLate = time.Duration(aux.MaxLateMs) * time.Millisecond
	return nil
}

// ObserveLateness records how far past its due time a batch was shown
func (s *SchedulerStats) ObserveLateness(late time.Duration) {
	if late > s.MaxLate {
		s.MaxLate = late
	}
}
