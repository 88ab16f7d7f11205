// Package delay holds cue batches back by a configurable offset before
// handing them to a display sink, in arrival order.
//
// A Scheduler is driven by a single loop: every method, and the sink, run
// on that loop's goroutine. At most one timer is outstanding at a time; when
// it fires it shows every batch that has fallen due and re-arms itself for
// the next one.
package delay

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gammazero/deque"

	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/logging"
	"github.com/shaneisley/cuedelay/pkg/loop"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

// ErrSchedulingUnavailable is returned when the loop refuses to arm the delivery timer
var ErrSchedulingUnavailable = errors.New("delay: scheduling unavailable")

// delayedBatch is a batch waiting for its due time.
type delayedBatch struct {
	cues  []cue.Cue
	dueAt time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger used for offset changes and driver failures
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger.WithComponent("delay")
	}
}

// WithOffset sets the starting offset without triggering a reset
func WithOffset(offset time.Duration) Option {
	return func(s *Scheduler) {
		s.offset = offset
	}
}

// Scheduler delays cue batches by the current offset
type Scheduler struct {
	looper loop.Looper
	sink   Sink
	logger *logging.Logger

	offset  time.Duration
	pending *deque.Deque[delayedBatch]

	// Idle when !armed; Armed(timer) otherwise.
	armed bool
	timer loop.Handle

	released bool
	stats    metrics.SchedulerStats
}

// New creates a scheduler running on looper and showing cues on sink
func New(looper loop.Looper, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		looper:  looper,
		sink:    sink,
		logger:  logging.Discard(),
		pending: deque.New[delayedBatch](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offset returns the current offset
func (s *Scheduler) Offset() time.Duration {
	return s.offset
}

// SetOffset replaces the offset and drops everything in flight: the timer
// is cancelled, held batches are discarded and the display is cleared. This
// happens even when d equals the current offset.
func (s *Scheduler) SetOffset(d time.Duration) {
	if s.released {
		return
	}

	previous := s.offset
	s.offset = d
	discarded := s.reset()
	s.logger.LogOffsetChange(previous, d, discarded)
}

// OnCuesArrived accepts a batch that arrived at the given loop time. With a
// zero or negative offset the batch is shown at once; with a positive one it
// is held until arrival+offset and the display is cleared meanwhile.
func (s *Scheduler) OnCuesArrived(cues []cue.Cue, arrival time.Time) error {
	if s.released {
		return nil
	}
	s.stats.Submitted++

	// Negative offsets pass through: cues cannot be shown before they arrive.
	if s.offset <= 0 {
		s.stats.Immediate++
		s.sink.Display(cues)
		s.logger.LogDelivery(len(cues), false, 0)
		return nil
	}

	captured := slices.Clone(cues)
	if captured == nil {
		captured = []cue.Cue{}
	}
	s.pending.PushBack(delayedBatch{cues: captured, dueAt: arrival.Add(s.offset)})
	s.stats.Queued++
	s.clear()

	return s.arm()
}

// Release drops everything in flight and turns every later call into a no-op
func (s *Scheduler) Release() {
	if s.released {
		return
	}

	discarded := s.reset()
	s.released = true
	s.logger.Debug("scheduler released", "discarded_batches", discarded)
}

// Released reports whether Release has been called
func (s *Scheduler) Released() bool {
	return s.released
}

// Pending returns the number of batches waiting for their due time
func (s *Scheduler) Pending() int {
	return s.pending.Len()
}

// NextDue returns the due time of the oldest held batch
func (s *Scheduler) NextDue() (time.Time, bool) {
	if s.pending.Len() == 0 {
		return time.Time{}, false
	}
	return s.pending.Front().dueAt, true
}

// TimerArmed reports whether a delivery timer is outstanding
func (s *Scheduler) TimerArmed() bool {
	return s.armed
}

// Stats returns a snapshot of the scheduler's counters
func (s *Scheduler) Stats() metrics.SchedulerStats {
	stats := s.stats
	stats.Pending = s.pending.Len()
	stats.TimerArmed = s.armed
	stats.Offset = s.offset
	stats.Released = s.released
	return stats
}

// arm schedules a drain for the front batch unless a timer is already outstanding.
func (s *Scheduler) arm() error {
	if s.armed || s.pending.Len() == 0 {
		return nil
	}

	front := s.pending.Front()
	wait := max(front.dueAt.Sub(s.looper.Now()), 0)

	h, err := s.looper.PostDelayed(wait, s.drain)
	if err != nil {
		s.logger.LogError("arm_timer", err, "wait_ms", wait.Milliseconds(), "pending", s.pending.Len())
		return fmt.Errorf("%w: %w", ErrSchedulingUnavailable, err)
	}

	s.armed = true
	s.timer = h
	return nil
}

// drain shows every batch that is due and re-arms for the next one.
func (s *Scheduler) drain() {
	s.armed = false
	s.timer = 0
	now := s.looper.Now()

	for s.pending.Len() > 0 {
		front := s.pending.Front()
		if front.dueAt.After(now) {
			if err := s.arm(); err != nil {
				s.logger.Warn("held batches stalled until the next arrival",
					"pending", s.pending.Len(), "error", err)
			}
			return
		}

		s.pending.PopFront()
		s.stats.Delivered++
		late := now.Sub(front.dueAt)
		s.stats.ObserveLateness(late)
		s.sink.Display(front.cues)
		s.logger.LogDelivery(len(front.cues), true, late)
	}
}

// reset cancels the timer, discards held batches and clears the display.
func (s *Scheduler) reset() int {
	if s.armed {
		s.looper.Remove(s.timer)
		s.armed = false
		s.timer = 0
	}

	discarded := s.pending.Len()
	s.pending.Clear()
	s.stats.Discarded += discarded
	s.stats.Resets++
	s.clear()
	return discarded
}

func (s *Scheduler) clear() {
	s.stats.Clears++
	s.sink.Display([]cue.Cue{})
}
