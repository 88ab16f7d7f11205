package cue

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaneisley/cuedelay/pkg/loop"
)

// ArrivalFunc receives a batch and the loop time it arrived at
type ArrivalFunc func(cues []Cue, arrival time.Time)

// Producer replays a Script onto a loop, one event at a time. Start and
// Stop must be called on the loop.
type Producer struct {
	looper  loop.Looper
	script  *Script
	onCues  ArrivalFunc
	start   time.Time
	next    int
	handle  loop.Handle
	started bool
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

// NewProducer creates a producer for script delivering to onCues
func NewProducer(looper loop.Looper, script *Script, onCues ArrivalFunc) *Producer {
	return &Producer{
		looper: looper,
		script: script,
		onCues: onCues,
		done:   make(chan struct{}),
	}
}

// Start begins the replay; event offsets are measured from the current loop time
func (p *Producer) Start() error {
	if p.started {
		return fmt.Errorf("producer already started")
	}
	p.started = true
	p.start = p.looper.Now()
	return p.armNext()
}

// armNext schedules the next event, or finishes if none remain.
func (p *Producer) armNext() error {
	if p.next >= len(p.script.Events) {
		p.finish()
		return nil
	}

	due := p.start.Add(p.script.Events[p.next].At)
	h, err := p.looper.PostDelayed(due.Sub(p.looper.Now()), p.emit)
	if err != nil {
		p.finish()
		return fmt.Errorf("failed to schedule event %d: %w", p.next, err)
	}
	p.handle = h
	return nil
}

// emit delivers every event due by now, then arms the next one.
func (p *Producer) emit() {
	p.handle = 0
	now := p.looper.Now()

	for p.next < len(p.script.Events) {
		event := p.script.Events[p.next]
		if p.start.Add(event.At).After(now) {
			break
		}
		p.next++
		p.onCues(event.Cues, now)
	}

	// The callback may have stopped the replay.
	if p.Finished() {
		return
	}
	p.err = p.armNext()
}

// Stop abandons the remaining events
func (p *Producer) Stop() {
	if p.handle != 0 {
		p.looper.Remove(p.handle)
		p.handle = 0
	}
	p.finish()
}

// Err returns the scheduling error that ended the replay early, if any
func (p *Producer) Err() error {
	return p.err
}

// Emitted returns the number of events delivered so far
func (p *Producer) Emitted() int {
	return p.next
}

// Done is closed when the last event was emitted or the replay was stopped
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Finished reports whether Done is closed
func (p *Producer) Finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Producer) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}
