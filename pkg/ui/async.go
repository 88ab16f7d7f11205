package ui

import (
	"sync"

	"github.com/eapache/channels"

	"github.com/shaneisley/cuedelay/pkg/cue"
)

// Displayer is anything that can show a batch of cues
type Displayer interface {
	Display(cues []cue.Cue)
}

// AsyncSink hands display updates to a slower displayer on its own
// goroutine. Display never blocks; when the displayer falls behind only the
// most recent update is kept, since that is what should be on screen.
type AsyncSink struct {
	target Displayer
	ring   *channels.RingChannel

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts a worker forwarding updates to target
func NewAsyncSink(target Displayer) *AsyncSink {
	a := &AsyncSink{
		target: target,
		ring:   channels.NewRingChannel(1),
		done:   make(chan struct{}),
	}
	go a.worker()
	return a
}

// Display queues cues for the worker, replacing any update not yet shown
func (a *AsyncSink) Display(cues []cue.Cue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.ring.In() <- append([]cue.Cue{}, cues...)
}

// Close flushes the last queued update and stops the worker
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.ring.Close()
	a.mu.Unlock()

	<-a.done
}

func (a *AsyncSink) worker() {
	defer close(a.done)
	for item := range a.ring.Out() {
		a.target.Display(item.([]cue.Cue))
	}
}
