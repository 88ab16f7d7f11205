package loop

import (
	"container/heap"
	"time"
)

// callback is a deferred callback registered with a Manual loop.
type callback struct {
	handle Handle
	due    time.Time
	seq    uint64
	fn     func()
}

// callbackHeap implements heap.Interface ordered by due time, then post order.
type callbackHeap []*callback

func (h callbackHeap) Len() int { return len(h) }

func (h callbackHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h callbackHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *callbackHeap) Push(x any) {
	*h = append(*h, x.(*callback))
}

func (h *callbackHeap) Pop() any {
	old := *h
	n := len(old)
	cb := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return cb
}

// Manual is a single-threaded loop driven by simulated time. Nothing runs
// until Advance or AdvanceTo is called, and callbacks run on the caller's
// goroutine. It is not safe for concurrent use.
type Manual struct {
	now       time.Time
	queue     callbackHeap
	removed   map[Handle]bool
	next      Handle
	seq       uint64
	failWith  error
	fired     int
	advancing bool
}

// NewManual creates a simulated loop whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		removed: make(map[Handle]bool),
	}
}

// Now returns the simulated time
func (m *Manual) Now() time.Time {
	return m.now
}

// PostDelayed registers fn to run once the simulated clock reaches now+delay
func (m *Manual) PostDelayed(delay time.Duration, fn func()) (Handle, error) {
	if m.failWith != nil {
		return 0, m.failWith
	}
	if delay < 0 {
		delay = 0
	}

	m.next++
	m.seq++
	heap.Push(&m.queue, &callback{
		handle: m.next,
		due:    m.now.Add(delay),
		seq:    m.seq,
		fn:     fn,
	})
	return m.next, nil
}

// Remove cancels an outstanding callback
func (m *Manual) Remove(h Handle) bool {
	for _, cb := range m.queue {
		if cb.handle == h && !m.removed[h] {
			m.removed[h] = true
			return true
		}
	}
	return false
}

// FailWith makes every later PostDelayed call fail with err. A nil err
// restores normal scheduling.
func (m *Manual) FailWith(err error) {
	m.failWith = err
}

// Outstanding returns the number of callbacks that have neither run nor been removed
func (m *Manual) Outstanding() int {
	n := 0
	for _, cb := range m.queue {
		if !m.removed[cb.handle] {
			n++
		}
	}
	return n
}

// Fired returns the number of callbacks run so far
func (m *Manual) Fired() int {
	return m.fired
}

// NextDue returns the due time of the earliest outstanding callback
func (m *Manual) NextDue() (time.Time, bool) {
	m.dropRemoved()
	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.queue[0].due, true
}

// Advance moves the clock forward by d, running every callback that falls due
func (m *Manual) Advance(d time.Duration) {
	m.AdvanceTo(m.now.Add(d))
}

// AdvanceTo moves the clock to t, running due callbacks in due-time order.
// While a callback runs, Now reports its due time. Callbacks posted by a
// running callback are run in the same call if they fall due by t.
func (m *Manual) AdvanceTo(t time.Time) {
	if m.advancing {
		panic("loop: AdvanceTo called from a running callback")
	}
	m.advancing = true
	defer func() { m.advancing = false }()

	for {
		m.dropRemoved()
		if len(m.queue) == 0 || m.queue[0].due.After(t) {
			break
		}

		cb := heap.Pop(&m.queue).(*callback)
		if cb.due.After(m.now) {
			m.now = cb.due
		}
		m.fired++
		cb.fn()
	}

	if t.After(m.now) {
		m.now = t
	}
}

// RunPending runs every callback already due at the current time
func (m *Manual) RunPending() {
	m.AdvanceTo(m.now)
}

// dropRemoved discards removed callbacks from the top of the heap.
func (m *Manual) dropRemoved() {
	for len(m.queue) > 0 && m.removed[m.queue[0].handle] {
		cb := heap.Pop(&m.queue).(*callback)
		delete(m.removed, cb.handle)
	}
}

var _ Looper = (*Manual)(nil)
